// Package cursor implements the resumable execution handles and the
// process-wide registry that carries listing results across request
// boundaries.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

// State of an execution handle. Transitions are driven by the pin protocol:
// exactly one party owns the handle at any time, so no locking happens here.
type State int

const (
	// StateCreated: built, never pulled.
	StateCreated State = iota
	// StateAttached: bound to an operation context, pullable.
	StateAttached
	// StateDetached: unbound with position preserved, ready to register.
	StateDetached
	// StateRegistered: parked in a Registry awaiting resumption.
	StateRegistered
	// StateExhausted: the producer signalled end-of-stream.
	StateExhausted
	// StateDisposed: resources released; terminal.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateRegistered:
		return "registered"
	case StateExhausted:
		return "exhausted"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle owns a SpecIterator exclusively and carries it across lock scopes:
// attached under a collection lock for the first pull, detached before that
// lock is released, registered for later resumption. Misuse of the state
// machine is a programming error and panics; every externally reachable
// failure is returned as an error.
type Handle struct {
	namespace string
	iter      *storage.SpecIterator
	state     State
	ctx       context.Context // valid only while attached
}

// NewHandle wraps iter for delivery against namespace.
func NewHandle(namespace string, iter *storage.SpecIterator) *Handle {
	return &Handle{
		namespace: namespace,
		iter:      iter,
		state:     StateCreated,
	}
}

// Namespace is the target the handle was created for.
func (h *Handle) Namespace() string {
	return h.namespace
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return h.state
}

// Attach binds the handle to an active operation context. Required before
// Pull. Legal from Created (first pull, under the collection lock) and from
// Registered (resumption via the registry's pin).
func (h *Handle) Attach(ctx context.Context) {
	if h.state != StateCreated && h.state != StateRegistered {
		panic(fmt.Sprintf("cursor: attach from state %s", h.state))
	}
	h.ctx = ctx
	h.state = StateAttached
}

// Detach unbinds the handle, preserving the producer's position. Must be
// called strictly before the lock the handle was pulled under is released.
func (h *Handle) Detach() {
	if h.state != StateAttached {
		panic(fmt.Sprintf("cursor: detach from state %s", h.state))
	}
	h.ctx = nil
	h.state = StateDetached
}

// markRegistered transitions Detached→Registered. Called by Registry only.
func (h *Handle) markRegistered() {
	if h.state != StateDetached {
		panic(fmt.Sprintf("cursor: register requires a detached handle, got %s", h.state))
	}
	h.state = StateRegistered
}

// Pull drains records into b until the producer signals end-of-stream or the
// batch saturates. A record that does not fit is pushed back onto the
// producer so it is the first item of the next Pull. Interruption of the
// attached context aborts the pull and propagates.
func (h *Handle) Pull(b *BatchBuilder) error {
	if h.state != StateAttached {
		panic(fmt.Sprintf("cursor: pull from state %s", h.state))
	}

	for {
		spec, err := h.iter.Next(h.ctx)
		if err != nil {
			if errors.Is(err, storage.ErrIteratorDone) {
				h.ctx = nil
				h.state = StateExhausted
				return nil
			}
			return err
		}

		doc, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("serialize index spec %q: %w", spec.Name, err)
		}

		if !b.TryAdd(doc) {
			h.iter.PushBack(spec)
			return nil
		}
	}
}

// Exhausted reports whether the producer has signalled end-of-stream.
func (h *Handle) Exhausted() bool {
	return h.state == StateExhausted
}

// Dispose releases the producer. Safe to call more than once.
func (h *Handle) Dispose() {
	if h.state == StateDisposed {
		return
	}
	h.iter.Stop()
	h.ctx = nil
	h.state = StateDisposed
}
