package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/pkg/logger"
)

var (
	// ErrCursorNotFound if no cursor exists under the given identifier.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorInUse if the cursor is pinned by another concurrent caller.
	ErrCursorInUse = errors.New("cursor already in use")
)

// LockPolicy records how a cursor's continuation pulls interact with
// collection locks.
type LockPolicy int

const (
	// LocksInternally: pulls run against pre-materialized state and take no
	// collection locks on resumption. The policy of the listIndexes family.
	LocksInternally LockPolicy = iota
	// LocksExternally: resumption reacquires collection locks before
	// pulling. Reserved for executors that read live storage.
	LocksExternally
)

// Params is the metadata a cursor captures at creation and holds for its
// lifetime.
type Params struct {
	Namespace          string
	Principals         []string
	ReadConcern        string
	OriginatingRequest json.RawMessage
	LockPolicy         LockPolicy
}

// Cursor pairs a registered handle with its captured metadata. The pin mutex
// is the per-cursor exclusivity primitive: it is only ever TryLock'd, so a
// busy cursor fails fast instead of blocking, and lookups of unrelated
// cursors never wait on it.
type Cursor struct {
	id     int64
	handle *Handle
	params Params

	pin sync.Mutex

	// killed and lastUsed are guarded by the owning registry's mu.
	killed   bool
	lastUsed time.Time
}

// ID is the cursor's process-unique, non-zero identifier.
func (c *Cursor) ID() int64 {
	return c.id
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithClock overrides the registry's time source. Used by idle-reap tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// WithMetrics registers the registry's collectors with reg.
func WithMetrics(reg prometheus.Registerer) RegistryOption {
	return func(r *Registry) {
		r.metrics = newRegistryMetrics(reg)
	}
}

// Registry is the process-wide store of suspended execution handles, shared
// by all concurrent operations. Its mutex guards only the identifier map and
// the per-cursor bookkeeping fields; pin exclusivity lives on each cursor.
type Registry struct {
	mu      sync.Mutex
	cursors map[int64]*Cursor

	logger  logger.Logger
	now     func() time.Time
	metrics *registryMetrics
}

// NewRegistry creates an empty registry. One instance is built at process
// startup and passed by reference to every operation.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		cursors: make(map[int64]*Cursor),
		logger:  logger.NewNoopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a detached handle, assigns a fresh non-zero identifier
// and transitions the handle to Registered. Registering a handle that is not
// detached is a contract violation and panics.
func (r *Registry) Register(h *Handle, params Params) int64 {
	h.markRegistered()

	r.mu.Lock()
	id := r.nextIDLocked()
	r.cursors[id] = &Cursor{
		id:       id,
		handle:   h,
		params:   params,
		lastUsed: r.now(),
	}
	r.mu.Unlock()

	r.metrics.registered()
	r.logger.Debug("registered cursor",
		zap.Int64("cursor_id", id),
		zap.String("namespace", params.Namespace),
	)
	return id
}

func (r *Registry) nextIDLocked() int64 {
	for {
		id := rand.Int64()
		if id == 0 {
			continue
		}
		if _, ok := r.cursors[id]; ok {
			continue
		}
		return id
	}
}

// Pin claims the cursor exclusively for one retrieval call. It fails fast
// with ErrCursorInUse when another caller holds the pin, and with
// ErrCursorNotFound for unknown or killed identifiers.
func (r *Registry) Pin(id int64) (*Pinned, error) {
	r.mu.Lock()
	c, ok := r.cursors[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrCursorNotFound
	}

	if !c.pin.TryLock() {
		return nil, ErrCursorInUse
	}

	// The cursor may have been killed and removed between the map lookup
	// and the pin acquisition.
	r.mu.Lock()
	if c.killed || r.cursors[id] != c {
		r.mu.Unlock()
		c.pin.Unlock()
		return nil, ErrCursorNotFound
	}
	r.mu.Unlock()

	return &Pinned{registry: r, cursor: c}, nil
}

// Kill marks the cursor for disposal. An unpinned cursor is disposed
// immediately; one pinned by a concurrent operation is disposed when that
// operation unpins.
func (r *Registry) Kill(id int64) error {
	r.mu.Lock()
	c, ok := r.cursors[id]
	if !ok {
		r.mu.Unlock()
		return ErrCursorNotFound
	}

	c.killed = true
	if !c.pin.TryLock() {
		// Pinned elsewhere; the unpin will observe killed and dispose.
		r.mu.Unlock()
		r.metrics.killed()
		return nil
	}

	delete(r.cursors, id)
	r.mu.Unlock()

	c.handle.Dispose()
	c.pin.Unlock()
	r.metrics.killed()
	r.metrics.closed()
	r.logger.Debug("killed cursor", zap.Int64("cursor_id", id))
	return nil
}

// Params returns the captured metadata for a registered cursor without
// pinning it. Used for authorization checks ahead of a kill.
func (r *Registry) Params(id int64) (Params, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cursors[id]
	if !ok || c.killed {
		return Params{}, false
	}
	return c.params, true
}

// Len is the number of registered cursors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cursors)
}

// ReapIdle kills every unpinned cursor whose last use is older than
// olderThan and returns how many it reaped. A cursor pinned by an in-flight
// operation is not idle and is skipped; its unpin refreshes the idle clock,
// so a later sweep sees it fresh.
func (r *Registry) ReapIdle(olderThan time.Duration) int {
	cutoff := r.now().Add(-olderThan)

	r.mu.Lock()
	var idle []*Cursor
	for _, c := range r.cursors {
		if !c.killed && c.lastUsed.Before(cutoff) {
			idle = append(idle, c)
		}
	}
	r.mu.Unlock()

	reaped := 0
	for _, c := range idle {
		if !c.pin.TryLock() {
			continue
		}

		// The cursor may have been killed or removed between the sweep and
		// the pin acquisition.
		r.mu.Lock()
		if c.killed || r.cursors[c.id] != c {
			r.mu.Unlock()
			c.pin.Unlock()
			continue
		}
		c.killed = true
		delete(r.cursors, c.id)
		r.mu.Unlock()

		c.handle.Dispose()
		c.pin.Unlock()
		r.metrics.killed()
		r.metrics.closed()
		reaped++
	}
	if reaped > 0 {
		r.metrics.timedOut(reaped)
		r.logger.Info("reaped idle cursors", zap.Int("count", reaped))
	}
	return reaped
}

// Close kills every registered cursor, regardless of idle time. Called at
// process shutdown; cursors pinned by in-flight operations are disposed when
// those operations unpin.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.cursors))
	for id := range r.cursors {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Kill(id)
	}
}

// RunReaper drives ReapIdle on a ticker until ctx is cancelled. Run it in
// its own goroutine at process startup.
func (r *Registry) RunReaper(ctx context.Context, interval, idleTimeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.ReapIdle(idleTimeout)
		}
	}
}

// Pinned is the caller's exclusive claim on a cursor, valid until Unpin.
type Pinned struct {
	registry *Registry
	cursor   *Cursor
	done     bool
}

// Handle returns the pinned execution handle. The caller is the handle's
// single writer until Unpin.
func (p *Pinned) Handle() *Handle {
	return p.cursor.handle
}

// ID is the pinned cursor's identifier.
func (p *Pinned) ID() int64 {
	return p.cursor.id
}

// Params is the metadata captured when the cursor was registered.
func (p *Pinned) Params() Params {
	return p.cursor.params
}

// Unpin releases the claim. An exhausted or killed cursor is removed and its
// handle disposed; otherwise the cursor returns to the registered state with
// its idle clock reset. Safe to call more than once.
func (p *Pinned) Unpin() {
	if p.done {
		return
	}
	p.done = true

	r := p.registry
	c := p.cursor

	r.mu.Lock()
	dispose := c.killed || c.handle.Exhausted()
	if dispose {
		delete(r.cursors, c.id)
	} else {
		if c.handle.State() == StateDetached {
			c.handle.markRegistered()
		}
		c.lastUsed = r.now()
	}
	r.mu.Unlock()

	if dispose {
		c.handle.Dispose()
		r.metrics.closed()
	}
	c.pin.Unlock()
}

// registryMetrics is nil-safe: an unconfigured registry records nothing.
type registryMetrics struct {
	open            prometheus.Gauge
	registeredTotal prometheus.Counter
	killedTotal     prometheus.Counter
	timedOutTotal   prometheus.Counter
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ridgeline",
			Subsystem: "cursors",
			Name:      "open",
			Help:      "Number of currently registered cursors.",
		}),
		registeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgeline",
			Subsystem: "cursors",
			Name:      "registered_total",
			Help:      "Total cursors registered since process start.",
		}),
		killedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgeline",
			Subsystem: "cursors",
			Name:      "killed_total",
			Help:      "Total cursors killed, explicitly or by the reaper.",
		}),
		timedOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ridgeline",
			Subsystem: "cursors",
			Name:      "timed_out_total",
			Help:      "Total cursors reaped after exceeding the idle timeout.",
		}),
	}
	reg.MustRegister(m.open, m.registeredTotal, m.killedTotal, m.timedOutTotal)
	return m
}

func (m *registryMetrics) registered() {
	if m == nil {
		return
	}
	m.open.Inc()
	m.registeredTotal.Inc()
}

func (m *registryMetrics) closed() {
	if m == nil {
		return
	}
	m.open.Dec()
}

func (m *registryMetrics) killed() {
	if m == nil {
		return
	}
	m.killedTotal.Inc()
}

func (m *registryMetrics) timedOut(n int) {
	if m == nil {
		return
	}
	m.timedOutTotal.Add(float64(n))
}
