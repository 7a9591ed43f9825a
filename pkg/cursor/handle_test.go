package cursor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

func testSpecs(names ...string) []storage.IndexSpec {
	specs := make([]storage.IndexSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, storage.IndexSpec{
			Name:    name,
			Key:     []storage.IndexKeyElem{{Field: name, Order: 1}},
			Version: storage.IndexVersion,
		})
	}
	return specs
}

func batchNames(t *testing.T, b *BatchBuilder) []string {
	t.Helper()

	names := make([]string, 0, b.Len())
	for _, doc := range b.Items() {
		var spec storage.IndexSpec
		require.NoError(t, json.Unmarshal(doc, &spec))
		names = append(names, spec.Name)
	}
	return names
}

func TestHandlePullToExhaustion(t *testing.T) {
	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs("_id_", "a_1")))
	require.Equal(t, "app.users", h.Namespace())
	require.Equal(t, StateCreated, h.State())

	h.Attach(context.Background())
	require.Equal(t, StateAttached, h.State())

	b := NewBatchBuilder(10, 1<<20)
	require.NoError(t, h.Pull(b))

	require.True(t, h.Exhausted())
	require.Equal(t, []string{"_id_", "a_1"}, batchNames(t, b))
}

func TestHandlePullAcrossBatches(t *testing.T) {
	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs("_id_", "a_1", "b_1")))
	h.Attach(context.Background())

	b := NewBatchBuilder(2, 1<<20)
	require.NoError(t, h.Pull(b))
	require.False(t, h.Exhausted())
	require.Equal(t, []string{"_id_", "a_1"}, batchNames(t, b))

	// Suspend and resume: the overflow record leads the next batch,
	// delivered exactly once.
	h.Detach()
	h.markRegistered()
	h.Attach(context.Background())

	b = NewBatchBuilder(2, 1<<20)
	require.NoError(t, h.Pull(b))
	require.True(t, h.Exhausted())
	require.Equal(t, []string{"b_1"}, batchNames(t, b))
}

func TestHandlePullInterrupted(t *testing.T) {
	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs("_id_", "a_1")))

	ctx, cancel := context.WithCancel(context.Background())
	h.Attach(ctx)
	cancel()

	b := NewBatchBuilder(10, 1<<20)
	require.ErrorIs(t, h.Pull(b), context.Canceled)
	require.False(t, h.Exhausted())

	// The position survived the interruption.
	h.Detach()
	h.markRegistered()
	h.Attach(context.Background())

	b = NewBatchBuilder(10, 1<<20)
	require.NoError(t, h.Pull(b))
	require.Equal(t, []string{"_id_", "a_1"}, batchNames(t, b))
}

func TestHandleStateMachinePanics(t *testing.T) {
	newAttached := func() *Handle {
		h := NewHandle("app.users", storage.NewSpecIterator(nil))
		h.Attach(context.Background())
		return h
	}

	t.Run("double_attach", func(t *testing.T) {
		h := newAttached()
		require.Panics(t, func() { h.Attach(context.Background()) })
	})

	t.Run("detach_without_attach", func(t *testing.T) {
		h := NewHandle("app.users", storage.NewSpecIterator(nil))
		require.Panics(t, h.Detach)
	})

	t.Run("pull_while_detached", func(t *testing.T) {
		h := newAttached()
		h.Detach()
		require.Panics(t, func() { _ = h.Pull(NewBatchBuilder(1, 1)) })
	})

	t.Run("register_requires_detached", func(t *testing.T) {
		h := newAttached()
		require.Panics(t, h.markRegistered)
	})

	t.Run("attach_after_dispose", func(t *testing.T) {
		h := NewHandle("app.users", storage.NewSpecIterator(nil))
		h.Dispose()
		require.Panics(t, func() { h.Attach(context.Background()) })
	})
}

func TestHandleDisposeIdempotent(t *testing.T) {
	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs("_id_")))
	h.Dispose()
	h.Dispose()
	require.Equal(t, StateDisposed, h.State())
}

func TestHandleStateString(t *testing.T) {
	require.Equal(t, "created", StateCreated.String())
	require.Equal(t, "attached", StateAttached.String())
	require.Equal(t, "detached", StateDetached.String())
	require.Equal(t, "registered", StateRegistered.String())
	require.Equal(t, "exhausted", StateExhausted.String())
	require.Equal(t, "disposed", StateDisposed.String())
	require.Equal(t, "state(42)", State(42).String())
}
