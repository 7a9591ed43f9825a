package cursor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func registeredHandle(t *testing.T, r *Registry, names ...string) int64 {
	t.Helper()

	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs(names...)))
	h.Attach(context.Background())
	h.Detach()
	return r.Register(h, Params{Namespace: "app.users"})
}

func TestRegisterAssignsNonZeroIDs(t *testing.T) {
	r := NewRegistry()

	seen := make(map[int64]struct{})
	for i := 0; i < 100; i++ {
		id := registeredHandle(t, r, "_id_")
		require.NotZero(t, id)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	require.Equal(t, 100, r.Len())
}

func TestRegisterRequiresDetachedHandle(t *testing.T) {
	r := NewRegistry()
	h := NewHandle("app.users", storage.NewSpecIterator(nil))
	require.Panics(t, func() { r.Register(h, Params{}) })
}

func TestPinUnpinRoundTrip(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_", "a_1")

	pinned, err := r.Pin(id)
	require.NoError(t, err)
	require.Equal(t, id, pinned.ID())
	require.Equal(t, "app.users", pinned.Params().Namespace)
	require.Equal(t, StateRegistered, pinned.Handle().State())

	// A pinned cursor rejects a second pin without blocking.
	_, err = r.Pin(id)
	require.ErrorIs(t, err, ErrCursorInUse)

	pinned.Unpin()

	pinned, err = r.Pin(id)
	require.NoError(t, err)
	pinned.Unpin()
}

func TestPinUnknownCursor(t *testing.T) {
	r := NewRegistry()
	_, err := r.Pin(12345)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestUnpinRemovesExhaustedCursor(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_")

	pinned, err := r.Pin(id)
	require.NoError(t, err)

	h := pinned.Handle()
	h.Attach(context.Background())
	require.NoError(t, h.Pull(NewBatchBuilder(10, 1<<20)))
	require.True(t, h.Exhausted())

	pinned.Unpin()
	require.Zero(t, r.Len())
	require.Equal(t, StateDisposed, h.State())

	_, err = r.Pin(id)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestUnpinIdempotent(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_")

	pinned, err := r.Pin(id)
	require.NoError(t, err)
	pinned.Unpin()
	pinned.Unpin()
	require.Equal(t, 1, r.Len())
}

func TestKillUnpinnedCursor(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_")

	require.NoError(t, r.Kill(id))
	require.Zero(t, r.Len())
	require.ErrorIs(t, r.Kill(id), ErrCursorNotFound)

	_, err := r.Pin(id)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestKillWhilePinnedDefersDisposal(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_", "a_1")

	pinned, err := r.Pin(id)
	require.NoError(t, err)

	// The kill succeeds immediately but disposal waits for the pin owner.
	require.NoError(t, r.Kill(id))
	h := pinned.Handle()
	require.NotEqual(t, StateDisposed, h.State())

	_, err = r.Pin(id)
	require.ErrorIs(t, err, ErrCursorNotFound)

	pinned.Unpin()
	require.Equal(t, StateDisposed, h.State())
	require.Zero(t, r.Len())
}

func TestParams(t *testing.T) {
	r := NewRegistry()

	h := NewHandle("app.users", storage.NewSpecIterator(testSpecs("_id_")))
	h.Attach(context.Background())
	h.Detach()
	id := r.Register(h, Params{
		Namespace:  "app.users",
		Principals: []string{"alice"},
	})

	params, ok := r.Params(id)
	require.True(t, ok)
	require.Equal(t, "app.users", params.Namespace)
	require.Equal(t, []string{"alice"}, params.Principals)

	_, ok = r.Params(id + 1)
	require.False(t, ok)

	require.NoError(t, r.Kill(id))
	_, ok = r.Params(id)
	require.False(t, ok)
}

func TestReapIdle(t *testing.T) {
	now := time.Now()
	current := now
	r := NewRegistry(WithClock(func() time.Time { return current }))

	stale := registeredHandle(t, r, "_id_")

	current = now.Add(5 * time.Minute)
	fresh := registeredHandle(t, r, "_id_")

	require.Equal(t, 1, r.ReapIdle(time.Minute))
	require.Equal(t, 1, r.Len())

	_, err := r.Pin(stale)
	require.ErrorIs(t, err, ErrCursorNotFound)

	pinned, err := r.Pin(fresh)
	require.NoError(t, err)
	pinned.Unpin()
}

func TestReapIdleSkipsPinnedCursor(t *testing.T) {
	current := time.Now()
	r := NewRegistry(WithClock(func() time.Time { return current }))

	id := registeredHandle(t, r, "_id_")

	pinned, err := r.Pin(id)
	require.NoError(t, err)

	// An actively pinned cursor is not idle, no matter how stale its clock.
	current = current.Add(time.Hour)
	require.Zero(t, r.ReapIdle(time.Minute))
	require.Equal(t, 1, r.Len())
	require.NotEqual(t, StateDisposed, pinned.Handle().State())

	// Unpin refreshes the idle clock, so the cursor survives the next sweep.
	pinned.Unpin()
	require.Zero(t, r.ReapIdle(time.Minute))
	require.Equal(t, 1, r.Len())

	// Once genuinely idle again, it is reaped.
	current = current.Add(time.Hour)
	require.Equal(t, 1, r.ReapIdle(time.Minute))
	require.Zero(t, r.Len())

	_, err = r.Pin(id)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestCloseKillsEverything(t *testing.T) {
	r := NewRegistry()
	a := registeredHandle(t, r, "_id_")
	b := registeredHandle(t, r, "_id_")

	r.Close()
	require.Zero(t, r.Len())

	_, err := r.Pin(a)
	require.ErrorIs(t, err, ErrCursorNotFound)
	_, err = r.Pin(b)
	require.ErrorIs(t, err, ErrCursorNotFound)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.RunReaper(ctx, time.Millisecond, time.Minute)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestConcurrentPinsSingleWinnerPerRound(t *testing.T) {
	r := NewRegistry()
	id := registeredHandle(t, r, "_id_", "a_1", "b_1")

	var wins, busy atomic.Int64

	p := pool.New().WithMaxGoroutines(8)
	for i := 0; i < 64; i++ {
		p.Go(func() {
			pinned, err := r.Pin(id)
			if err != nil {
				busy.Add(1)
				return
			}
			wins.Add(1)
			pinned.Unpin()
		})
	}
	p.Wait()

	require.Positive(t, wins.Load())
	require.Equal(t, int64(64), wins.Load()+busy.Load())
	require.Equal(t, 1, r.Len())
}
