package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

func newIndexSpec(name string) storage.IndexSpec {
	return storage.IndexSpec{
		Name:    name,
		Key:     []storage.IndexKeyElem{{Field: name, Order: 1}},
		Version: storage.IndexVersion,
	}
}

func TestCreateCollection(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	id, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = catalog.CreateCollection(ctx, "app.users")
	require.ErrorIs(t, err, storage.ErrCollision)
}

func TestBeginReadUnknownNamespace(t *testing.T) {
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.BeginRead(context.Background(), "app.missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListIndexNamesSortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)

	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("b_1"), true))
	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("_id_"), true))
	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("building_1"), false))

	guard, err := catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)
	defer guard.Release()
	require.NotEmpty(t, guard.CollectionID())

	names, err := guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"_id_", "b_1"}, names)

	names, err = guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{IncludeNotReady: true})
	require.NoError(t, err)
	require.Equal(t, []string{"_id_", "b_1", "building_1"}, names)
}

func TestIndexRecord(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)
	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("a_1"), false))

	guard, err := catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)

	rec, err := guard.IndexRecord(ctx, "a_1")
	require.NoError(t, err)
	require.Equal(t, "a_1", rec.Spec.Name)
	require.False(t, rec.Ready)

	_, err = guard.IndexRecord(ctx, "missing_1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	guard.Release()

	require.NoError(t, catalog.FinishIndexBuild(ctx, "app.users", "a_1"))

	guard, err = catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)
	defer guard.Release()

	rec, err = guard.IndexRecord(ctx, "a_1")
	require.NoError(t, err)
	require.True(t, rec.Ready)
}

func TestCreateIndexValidation(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)

	require.Error(t, catalog.CreateIndex(ctx, "app.users", storage.IndexSpec{}, true))

	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("a_1"), true))
	err = catalog.CreateIndex(ctx, "app.users", newIndexSpec("a_1"), true)
	require.ErrorIs(t, err, storage.ErrCollision)

	err = catalog.CreateIndex(ctx, "app.other", newIndexSpec("a_1"), true)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDropIndex(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)
	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("a_1"), true))

	require.NoError(t, catalog.DropIndex(ctx, "app.users", "a_1"))
	require.ErrorIs(t, catalog.DropIndex(ctx, "app.users", "a_1"), storage.ErrNotFound)
}

func TestDropCollectionWaitsForReaders(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)
	require.NoError(t, catalog.CreateIndex(ctx, "app.users", newIndexSpec("a_1"), true))

	guard, err := catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)

	dropped := make(chan error, 1)
	go func() {
		dropped <- catalog.DropCollection(ctx, "app.users")
	}()

	select {
	case <-dropped:
		t.Fatal("drop completed while a read guard was held")
	case <-time.After(50 * time.Millisecond):
	}

	// The held guard still serves reads over the snapshot it resolved.
	names, err := guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"a_1"}, names)

	guard.Release()
	require.NoError(t, <-dropped)

	_, err = catalog.BeginRead(ctx, "app.users")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadGuardReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)

	guard, err := catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)
	guard.Release()
	guard.Release()

	require.NoError(t, catalog.DropCollection(ctx, "app.users"))
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	catalog := New()
	t.Cleanup(catalog.Close)

	_, err := catalog.CreateCollection(ctx, "app.users")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			return catalog.CreateIndex(ctx, "app.users", newIndexSpec(fmt.Sprintf("f%02d_1", i)), true)
		})
		g.Go(func() error {
			guard, err := catalog.BeginRead(ctx, "app.users")
			if err != nil {
				return err
			}
			defer guard.Release()
			_, err = guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{IncludeNotReady: true})
			return err
		})
	}
	require.NoError(t, g.Wait())

	guard, err := catalog.BeginRead(ctx, "app.users")
	require.NoError(t, err)
	defer guard.Release()

	names, err := guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{})
	require.NoError(t, err)
	require.Len(t, names, 10)
}
