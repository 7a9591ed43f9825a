// Package memory provides an ephemeral, memory-backed index catalog.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

var tracer = otel.Tracer("ridgeline/pkg/storage/memory")

type collection struct {
	id string

	// mu is the collection-level lock: read guards hold it shared, catalog
	// writers exclusive.
	mu      sync.RWMutex
	names   storage.SortedSet
	indexes map[string]storage.IndexRecord
}

// Catalog is an in-memory implementation of [storage.IndexCatalog]. Instances
// may be shared safely by multiple goroutines.
type Catalog struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

var _ storage.IndexCatalog = (*Catalog)(nil)

// New creates an empty in-memory catalog.
func New() *Catalog {
	return &Catalog{
		collections: make(map[string]*collection),
	}
}

// CreateCollection see [storage.CatalogAdmin].CreateCollection.
func (c *Catalog) CreateCollection(ctx context.Context, namespace string) (string, error) {
	_, span := tracer.Start(ctx, "memory.CreateCollection")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.collections[namespace]; ok {
		return "", fmt.Errorf("collection %q: %w", namespace, storage.ErrCollision)
	}

	id := ulid.Make().String()
	c.collections[namespace] = &collection{
		id:      id,
		names:   storage.NewSortedSet(),
		indexes: make(map[string]storage.IndexRecord),
	}
	return id, nil
}

// DropCollection see [storage.CatalogAdmin].DropCollection. Blocks until
// in-flight read guards on the collection are released.
func (c *Catalog) DropCollection(ctx context.Context, namespace string) error {
	_, span := tracer.Start(ctx, "memory.DropCollection")
	defer span.End()

	c.mu.RLock()
	coll, ok := c.collections[namespace]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("collection %q: %w", namespace, storage.ErrNotFound)
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	c.mu.Lock()
	delete(c.collections, namespace)
	c.mu.Unlock()
	return nil
}

// CreateIndex see [storage.CatalogAdmin].CreateIndex.
func (c *Catalog) CreateIndex(ctx context.Context, namespace string, spec storage.IndexSpec, ready bool) error {
	_, span := tracer.Start(ctx, "memory.CreateIndex")
	defer span.End()

	if spec.Name == "" {
		return fmt.Errorf("index spec must carry a name")
	}

	coll, err := c.lookup(namespace)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if coll.names.Exists(spec.Name) {
		return fmt.Errorf("index %q on %q: %w", spec.Name, namespace, storage.ErrCollision)
	}

	coll.names.Add(spec.Name)
	coll.indexes[spec.Name] = storage.IndexRecord{Spec: spec, Ready: ready}
	return nil
}

// FinishIndexBuild see [storage.CatalogAdmin].FinishIndexBuild.
func (c *Catalog) FinishIndexBuild(ctx context.Context, namespace, name string) error {
	_, span := tracer.Start(ctx, "memory.FinishIndexBuild")
	defer span.End()

	coll, err := c.lookup(namespace)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	rec, ok := coll.indexes[name]
	if !ok {
		return fmt.Errorf("index %q on %q: %w", name, namespace, storage.ErrNotFound)
	}
	rec.Ready = true
	coll.indexes[name] = rec
	return nil
}

// DropIndex see [storage.CatalogAdmin].DropIndex.
func (c *Catalog) DropIndex(ctx context.Context, namespace, name string) error {
	_, span := tracer.Start(ctx, "memory.DropIndex")
	defer span.End()

	coll, err := c.lookup(namespace)
	if err != nil {
		return err
	}

	coll.mu.Lock()
	defer coll.mu.Unlock()

	if !coll.names.Exists(name) {
		return fmt.Errorf("index %q on %q: %w", name, namespace, storage.ErrNotFound)
	}
	coll.names.Remove(name)
	delete(coll.indexes, name)
	return nil
}

// BeginRead see [storage.CatalogBackend].BeginRead.
func (c *Catalog) BeginRead(ctx context.Context, namespace string) (storage.CollectionReadGuard, error) {
	_, span := tracer.Start(ctx, "memory.BeginRead")
	defer span.End()

	coll, err := c.lookup(namespace)
	if err != nil {
		return nil, err
	}

	coll.mu.RLock()
	return &readGuard{coll: coll}, nil
}

// Close see [storage.IndexCatalog].Close.
func (c *Catalog) Close() {}

func (c *Catalog) lookup(namespace string) (*collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	coll, ok := c.collections[namespace]
	if !ok {
		return nil, fmt.Errorf("collection %q: %w", namespace, storage.ErrNotFound)
	}
	return coll, nil
}

// readGuard serves catalog reads while holding the collection read lock.
type readGuard struct {
	coll    *collection
	release sync.Once
}

var _ storage.CollectionReadGuard = (*readGuard)(nil)

// CollectionID see [storage.CollectionReadGuard].CollectionID.
func (g *readGuard) CollectionID() string {
	return g.coll.id
}

// ListIndexNames see [storage.CollectionReadGuard].ListIndexNames.
func (g *readGuard) ListIndexNames(ctx context.Context, opts storage.ListIndexNamesOptions) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var names []string
	for _, name := range g.coll.names.Values() {
		if !opts.IncludeNotReady && !g.coll.indexes[name].Ready {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// IndexRecord see [storage.CollectionReadGuard].IndexRecord.
func (g *readGuard) IndexRecord(ctx context.Context, name string) (storage.IndexRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.IndexRecord{}, err
	}

	rec, ok := g.coll.indexes[name]
	if !ok {
		return storage.IndexRecord{}, fmt.Errorf("index %q: %w", name, storage.ErrNotFound)
	}
	return rec, nil
}

// Release see [storage.CollectionReadGuard].Release.
func (g *readGuard) Release() {
	g.release.Do(g.coll.mu.RUnlock)
}
