// Package storage contains the index catalog interfaces and implementations.
package storage

import (
	"context"
)

const (
	// DefaultMaxBatchBytes caps the accumulated serialized size of a single
	// response batch.
	DefaultMaxBatchBytes = 16 * 1024 * 1024

	// IndexVersion is the version stamped on index specs this server writes.
	IndexVersion = 2
)

// IndexKeyElem is one component of an index key definition. Order is 1 for
// ascending and -1 for descending.
type IndexKeyElem struct {
	Field string `json:"field"`
	Order int    `json:"order"`
}

// IndexSpec is an index definition as it is returned to clients. BuildID is
// populated only on in-progress builds, and only when the caller asked for
// them to be included.
type IndexSpec struct {
	Name    string         `json:"name"`
	Key     []IndexKeyElem `json:"key"`
	Version int            `json:"v"`
	Unique  bool           `json:"unique,omitempty"`
	Options map[string]any `json:"options,omitempty"`
	BuildID string         `json:"buildUUID,omitempty"`
}

// IndexRecord is the catalog state for one index: its spec plus whether the
// build has completed. Records are immutable once handed out by a read guard.
type IndexRecord struct {
	Spec  IndexSpec
	Ready bool
}

// ListIndexNamesOptions controls which index names an enumeration returns.
type ListIndexNamesOptions struct {
	// IncludeNotReady also returns indexes whose builds have not finished.
	IncludeNotReady bool
}

// CollectionReadGuard holds the collection-level read lock acquired by
// [CatalogBackend.BeginRead] and serves catalog reads under it. Release must
// be called exactly once; all other methods are invalid afterwards.
type CollectionReadGuard interface {
	// CollectionID is the catalog identifier of the resolved collection.
	CollectionID() string

	// ListIndexNames returns index names in enumeration (name) order.
	// A transient snapshot conflict surfaces as ErrWriteConflict.
	ListIndexNames(ctx context.Context, opts ListIndexNamesOptions) ([]string, error)

	// IndexRecord returns the spec and readiness for one index, or
	// ErrNotFound if no such index exists.
	IndexRecord(ctx context.Context, name string) (IndexRecord, error)

	// Release drops the collection lock.
	Release()
}

// CatalogBackend supplies index metadata for collections.
type CatalogBackend interface {
	// BeginRead acquires the collection-level read lock and resolves the
	// namespace, returning ErrNotFound if the collection does not exist.
	// The lock may block on concurrent catalog writers.
	BeginRead(ctx context.Context, namespace string) (CollectionReadGuard, error)
}

// CatalogAdmin mutates catalog state. Kept separate from CatalogBackend so
// read paths can be handed a reader-only dependency.
type CatalogAdmin interface {
	// CreateCollection registers a namespace and returns its catalog
	// identifier. ErrCollision if the namespace already exists.
	CreateCollection(ctx context.Context, namespace string) (string, error)

	// DropCollection removes a namespace and all its indexes.
	DropCollection(ctx context.Context, namespace string) error

	// CreateIndex records an index on a collection. A ready index is
	// immediately visible to every enumeration; a not-ready one only to
	// enumerations that include in-progress builds.
	CreateIndex(ctx context.Context, namespace string, spec IndexSpec, ready bool) error

	// FinishIndexBuild marks a previously created index as ready.
	FinishIndexBuild(ctx context.Context, namespace, name string) error

	// DropIndex removes an index from a collection.
	DropIndex(ctx context.Context, namespace, name string) error
}

// IndexCatalog is the full datastore contract a server is wired with.
type IndexCatalog interface {
	CatalogBackend
	CatalogAdmin

	// Close releases the datastore and its resources.
	Close()
}
