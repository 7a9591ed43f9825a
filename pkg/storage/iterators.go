package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrIteratorDone is returned by Next when an iterator has no more items.
var ErrIteratorDone = errors.New("iterator done")

// Iterator yields items of type T. It is closed by explicitly calling Stop()
// or by calling Next() until it returns ErrIteratorDone.
type Iterator[T any] interface {
	// Next returns the next available item. If the context is cancelled or
	// times out it returns the context error instead.
	Next(ctx context.Context) (T, error)

	// Stop terminates iteration and releases the iterator's resources.
	Stop()
}

// IndexIterator is an iterator over index specs.
type IndexIterator = Iterator[IndexSpec]

// SpecIterator iterates a pre-materialized, ordered sequence of index specs.
// The snapshot is established entirely at construction; nothing is re-fetched
// during consumption. A single-slot push-back buffer lets the consumer return
// one spec for redelivery on the very next Next call, which is how a batch
// overflow keeps the record that did not fit.
type SpecIterator struct {
	mu     sync.Mutex
	specs  []IndexSpec
	queued *IndexSpec
}

var _ IndexIterator = (*SpecIterator)(nil)

// NewSpecIterator returns a SpecIterator over specs, delivered in the given
// order, each exactly once.
func NewSpecIterator(specs []IndexSpec) *SpecIterator {
	return &SpecIterator{specs: specs}
}

// Next see [Iterator].Next. The pushed-back spec, if any, is delivered first.
func (s *SpecIterator) Next(ctx context.Context) (IndexSpec, error) {
	if err := ctx.Err(); err != nil {
		return IndexSpec{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued != nil {
		next := *s.queued
		s.queued = nil
		return next, nil
	}

	if len(s.specs) == 0 {
		return IndexSpec{}, ErrIteratorDone
	}

	next := s.specs[0]
	s.specs = s.specs[1:]
	return next, nil
}

// PushBack re-inserts spec so that it is returned by the very next Next call.
// At most one push-back may be outstanding at a time; a second one before
// the first is consumed is a programming error.
func (s *SpecIterator) PushBack(spec IndexSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queued != nil {
		panic("storage: SpecIterator push-back slot already occupied")
	}
	s.queued = &spec
}

// Stop drops the remaining sequence. Next returns ErrIteratorDone afterwards.
func (s *SpecIterator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.specs = nil
	s.queued = nil
}
