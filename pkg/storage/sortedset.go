package storage

import "github.com/emirpasic/gods/trees/redblacktree"

// SortedSet stores a set of strings (no duplicates) with fast sorted access.
// Catalogs use it to keep index names in enumeration order.
type SortedSet interface {
	Size() int
	Add(key string)
	Remove(key string)
	Exists(key string) bool
	Values() []string
}

type redBlackTreeSet struct {
	inner *redblacktree.Tree
}

var _ SortedSet = (*redBlackTreeSet)(nil)

// NewSortedSet returns an empty SortedSet backed by a red-black tree.
func NewSortedSet() SortedSet {
	return &redBlackTreeSet{
		inner: redblacktree.NewWithStringComparator(),
	}
}

func (r *redBlackTreeSet) Size() int {
	return r.inner.Size()
}

func (r *redBlackTreeSet) Add(key string) {
	r.inner.Put(key, nil)
}

func (r *redBlackTreeSet) Remove(key string) {
	r.inner.Remove(key)
}

func (r *redBlackTreeSet) Exists(key string) bool {
	_, ok := r.inner.Get(key)
	return ok
}

func (r *redBlackTreeSet) Values() []string {
	values := make([]string, 0, r.inner.Size())
	for _, k := range r.inner.Keys() {
		values = append(values, k.(string))
	}
	return values
}
