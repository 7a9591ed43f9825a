// Package authz carries the authenticated principal set on the context and
// decides whether it may run catalog metadata commands.
package authz

import (
	"context"
	"slices"
)

type principalsKey struct{}

// ContextWithPrincipals returns a context carrying the authenticated
// principal set. Authentication itself happens upstream; this package only
// transports and checks the result.
func ContextWithPrincipals(ctx context.Context, principals []string) context.Context {
	return context.WithValue(ctx, principalsKey{}, principals)
}

// PrincipalsFromContext returns the principal set attached to ctx, or nil.
func PrincipalsFromContext(ctx context.Context) []string {
	principals, _ := ctx.Value(principalsKey{}).([]string)
	return principals
}

// SamePrincipals reports whether two principal sets are equal, ignoring
// order. Cursors captured under one set may only be continued or killed
// under the same set.
func SamePrincipals(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := slices.Clone(a)
	bs := slices.Clone(b)
	slices.Sort(as)
	slices.Sort(bs)
	return slices.Equal(as, bs)
}

// Authorizer decides whether a principal set may enumerate index metadata on
// a namespace.
type Authorizer interface {
	AuthorizedToListIndexes(ctx context.Context, principals []string, namespace string) bool
}

// AllowAll authorizes everything. The default for embedded use.
type AllowAll struct{}

var _ Authorizer = (*AllowAll)(nil)

func (AllowAll) AuthorizedToListIndexes(context.Context, []string, string) bool {
	return true
}

// StaticAuthorizer grants the listIndexes action per namespace to explicit
// principal sets.
type StaticAuthorizer struct {
	grants map[string]map[string]struct{}
}

var _ Authorizer = (*StaticAuthorizer)(nil)

// NewStaticAuthorizer returns an authorizer with no grants; everything is
// denied until Grant is called.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[string]map[string]struct{})}
}

// Grant allows principal to list indexes on namespace.
func (a *StaticAuthorizer) Grant(namespace, principal string) {
	set, ok := a.grants[namespace]
	if !ok {
		set = make(map[string]struct{})
		a.grants[namespace] = set
	}
	set[principal] = struct{}{}
}

// AuthorizedToListIndexes reports whether any of principals holds a grant on
// namespace.
func (a *StaticAuthorizer) AuthorizedToListIndexes(_ context.Context, principals []string, namespace string) bool {
	set, ok := a.grants[namespace]
	if !ok {
		return false
	}
	for _, p := range principals {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}
