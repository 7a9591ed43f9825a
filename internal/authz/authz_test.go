package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrincipalsContextRoundTrip(t *testing.T) {
	require.Nil(t, PrincipalsFromContext(context.Background()))

	ctx := ContextWithPrincipals(context.Background(), []string{"alice", "bob"})
	require.Equal(t, []string{"alice", "bob"}, PrincipalsFromContext(ctx))
}

func TestSamePrincipals(t *testing.T) {
	tests := []struct {
		name string
		a    []string
		b    []string
		want bool
	}{
		{name: "both_empty", a: nil, b: nil, want: true},
		{name: "order_ignored", a: []string{"b", "a"}, b: []string{"a", "b"}, want: true},
		{name: "different_members", a: []string{"a"}, b: []string{"b"}, want: false},
		{name: "subset", a: []string{"a"}, b: []string{"a", "b"}, want: false},
		{name: "nil_vs_empty", a: nil, b: []string{}, want: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.want, SamePrincipals(test.a, test.b))
			require.Equal(t, test.want, SamePrincipals(test.b, test.a))
		})
	}
}

func TestAllowAll(t *testing.T) {
	var a AllowAll
	require.True(t, a.AuthorizedToListIndexes(context.Background(), nil, "app.users"))
}

func TestStaticAuthorizer(t *testing.T) {
	ctx := context.Background()

	a := NewStaticAuthorizer()
	require.False(t, a.AuthorizedToListIndexes(ctx, []string{"alice"}, "app.users"))

	a.Grant("app.users", "alice")
	require.True(t, a.AuthorizedToListIndexes(ctx, []string{"alice"}, "app.users"))
	require.True(t, a.AuthorizedToListIndexes(ctx, []string{"mallory", "alice"}, "app.users"))
	require.False(t, a.AuthorizedToListIndexes(ctx, []string{"mallory"}, "app.users"))
	require.False(t, a.AuthorizedToListIndexes(ctx, []string{"alice"}, "app.orders"))
	require.False(t, a.AuthorizedToListIndexes(ctx, nil, "app.users"))
}
