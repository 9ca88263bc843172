//go:build unit

package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestContextValid(t *testing.T) {
	t.Parallel()

	require.False(t, Context{}.Valid())
	require.True(t, New(uuid.New()).Valid())
}

func TestWithActor(t *testing.T) {
	t.Parallel()

	tc := New(uuid.New()).WithActor("ops@example.com")
	require.Equal(t, "ops@example.com", tc.Actor)
}

func TestInjectAndFromContext(t *testing.T) {
	t.Parallel()

	tc := New(uuid.New()).WithActor("alice")
	ctx := Inject(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, tc, got)
}

func TestFromContextMissing(t *testing.T) {
	t.Parallel()

	_, ok := FromContext(context.Background())
	require.False(t, ok)
}

func TestFromContextRejectsZeroTenant(t *testing.T) {
	t.Parallel()

	ctx := Inject(context.Background(), Context{})

	_, ok := FromContext(ctx)
	require.False(t, ok)
}

func TestRequire(t *testing.T) {
	t.Parallel()

	_, err := Require(context.Background())
	require.ErrorIs(t, err, ErrNoTenant)

	tc := New(uuid.New())
	got, err := Require(Inject(context.Background(), tc))
	require.NoError(t, err)
	require.Equal(t, tc, got)
}
