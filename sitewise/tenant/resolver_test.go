//go:build unit

package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "Shop.Example.COM", want: "shop.example.com"},
		{in: "shop.example.com:8443", want: "shop.example.com"},
		{in: " shop.example.com ", want: "shop.example.com"},
		{in: "shop.example.com.", want: "shop.example.com"},
		{in: "[::1]:8080", want: "[::1]"},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, canonicalHost(tt.in), "input %q", tt.in)
	}
}

func TestNewResolverRequiresDB(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(nil)
	require.Error(t, err)
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()
	site := Site{ID: uuid.New(), Host: "shop.example.com", Name: "Shop", Active: true}

	_, ok, err := cache.Get(ctx, "host:shop.example.com")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, "host:shop.example.com", site, time.Minute))

	got, ok, err := cache.Get(ctx, "host:shop.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, site, got)

	require.NoError(t, cache.Delete(ctx, "host:shop.example.com"))

	_, ok, err = cache.Get(ctx, "host:shop.example.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	now := time.Now()
	cache.nowFn = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "k", Site{Host: "a"}, time.Minute))

	// Advance past the TTL.
	cache.nowFn = func() time.Time { return now.Add(2 * time.Minute) }

	_, ok, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryCacheSweepsExpiredOnSet(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	now := time.Now()
	cache.nowFn = func() time.Time { return now }
	require.NoError(t, cache.Set(ctx, "stale", Site{Host: "old"}, time.Second))

	cache.nowFn = func() time.Time { return now.Add(time.Hour) }
	require.NoError(t, cache.Set(ctx, "fresh", Site{Host: "new"}, time.Minute))

	cache.mu.RLock()
	defer cache.mu.RUnlock()

	require.NotContains(t, cache.entries, "stale")
	require.Contains(t, cache.entries, "fresh")
}

func TestCheckActive(t *testing.T) {
	t.Parallel()

	resolver := &Resolver{}

	active := Site{Host: "shop.example.com", Active: true}
	got, err := resolver.checkActive(active)
	require.NoError(t, err)
	require.Equal(t, active, got)

	_, err = resolver.checkActive(Site{Host: "shop.example.com", Active: false})
	require.ErrorIs(t, err, ErrSiteInactive)
}
