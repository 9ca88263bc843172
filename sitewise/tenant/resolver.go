package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/google/uuid"
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
)

var (
	// ErrSiteNotFound signals that no site matches the host or id.
	ErrSiteNotFound = errors.New("site not found")
	// ErrSiteInactive signals a matching but deactivated site.
	ErrSiteInactive = errors.New("site inactive")
)

const defaultCacheTTL = 60 * time.Second

// Site is a tenant's registration row.
type Site struct {
	ID     uuid.UUID
	Host   string
	Name   string
	Active bool
}

// Resolver maps request hosts to tenants using the sites table, fronted by a
// TTL cache. Lookups run on the read side of the resolver pool.
type Resolver struct {
	db     dbresolver.DB
	cache  Cache
	ttl    time.Duration
	logger log.Logger
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache) ResolverOption {
	return func(resolver *Resolver) {
		if cache != nil {
			resolver.cache = cache
		}
	}
}

// WithCacheTTL overrides the 60s default cache entry lifetime.
func WithCacheTTL(ttl time.Duration) ResolverOption {
	return func(resolver *Resolver) {
		if ttl > 0 {
			resolver.ttl = ttl
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger log.Logger) ResolverOption {
	return func(resolver *Resolver) {
		resolver.logger = log.OrNop(logger)
	}
}

// NewResolver creates a host-to-tenant resolver backed by db.
func NewResolver(db dbresolver.DB, opts ...ResolverOption) (*Resolver, error) {
	if db == nil {
		return nil, errors.New("tenant: db is required")
	}

	resolver := &Resolver{
		db:     db,
		cache:  NewMemoryCache(),
		ttl:    defaultCacheTTL,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(resolver)
	}

	return resolver, nil
}

// ResolveByHost returns the active site registered for host. The port part
// of a Host header is ignored. Inactive sites resolve to ErrSiteInactive so
// callers can distinguish "unknown" from "suspended".
func (resolver *Resolver) ResolveByHost(ctx context.Context, host string) (Site, error) {
	host = canonicalHost(host)
	if host == "" {
		return Site{}, fmt.Errorf("empty host: %w", ErrSiteNotFound)
	}

	cacheKey := "host:" + host
	if site, ok := resolver.cacheGet(ctx, cacheKey); ok {
		return resolver.checkActive(site)
	}

	var site Site

	row := resolver.db.QueryRowContext(ctx,
		`SELECT id, host, name, active FROM sites WHERE host = $1`, host)
	if err := row.Scan(&site.ID, &site.Host, &site.Name, &site.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Site{}, fmt.Errorf("host %q: %w", host, ErrSiteNotFound)
		}

		return Site{}, fmt.Errorf("failed to resolve host: %w", err)
	}

	resolver.cacheSet(ctx, cacheKey, site)

	return resolver.checkActive(site)
}

// ResolveByID returns the site with the given tenant id.
func (resolver *Resolver) ResolveByID(ctx context.Context, id uuid.UUID) (Site, error) {
	if id == uuid.Nil {
		return Site{}, fmt.Errorf("nil tenant id: %w", ErrSiteNotFound)
	}

	cacheKey := "id:" + id.String()
	if site, ok := resolver.cacheGet(ctx, cacheKey); ok {
		return resolver.checkActive(site)
	}

	var site Site

	row := resolver.db.QueryRowContext(ctx,
		`SELECT id, host, name, active FROM sites WHERE id = $1`, id)
	if err := row.Scan(&site.ID, &site.Host, &site.Name, &site.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Site{}, fmt.Errorf("tenant %s: %w", id, ErrSiteNotFound)
		}

		return Site{}, fmt.Errorf("failed to resolve tenant: %w", err)
	}

	resolver.cacheSet(ctx, cacheKey, site)

	return resolver.checkActive(site)
}

// Invalidate drops cached entries for a site after registration changes.
func (resolver *Resolver) Invalidate(ctx context.Context, site Site) {
	if err := resolver.cache.Delete(ctx, "host:"+canonicalHost(site.Host)); err != nil {
		resolver.logger.Log(ctx, log.LevelWarn, "failed to invalidate host cache entry", log.Err(err))
	}

	if err := resolver.cache.Delete(ctx, "id:"+site.ID.String()); err != nil {
		resolver.logger.Log(ctx, log.LevelWarn, "failed to invalidate id cache entry", log.Err(err))
	}
}

func (resolver *Resolver) checkActive(site Site) (Site, error) {
	if !site.Active {
		return Site{}, fmt.Errorf("site %q: %w", site.Host, ErrSiteInactive)
	}

	return site, nil
}

func (resolver *Resolver) cacheGet(ctx context.Context, key string) (Site, bool) {
	site, ok, err := resolver.cache.Get(ctx, key)
	if err != nil {
		resolver.logger.Log(ctx, log.LevelWarn, "tenant cache read failed", log.Err(err))

		return Site{}, false
	}

	return site, ok
}

func (resolver *Resolver) cacheSet(ctx context.Context, key string, site Site) {
	if err := resolver.cache.Set(ctx, key, site, resolver.ttl); err != nil {
		resolver.logger.Log(ctx, log.LevelWarn, "tenant cache write failed", log.Err(err))
	}
}

// canonicalHost lowers the host and strips any port.
func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i+1:], "]") {
		host = host[:i]
	}

	return strings.TrimSuffix(host, ".")
}
