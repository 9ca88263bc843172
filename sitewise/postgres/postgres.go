package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/jackc/pgx/v5/stdlib"                   // pgx database/sql driver
	"github.com/sitewise-io/lib-sitewise/sitewise/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	newResolverFn = func(primary, replica *sql.DB) (resolved dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		resolved = dbresolver.New(
			dbresolver.WithPrimaryDBs(primary),
			dbresolver.WithReplicaDBs(replica),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolved == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolved, nil
	}

	runMigrationsFn = runMigrations

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config holds connection settings for the primary and replica pools.
type Config struct {
	// PrimaryDSN is the connection string for the writer endpoint. All
	// writes, and every statement inside a write unit of work, run here.
	PrimaryDSN string
	// ReplicaDSN is the connection string for the read endpoint. When empty
	// it falls back to PrimaryDSN, collapsing to a single pool.
	ReplicaDSN string
	// DatabaseName is required when MigrationsPath is set.
	DatabaseName string
	// MigrationsPath points at golang-migrate SQL files. Empty skips the
	// migration step.
	MigrationsPath string
	// AllowMultiStatements enables multi-statement migrations.
	AllowMultiStatements bool

	MaxOpenConnections int
	MaxIdleConnections int

	Logger log.Logger
}

func (c *Config) normalize() {
	if c.ReplicaDSN == "" {
		c.ReplicaDSN = c.PrimaryDSN
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	c.Logger = log.OrNop(c.Logger)
}

// Client manages the primary and replica connection pools behind a
// dbresolver that routes reads to the replica and writes to the primary.
// The zero value is not usable; construct with NewClient.
type Client struct {
	config Config

	mu       sync.RWMutex
	primary  *sql.DB
	replica  *sql.DB
	resolver dbresolver.DB
}

// NewClient creates an unconnected client. Connection is lazy: the first
// Resolver or Connect call dials both pools and applies migrations.
func NewClient(config Config) (*Client, error) {
	if config.PrimaryDSN == "" {
		return nil, errors.New("postgres: primary DSN is required")
	}

	config.normalize()

	return &Client{config: config}, nil
}

// Connect dials both pools, runs migrations, and verifies connectivity.
// Reconnecting replaces any previous pools.
func (client *Client) Connect(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.connectLocked(ctx)
}

func (client *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	logger := client.config.Logger

	if client.resolver != nil {
		if err := client.closeLocked(); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := openPool(client.config, client.config.PrimaryDSN)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open primary pool", log.String("cause", sanitizeDSNError(err)))
		return fmt.Errorf("failed to open primary pool: %s", sanitizeDSNError(err))
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	replica, err := openPool(client.config, client.config.ReplicaDSN)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to open replica pool", log.String("cause", sanitizeDSNError(err)))
		return fmt.Errorf("failed to open replica pool: %s", sanitizeDSNError(err))
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	resolver, err := newResolverFn(primary, replica)
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if client.config.MigrationsPath != "" {
		if err := runMigrationsFn(ctx, primary, client.config); err != nil {
			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	client.primary = primary
	client.replica = replica
	client.resolver = resolver

	logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

func openPool(config Config, dsn string) (*sql.DB, error) {
	pool, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pool.SetMaxOpenConns(config.MaxOpenConnections)
	pool.SetMaxIdleConns(config.MaxIdleConnections)
	pool.SetConnMaxLifetime(defaultConnMaxLifetime)
	pool.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return pool, nil
}

// Resolver returns the read/write resolver, connecting on first use.
func (client *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	client.mu.RLock()

	if client.resolver != nil {
		resolver := client.resolver
		client.mu.RUnlock()

		return resolver, nil
	}

	client.mu.RUnlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	// Double-check after acquiring the write lock.
	if client.resolver != nil {
		return client.resolver, nil
	}

	if err := client.connectLocked(ctx); err != nil {
		return nil, err
	}

	return client.resolver, nil
}

// Primary returns the writer pool, connecting on first use. Transactions
// that must never land on a replica begin here.
func (client *Client) Primary(ctx context.Context) (*sql.DB, error) {
	if _, err := client.Resolver(ctx); err != nil {
		return nil, err
	}

	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.primary, nil
}

// Replica returns the read pool, connecting on first use. Read-only units of
// work begin here so they never consume primary capacity.
func (client *Client) Replica(ctx context.Context) (*sql.DB, error) {
	if _, err := client.Resolver(ctx); err != nil {
		return nil, err
	}

	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.replica, nil
}

// Health describes the primary endpoint as seen by a live connection.
type Health struct {
	ServerVersion string
	Database      string
	User          string
}

// Check reports basic connectivity facts from the primary pool.
func (client *Client) Check(ctx context.Context) (Health, error) {
	primary, err := client.Primary(ctx)
	if err != nil {
		return Health{}, err
	}

	var health Health

	row := primary.QueryRowContext(ctx, `SELECT current_setting('server_version'), current_database(), current_user`)
	if err := row.Scan(&health.ServerVersion, &health.Database, &health.User); err != nil {
		return Health{}, fmt.Errorf("health check failed: %w", err)
	}

	return health, nil
}

// Close releases both pools.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.closeLocked()
}

func (client *Client) closeLocked() error {
	if client.resolver == nil {
		return nil
	}

	err := client.resolver.Close()
	client.resolver = nil
	client.primary = nil
	client.replica = nil

	return err
}

// IsConnected reports whether the resolver is initialized.
func (client *Client) IsConnected() bool {
	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.resolver != nil
}

// sanitizeDSNError strips credentials from error text before it reaches logs
// or wrapped errors (CWE-209).
func sanitizeDSNError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(sanitized, "${1}***")
}

func sanitizeMigrationsPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func runMigrations(ctx context.Context, primary *sql.DB, config Config) error {
	logger := config.Logger

	if !dbNamePattern.MatchString(config.DatabaseName) {
		return fmt.Errorf("invalid database name: %q", config.DatabaseName)
	}

	migrationsPath, err := sanitizeMigrationsPath(config.MigrationsPath)
	if err != nil {
		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primary, &migratepg.Config{
		MultiStatementEnabled: config.AllowMultiStatements,
		DatabaseName:          config.DatabaseName,
		SchemaName:            "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), config.DatabaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
