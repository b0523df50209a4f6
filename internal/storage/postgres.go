package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaign-indexer/internal/config"
)

const (
	applicationName = "campaign-indexer"

	// a unit of work holds one connection for its whole duration while API
	// reads and health checks need another
	minPoolSize = 2
)

// PostgresDB wraps the pgxpool connection
type PostgresDB struct {
	pool *pgxpool.Pool
}

// poolConfig sizes the pool for one serialized writer plus concurrent readers
func poolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns < minPoolSize {
		maxConns = minPoolSize
	}
	minConns := cfg.MinConnections
	if minConns < 1 {
		minConns = 1
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	pc.MaxConns = int32(maxConns) // #nosec G115 - small configured value
	pc.MinConns = int32(minConns) // #nosec G115 - bounded by MaxConns
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	return pc, nil
}

// NewPostgresDB connects the pool and checks the database answers
func NewPostgresDB(cfg *config.PostgresConfig) (*PostgresDB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database %s:%s/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks if the database is reachable
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
