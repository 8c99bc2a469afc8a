// Package store is the relational persistence layer (Component A) behind
// Tasker's task/step/transition-log tables, plus the step-readiness query
// (Component C) and the row-locked claim transaction described in §5.
//
// It is deliberately built on database/sql rather than a native pgx
// pgxpool.Pool: the pgx/v5/stdlib adapter registers pgx as a database/sql
// driver, which keeps the repository layer testable with go-sqlmock the
// way the rest of this corpus's datastorage layer is tested, while still
// running on the pgx driver in production.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/swarmguard/tasker/pkg/tasker/resilience"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the task/step/transition-log tables. DB is exported so
// callers needing raw database/sql access (connection-pool stats for the
// coordinator's backpressure check) can reach it directly.
type Store struct {
	DB *sql.DB
}

// Open connects to dsn using the pgx driver and configures the pool the
// way a production coordinator expects: bounded max connections, an idle
// timeout, and a lifetime cap to tolerate load balancer/proxy recycling.
// The initial ping is retried with backoff so taskerd can start ahead of
// a database that is still coming up (the usual race in an orchestrated
// deployment), rather than failing on the first connection attempt.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	_, err = resilience.Retry(ctx, 5, 500*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Store{DB: db}, nil
}

// New wraps an already-open *sql.DB, used by tests against go-sqlmock.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

// Migrate applies every pending goose migration embedded in this package.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.DB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// PoolStats is the subset of database/sql.DBStats the coordinator's
// backpressure logic needs (§5's "consults pool utilization").
type PoolStats struct {
	MaxOpenConnections int
	InUse              int
	Idle               int
}

// Stats reports current pool utilization.
func (s *Store) Stats() PoolStats {
	st := s.DB.Stats()
	return PoolStats{MaxOpenConnections: st.MaxOpenConnections, InUse: st.InUse, Idle: st.Idle}
}
