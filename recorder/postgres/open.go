// Package postgres implements recorder.Recorder backed by PostgreSQL,
// grounded on the pack's internal/platform/database.Open helper and
// internal/app/storage/postgres.Store pattern: a thin *sql.DB wrapper, one
// method per Recorder operation, hand-written SQL (no ORM).
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/pipeflow/corepipe/retry"
)

// PoolConfig sizes the connection pool behind the audit store. The Recorder
// is write-heavy (one or more node_state/routing_event inserts per token per
// step), so the defaults favor a wider pool with short idle lifetimes over
// the single shared connection a low-traffic service would use.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectRetry controls retrying the initial ping on a transient
	// connection failure (e.g. the database is still starting up in a
	// freshly-provisioned environment). Zero value disables retrying: Open
	// fails immediately the way a single dial attempt always has.
	ConnectRetry retry.Config
}

// DefaultPoolConfig returns pool sizing tuned for the Recorder's write
// pattern: enough open connections to keep pace with concurrent token
// processing, conservative idle limits so an idle run doesn't pin
// connections the database could hand to another client.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectRetry: retry.Config{
			MaxAttempts:       3,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            0.2,
		},
	}
}

// Open establishes a PostgreSQL connection using dsn, applies pool sizing
// from cfg, and verifies connectivity with a ping, retried per
// cfg.ConnectRetry. The caller must Close the returned *sql.DB.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	pingErr := retry.Do(ctx, cfg.ConnectRetry, func(ctx context.Context) retry.Outcome {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return retry.Outcome{Err: err, Retryable: true}
		}
		return retry.Outcome{}
	})
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", pingErr)
	}
	return db, nil
}
