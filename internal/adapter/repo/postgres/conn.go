// Package postgres persists tasks in PostgreSQL, the durable system of record
// for the pipeline. Connection handles are owned by a Provider so the retry
// layer can rebuild them when the server goes away.
package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal pool surface the repositories need.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func poolConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	return cfg, nil
}

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(dsn)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Provider caches a pgx pool and rebuilds it on demand. Invalidate marks the
// cached pool stale; the next Reset tears it down and dials a replacement.
type Provider struct {
	dsn string

	mu     sync.Mutex
	pool   *pgxpool.Pool
	broken bool
}

// NewProvider constructs a Provider for the given DSN. The pool is dialed
// lazily on first use.
func NewProvider(dsn string) *Provider {
	return &Provider{dsn: dsn}
}

// Handle returns the cached pool, dialing it if necessary.
func (p *Provider) Handle(ctx context.Context) (*pgxpool.Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == nil {
		pool, err := NewPool(ctx, p.dsn)
		if err != nil {
			return nil, fmt.Errorf("op=postgres.dial: %w", err)
		}
		p.pool = pool
	}
	return p.pool, nil
}

// Invalidate marks the cached pool as stale.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
}

// Reset replaces a stale pool with a fresh one and verifies it with a ping.
// It is a no-op while the cached pool is healthy.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil && !p.broken {
		return nil
	}
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	pool, err := NewPool(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("op=postgres.reset: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("op=postgres.reset: %w", err)
	}
	p.pool = pool
	p.broken = false
	return nil
}

// Close releases the cached pool.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
}
