// Package redisq implements the queue substrate on Redis: per-platform task
// queues, per-task detail hashes, TTL'd task locks and failed-task lists.
//
// The Redis connection is owned by a Provider; the retry policy's reset hook
// is the single place where a stale handle is rebuilt.
package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/vision-to-tag/internal/retry"
)

// Provider caches a Redis client handle and rebuilds it on demand. The
// configured logical database index is part of the dial options, so a rebuilt
// handle is always selected onto the right database.
type Provider struct {
	opts *redis.Options

	mu     sync.Mutex
	rdb    *redis.Client
	broken bool
}

// NewProvider constructs a Provider for the given address, password and
// logical database index.
func NewProvider(addr, password string, db int) *Provider {
	return &Provider{opts: &redis.Options{Addr: addr, Password: password, DB: db}}
}

// Handle returns the cached client, dialing lazily on first use.
func (p *Provider) Handle() *redis.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdb == nil {
		p.rdb = redis.NewClient(p.opts)
	}
	return p.rdb
}

// Invalidate marks the cached handle as stale; the next Reset rebuilds it.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
}

// Reset closes the stale handle best-effort and dials a replacement. It is a
// no-op while the cached handle is healthy.
func (p *Provider) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdb != nil && !p.broken {
		return nil
	}
	if p.rdb != nil {
		_ = p.rdb.Close()
	}
	p.rdb = redis.NewClient(p.opts)
	p.broken = false
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=redisq.reset: %w", err)
	}
	return nil
}

// Close releases the cached handle.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rdb == nil {
		return nil
	}
	err := p.rdb.Close()
	p.rdb = nil
	return err
}

// Client executes queue-substrate operations under the substrate retry
// policy. It implements domain.TaskQueue.
type Client struct {
	provider *Provider
	retrier  *retry.Retrier
}

// NewClient wraps a Provider with the given retry policy.
func NewClient(p *Provider, policy retry.Policy) *Client {
	c := &Client{provider: p}
	c.retrier = retry.New(policy, Retryable, retry.WithReset(p.Reset))
	return c
}

// Ping verifies substrate connectivity; used by readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.provider.Handle().Ping(ctx).Err()
}

// Close releases the underlying handle.
func (c *Client) Close() error { return c.provider.Close() }

func (c *Client) do(ctx context.Context, name string, op func(ctx context.Context, rdb *redis.Client) error) error {
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		opErr := op(ctx, c.provider.Handle())
		if opErr != nil && Retryable(opErr) {
			c.provider.Invalidate()
		}
		return opErr
	})
	if err != nil {
		slog.Error("queue substrate operation failed", slog.String("op", name), slog.Any("error", err))
		return fmt.Errorf("op=redisq.%s: %w", name, err)
	}
	return nil
}
