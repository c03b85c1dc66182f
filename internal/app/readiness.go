package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a store handle capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the readiness checks for the task store and
// the queue substrate.
func BuildReadinessChecks(pool, rdb Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx)
	}
	return dbCheck, redisCheck
}
