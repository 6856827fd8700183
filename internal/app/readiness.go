package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a component capable of Ping. Both the
// pgx pool and the bus producer satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns three readiness checks: db, redis and bus.
func BuildReadinessChecks(pool Pinger, rdb *goredis.Client, bus Pinger) (
	func(ctx context.Context) error,
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
		return rdb.Ping(ctx).Err()
	}
	busCheck := func(ctx context.Context) error {
		if bus == nil {
			return fmt.Errorf("bus not configured")
		}
		return bus.Ping(ctx)
	}
	return dbCheck, redisCheck, busCheck
}
