// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool, or a Kafka producer,
// capable of a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns readiness checks for the database, the Redis
// instance backing idempotency and barrier state, and the Kafka/Redpanda
// brokers backing the task queue. broker may be nil (some callers, like
// maintenance-only entry points, have no producer to probe), in which case
// the Kafka check always reports ready.
func BuildReadinessChecks(pool Pinger, rdb *redis.Client, broker Pinger) (
	dbCheck func(ctx context.Context) error,
	redisCheck func(ctx context.Context) error,
	kafkaCheck func(ctx context.Context) error,
) {
	dbCheck = func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck = func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	kafkaCheck = func(ctx context.Context) error {
		if broker == nil {
			return nil
		}
		return broker.Ping(ctx)
	}
	return dbCheck, redisCheck, kafkaCheck
}
