// Package coordinator arbitrates between the poll workers and operator
// backfills with a Redis-held mutex and a degraded-state channel.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	mutexKey        = "fulfillment:worker_mutex"
	degradedChannel = "fulfillment:degraded"

	// mutexTTL bounds how long a crashed holder can block the workers.
	mutexTTL = 2 * time.Minute
)

// releaseScript deletes the mutex only when the caller still owns it, so a
// slow holder whose TTL lapsed cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL for the current owner only.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Coordinator is one process's handle on the shared mutex. Each instance
// carries its own owner token.
type Coordinator struct {
	rdb    *redis.Client
	token  string
	logger *slog.Logger
}

// New creates a coordinator over an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rdb:    rdb,
		token:  uuid.NewString(),
		logger: logger.With("component", "coordinator"),
	}
}

// TryAcquire attempts to take the mutex without waiting. False means another
// holder (typically a running backfill) has it.
func (c *Coordinator) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, mutexKey, c.token, mutexTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire worker mutex: %w", err)
	}
	return ok, nil
}

// Acquire blocks until the mutex is taken or the context ends, retrying on
// a fixed short interval. Backfills use this to wait out a worker cycle.
func (c *Coordinator) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := c.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release gives the mutex back. Releasing a mutex this instance no longer
// owns is a no-op.
func (c *Coordinator) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{mutexKey}, c.token).Err(); err != nil {
		return fmt.Errorf("release worker mutex: %w", err)
	}
	return nil
}

// Refresh extends the TTL while a long backfill holds the mutex. Returns
// false when ownership was lost.
func (c *Coordinator) Refresh(ctx context.Context) (bool, error) {
	n, err := refreshScript.Run(ctx, c.rdb, []string{mutexKey}, c.token, mutexTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("refresh worker mutex: %w", err)
	}
	return n == 1, nil
}

// BroadcastDegraded publishes the degraded-state signal, or its inverse on
// recovery.
func (c *Coordinator) BroadcastDegraded(ctx context.Context, degraded bool) error {
	msg := "recovered"
	if degraded {
		msg = "degraded"
	}
	if err := c.rdb.Publish(ctx, degradedChannel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s signal: %w", msg, err)
	}
	return nil
}

// WatchDegraded subscribes to the degraded channel and invokes fn with the
// current degraded state until the context ends.
func (c *Coordinator) WatchDegraded(ctx context.Context, fn func(degraded bool)) {
	sub := c.rdb.Subscribe(ctx, degradedChannel)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn(msg.Payload == "degraded")
		}
	}
}
