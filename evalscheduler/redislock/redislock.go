// Package redislock implements evalscheduler.DedupLock over Redis SET NX, so
// two orchestrator replicas that both resume the same workspace never
// evaluate a commit at the same time. Keys expire after ttl so a crashed holder's
// claim eventually lapses.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a Redis-backed evalscheduler.DedupLock.
type Lock struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New builds a Lock over an existing Redis client.
func New(client *redis.Client, keyPrefix string, ttl time.Duration) *Lock {
	if keyPrefix == "" {
		keyPrefix = "envoi:eval:lock:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Lock{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *Lock) key(commit string) string {
	return fmt.Sprintf("%s%s", l.keyPrefix, commit)
}

// TryAcquire attempts SET key NX EX ttl, returning true only for the caller
// that wins the race.
func (l *Lock) TryAcquire(ctx context.Context, commit string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(commit), "1", l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redislock: acquire %s: %w", commit, err)
	}
	return ok, nil
}

// Release deletes the lock key, allowing a future re-evaluation of commit
// (used once an evaluation completes, win or lose, since the in-process
// seenCommits set already prevents a same-process re-schedule).
func (l *Lock) Release(ctx context.Context, commit string) error {
	if err := l.client.Del(ctx, l.key(commit)).Err(); err != nil {
		return fmt.Errorf("redislock: release %s: %w", commit, err)
	}
	return nil
}
