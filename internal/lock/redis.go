// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meterd/meterd"
	"github.com/redis/go-redis/v9"
)

// redisReleaseScript deletes the lock key only when it still holds our
// token, so an expired lock re-acquired by another instance is never
// released by the original holder.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with Redis SET NX leases. Each lock holds
// a random token for the lease TTL; release is a compare-and-delete.
type RedisLocker struct {
	client      *redis.Client
	prefix      string
	leaseTTL    time.Duration
	waitTimeout time.Duration
	retryDelay  time.Duration
}

// RedisLockerOption configures a RedisLocker.
type RedisLockerOption func(*RedisLocker)

// WithRedisPrefix overrides the key prefix.
func WithRedisPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithRedisLeaseTTL overrides how long a lease survives a crashed holder.
func WithRedisLeaseTTL(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.leaseTTL = d
	}
}

// WithRedisWaitTimeout overrides the contended-lock wait timeout.
func WithRedisWaitTimeout(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) {
		l.waitTimeout = d
	}
}

// NewRedisLocker creates a locker sharing the given client.
func NewRedisLocker(client *redis.Client, options ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		client:      client,
		prefix:      "meterd:lock:",
		leaseTTL:    30 * time.Second,
		waitTimeout: DefaultWaitTimeout,
		retryDelay:  25 * time.Millisecond,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Acquire takes the lease for key, polling until the current holder
// releases or the lease expires.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(l.waitTimeout)

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, meterd.ErrLockTimeout)
		}
		select {
		case <-time.After(l.retryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release must not inherit a canceled request context. The
			// lease TTL reclaims the lock if the delete is lost.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = redisReleaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}
	return release, nil
}
