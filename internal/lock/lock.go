// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package lock provides per-key mutual exclusion for the stateful
// processing engines. A single-process deployment uses MemoryLocker;
// multi-instance deployments share a RedisLocker.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meterd/meterd"
)

// DefaultWaitTimeout bounds how long Acquire waits for a contended lock.
const DefaultWaitTimeout = 5 * time.Second

// ReleaseFunc releases a held lock. It is safe to call more than once.
type ReleaseFunc func()

// Locker serializes work per key. Acquire blocks until the lock is held or
// the wait timeout elapses, in which case it returns an error wrapping
// meterd.ErrLockTimeout.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// MemoryLocker implements Locker with in-process mutexes, one per key.
// Idle entries are dropped when released with no waiters.
type MemoryLocker struct {
	mu          sync.Mutex
	locks       map[string]*memoryLock
	waitTimeout time.Duration
}

type memoryLock struct {
	ch   chan struct{}
	refs int
}

// MemoryLockerOption configures a MemoryLocker.
type MemoryLockerOption func(*MemoryLocker)

// WithMemoryWaitTimeout overrides the contended-lock wait timeout.
func WithMemoryWaitTimeout(d time.Duration) MemoryLockerOption {
	return func(l *MemoryLocker) {
		l.waitTimeout = d
	}
}

// NewMemoryLocker creates a new in-process locker.
func NewMemoryLocker(options ...MemoryLockerOption) *MemoryLocker {
	l := &MemoryLocker{
		locks:       make(map[string]*memoryLock),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// Acquire takes the lock for key, waiting for the current holder if any.
func (l *MemoryLocker) Acquire(ctx context.Context, key string) (ReleaseFunc, error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &memoryLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.waitTimeout)
	defer timer.Stop()

	select {
	case entry.ch <- struct{}{}:
	case <-timer.C:
		l.unref(key, entry)
		return nil, fmt.Errorf("lock %s: %w", key, meterd.ErrLockTimeout)
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-entry.ch
			l.unref(key, entry)
		})
	}
	return release, nil
}

func (l *MemoryLocker) unref(key string, entry *memoryLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
