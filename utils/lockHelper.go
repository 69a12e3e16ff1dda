package utils

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"github.com/bsm/redislock"
)

// Lease locks over redislock. These are advisory: holders must stay
// idempotent because a lease can expire mid-work. When the lock backend is
// unreachable we proceed without a lock (best-effort) — the idempotency
// guard and DB uniqueness constraints remain the safety net. When the
// backend is reachable but the lock is held, the caller gets
// ErrResourceLocked (a retryable conflict), never a silent skip.

// LockHandle releases at most once on every exit path.
type LockHandle struct {
	lock *redislock.Lock
	once sync.Once
}

func (h *LockHandle) Release(ctx context.Context) {
	if h == nil || h.lock == nil {
		return
	}
	h.once.Do(func() {
		_ = h.lock.Release(ctx)
	})
}

// ObtainLock acquires a lease for ttl. A nil handle with nil error means the
// backend is unavailable and the caller should proceed unlocked.
func ObtainLock(ctx context.Context, key string, ttl time.Duration) (*LockHandle, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, "utils", "ObtainLock", "redis lock not initialized; proceeding without lock", key, errors.New("redis lock is nil"))
		return nil, nil
	}
	lock, err := locker.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrResourceLocked
	} else if err != nil {
		// Backend reachable-but-broken counts as unavailable, not as held.
		config.LogError(logger, "utils", "ObtainLock", "lock backend error; proceeding without lock", key, err)
		return nil, nil
	}
	return &LockHandle{lock: lock}, nil
}

// WithLock runs work under a lease and releases on every exit path.
func WithLock(ctx context.Context, key string, ttl time.Duration, work func(ctx context.Context) error) error {
	handle, err := ObtainLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer handle.Release(ctx)
	return work(ctx)
}

// WithLockRetry re-attempts acquisition with bounded, jittered waits so
// short-lived contention (double-click submits) is absorbed instead of
// surfacing a conflict.
func WithLockRetry(ctx context.Context, key string, ttl time.Duration, maxAttempts int, baseDelay time.Duration, work func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = WithLock(ctx, key, ttl, work)
		if !errors.Is(err, ErrResourceLocked) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(JitterBackoff(baseDelay, attempt)):
		}
	}
	return err
}

// WithMultiLock acquires all keys in deterministic order to prevent
// lock-ordering deadlocks. A single held key rolls back every lease already
// acquired and surfaces a conflict.
func WithMultiLock(ctx context.Context, keys []string, ttl time.Duration, work func(ctx context.Context) error) error {
	sorted := SortedLockKeys(keys)
	handles := make([]*LockHandle, 0, len(sorted))
	release := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			handles[i].Release(ctx)
		}
	}
	for _, key := range sorted {
		handle, err := ObtainLock(ctx, key, ttl)
		if err != nil {
			release()
			return err
		}
		if handle != nil {
			handles = append(handles, handle)
		}
	}
	defer release()
	return work(ctx)
}

// SortedLockKeys dedupes and orders keys so every caller acquires in the
// same sequence.
func SortedLockKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// JitterBackoff doubles baseDelay per attempt, capped at 2s, with up to 50%
// random jitter to de-synchronize competing retriers.
func JitterBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
			break
		}
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}
