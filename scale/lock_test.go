package scale

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestInMemoryLockAcquireRelease(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "shop/production", 0)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	release()
	release() // second call is a no-op

	release2, err := lock.Acquire(ctx, "shop/production", 0)
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	release2()
}

func TestInMemoryLockMutualExclusion(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	var (
		inside  atomic.Int64
		maxSeen atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				release, err := lock.Acquire(ctx, "key", 0)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				inside.Add(-1)
				release()
			}
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen.Load())
	}
}

func TestInMemoryLockTryAcquireHeld(t *testing.T) {
	lock := NewInMemoryLock()
	ctx := context.Background()

	release, ok, err := lock.TryAcquire(ctx, "key", 0)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer release()

	_, ok, err = lock.TryAcquire(ctx, "key", 0)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Error("expected second TryAcquire to fail while held")
	}
}

func TestInMemoryLockAcquireTimeout(t *testing.T) {
	lock := NewInMemoryLock()
	release, _ := lock.Acquire(context.Background(), "key", 0)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lock.Acquire(ctx, "key", 0); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

func TestInMemoryLockTTLExpiry(t *testing.T) {
	lock := NewInMemoryLock()
	if _, err := lock.Acquire(context.Background(), "key", 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := lock.Acquire(ctx, "key", 0)
	if err != nil {
		t.Fatalf("expected lock to be released by ttl: %v", err)
	}
	release()
}

func TestRedisLockAcquireRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	release, err := lock.Acquire(ctx, "shop/production", time.Second)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !mr.Exists("deployctl:lock:shop/production") {
		t.Error("expected lock key in redis")
	}
	release()
	if mr.Exists("deployctl:lock:shop/production") {
		t.Error("expected lock key removed after release")
	}
}

func TestRedisLockTryAcquireHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	release, ok, err := lock.TryAcquire(ctx, "key", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	defer release()

	_, ok, err = lock.TryAcquire(ctx, "key", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Error("expected second TryAcquire to fail")
	}
}

func TestRedisLockReleaseDoesNotStealNewHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	lock := NewRedisLock(mr.Addr())
	defer lock.Close() //nolint:errcheck

	ctx := context.Background()
	staleRelease, err := lock.Acquire(ctx, "key", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	freshRelease, err := lock.Acquire(ctx, "key", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	defer freshRelease()

	staleRelease()
	if !mr.Exists("deployctl:lock:key") {
		t.Error("stale release removed the new holder's lock")
	}
}

func TestHashToInt64Stable(t *testing.T) {
	a := hashToInt64("shop/production")
	if a != hashToInt64("shop/production") {
		t.Error("hash should be deterministic")
	}
	if a < 0 {
		t.Error("hash should be non-negative")
	}
	if a == hashToInt64("shop/staging") {
		t.Error("different keys should hash differently")
	}
}
