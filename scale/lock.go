package scale

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker provides mutual exclusion per key. The ledger uses it to serialize
// activation per project+environment.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx is done. The
	// returned release function is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
	// TryAcquire attempts to acquire the lock without blocking.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// ErrLockTimeout is returned when a lock could not be acquired before the
// context expired.
var ErrLockTimeout = errors.New("scale: lock acquisition timed out")

// --- InMemoryLock ---

// InMemoryLock implements Locker within a single process.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{locks: make(map[string]chan struct{})}
}

func (l *InMemoryLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Acquire obtains the lock for key. A positive ttl releases the lock
// automatically once it elapses.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return l.releaser(ch, ttl), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire lock for %s: %w: %w", key, ErrLockTimeout, ctx.Err())
	}
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *InMemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return l.releaser(ch, ttl), true, nil
	default:
		return nil, false, nil
	}
}

func (l *InMemoryLock) releaser(ch chan struct{}, ttl time.Duration) func() {
	var once sync.Once
	done := make(chan struct{})
	release := func() {
		once.Do(func() {
			close(done)
			<-ch
		})
	}
	if ttl > 0 {
		go func() {
			timer := time.NewTimer(ttl)
			defer timer.Stop()
			select {
			case <-timer.C:
				release()
			case <-done:
			}
		}()
	}
	return release
}

// --- PGAdvisoryLock ---

// PGAdvisoryLock implements Locker using PostgreSQL session advisory locks.
// The key is hashed to an int64 lock ID. ttl is not supported; the lock is
// held until released or the session ends.
type PGAdvisoryLock struct {
	db *sql.DB
}

// NewPGAdvisoryLock creates a PostgreSQL advisory lock. db must be opened with
// the "pgx" driver from github.com/jackc/pgx/v5/stdlib.
func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

// Acquire obtains an advisory lock, blocking until acquired or ctx is done.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	lockID := hashToInt64(key)

	// The advisory lock is tied to the session, so pin a connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection for %s: %w", key, err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
	}
	return pgReleaser(conn, lockID), nil
}

// TryAcquire attempts to acquire an advisory lock without blocking.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	lockID := hashToInt64(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return pgReleaser(conn, lockID), true, nil
}

func pgReleaser(conn *sql.Conn, lockID int64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The acquiring ctx may already be cancelled.
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Close()
		})
	}
}

// hashToInt64 converts a string key to a non-negative int64 using FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	v := h.Sum64() & 0x7FFFFFFFFFFFFFFF
	return int64(v) //nolint:gosec // masked to non-negative range
}

// --- RedisLock ---

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Locker with Redis SET NX PX and a compare-and-delete
// release, so an expired holder can never release a newer holder's lock.
type RedisLock struct {
	client     redis.UniversalClient
	prefix     string
	pollPeriod time.Duration
	defaultTTL time.Duration
}

// NewRedisLock connects to the Redis server at addr.
func NewRedisLock(addr string) *RedisLock {
	return NewRedisLockWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewRedisLockWithClient creates a RedisLock backed by an existing client.
func NewRedisLockWithClient(client redis.UniversalClient) *RedisLock {
	return &RedisLock{
		client:     client,
		prefix:     "deployctl:lock:",
		pollPeriod: 50 * time.Millisecond,
		defaultTTL: 10 * time.Minute,
	}
}

// Close closes the underlying client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}

// Acquire polls until the lock is held or ctx is done. A zero ttl uses a
// ten-minute default so a crashed holder cannot wedge the key forever.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	ticker := time.NewTicker(l.pollPeriod)
	defer ticker.Stop()
	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w: %w", key, ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquire attempts SET NX once.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}
	redisKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Err()
		})
	}
	return release, true, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
