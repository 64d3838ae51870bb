package ledger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/deployctl/scale"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type storeFactory func(t *testing.T) Store

func storeFactories(t *testing.T) map[string]storeFactory {
	t.Helper()
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("DEPLOYCTL_POSTGRES_DSN"); dsn != "" {
		factories["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn)
			if err != nil {
				t.Fatalf("NewPostgresStore: %v", err)
			}
			t.Cleanup(func() {
				_, _ = s.pool.Exec(context.Background(), `DELETE FROM releases`)
				s.Close()
			})
			return s
		}
	}
	return factories
}

func forEachStore(t *testing.T, fn func(t *testing.T, l *Ledger)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, New(factory(t), scale.NewInMemoryLock(), testLogger()))
		})
	}
}

func TestRecordPendingAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec, err := l.RecordPending(ctx, "shop", "prod", "abc123")
		if err != nil {
			t.Fatalf("RecordPending: %v", err)
		}
		if rec.Status != StatusPending || rec.ID == "" {
			t.Fatalf("unexpected record %+v", rec)
		}
		got, err := l.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Revision != "abc123" || got.Status != StatusPending {
			t.Errorf("unexpected record %+v", got)
		}
		if !got.CreatedAt.Equal(rec.CreatedAt.Truncate(time.Microsecond)) && !got.CreatedAt.Equal(rec.CreatedAt) {
			t.Errorf("expected created_at %v, got %v", rec.CreatedAt, got.CreatedAt)
		}
		if _, err := l.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestActivateSupersedesPrevious(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		first, _ := l.RecordPending(ctx, "shop", "prod", "r1")
		if err := l.Activate(ctx, first.ID); err != nil {
			t.Fatalf("Activate first: %v", err)
		}
		second, _ := l.RecordPending(ctx, "shop", "prod", "r2")
		if err := l.Activate(ctx, second.ID); err != nil {
			t.Fatalf("Activate second: %v", err)
		}

		got, _ := l.Get(ctx, first.ID)
		if got.Status != StatusSuperseded {
			t.Errorf("expected first superseded, got %s", got.Status)
		}
		active, err := l.Active(ctx, "shop", "prod")
		if err != nil {
			t.Fatalf("Active: %v", err)
		}
		if active.ID != second.ID {
			t.Errorf("expected %s active, got %s", second.ID, active.ID)
		}
		prev, err := l.Previous(ctx, "shop", "prod", 1)
		if err != nil {
			t.Fatalf("Previous: %v", err)
		}
		if prev.ID != first.ID {
			t.Errorf("expected previous %s, got %s", first.ID, prev.ID)
		}
	})
}

func TestActivateRequiresPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec, _ := l.RecordPending(ctx, "shop", "prod", "r1")
		if err := l.MarkFailed(ctx, rec.ID, "sync failed"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		err := l.Activate(ctx, rec.ID)
		var ce *ConsistencyError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConsistencyError, got %v", err)
		}
		if ce.Status != StatusFailed {
			t.Errorf("expected status failed in error, got %s", ce.Status)
		}

		active, _ := l.RecordPending(ctx, "shop", "prod", "r2")
		_ = l.Activate(ctx, active.ID)
		if err := l.Activate(ctx, active.ID); !errors.As(err, &ce) {
			t.Errorf("expected ConsistencyError on double activation, got %v", err)
		}
	})
}

func TestStatusTransitionsHappenOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		rec, _ := l.RecordPending(ctx, "shop", "prod", "r1")
		if err := l.MarkRolledBack(ctx, rec.ID, "health check failed"); err != nil {
			t.Fatalf("MarkRolledBack: %v", err)
		}
		got, _ := l.Get(ctx, rec.ID)
		if got.Status != StatusRolledBack || got.Reason != "health check failed" {
			t.Errorf("unexpected record %+v", got)
		}
		var ce *ConsistencyError
		if err := l.MarkFailed(ctx, rec.ID, "again"); !errors.As(err, &ce) {
			t.Errorf("expected ConsistencyError for second transition, got %v", err)
		}
		if err := l.MarkFailed(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestHistoryNewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		var ids []string
		for _, rev := range []string{"r1", "r2", "r3", "r4"} {
			rec, err := l.RecordPending(ctx, "shop", "prod", rev)
			if err != nil {
				t.Fatalf("RecordPending: %v", err)
			}
			ids = append(ids, rec.ID)
		}
		_, _ = l.RecordPending(ctx, "shop", "staging", "other")

		hist, err := l.History(ctx, "shop", "prod", 0)
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(hist) != 4 {
			t.Fatalf("expected 4 records, got %d", len(hist))
		}
		for i, rec := range hist {
			if want := ids[len(ids)-1-i]; rec.ID != want {
				t.Errorf("position %d: expected %s, got %s", i, want, rec.ID)
			}
		}
		limited, _ := l.History(ctx, "shop", "prod", 2)
		if len(limited) != 2 || limited[0].ID != ids[3] {
			t.Errorf("unexpected limited history %+v", limited)
		}
	})
}

func TestRecordOptionsPersist(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		old, _ := l.RecordPending(ctx, "shop", "prod", "r1")
		rec, err := l.RecordPending(ctx, "shop", "prod", "r1", RestoredFrom(old.ID), InColor("green"))
		if err != nil {
			t.Fatalf("RecordPending: %v", err)
		}
		if err := l.AttachBackup(ctx, rec.ID, "snap-42"); err != nil {
			t.Fatalf("AttachBackup: %v", err)
		}
		got, _ := l.Get(ctx, rec.ID)
		if got.BackupHandle != "snap-42" || got.RestoredFrom != old.ID || got.Color != "green" {
			t.Errorf("unexpected record %+v", got)
		}
	})
}

func TestPurge(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		failed, _ := l.RecordPending(ctx, "shop", "prod", "r1")
		_ = l.MarkFailed(ctx, failed.ID, "x")
		live, _ := l.RecordPending(ctx, "shop", "prod", "r2")
		_ = l.Activate(ctx, live.ID)

		if err := l.Purge(ctx, failed.ID); err != nil {
			t.Fatalf("Purge: %v", err)
		}
		if _, err := l.Get(ctx, failed.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected purged record gone, got %v", err)
		}
		var ce *ConsistencyError
		if err := l.Purge(ctx, live.ID); !errors.As(err, &ce) {
			t.Errorf("expected ConsistencyError purging active record, got %v", err)
		}
	})
}

// Many deployments race to activate their own pending release. Exactly one
// record must be active afterwards, the rest superseded, and a concurrent
// reader must never see two active records.
func TestConcurrentActivationRace(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		const n = 12
		recs := make([]Record, n)
		for i := range recs {
			rec, err := l.RecordPending(ctx, "shop", "prod", "rev")
			if err != nil {
				t.Fatalf("RecordPending: %v", err)
			}
			recs[i] = rec
		}

		var (
			stop       atomic.Bool
			violations atomic.Int32
			readerDone = make(chan struct{})
		)
		go func() {
			defer close(readerDone)
			for !stop.Load() {
				hist, err := l.History(ctx, "shop", "prod", 0)
				if err != nil {
					continue
				}
				active := 0
				for _, r := range hist {
					if r.Status == StatusActive {
						active++
					}
				}
				if active > 1 {
					violations.Add(1)
				}
			}
		}()

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for _, rec := range recs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				errs <- l.Activate(ctx, id)
			}(rec.ID)
		}
		wg.Wait()
		stop.Store(true)
		<-readerDone
		close(errs)
		for err := range errs {
			if err != nil {
				t.Errorf("Activate: %v", err)
			}
		}

		if v := violations.Load(); v != 0 {
			t.Errorf("reader observed two active records %d times", v)
		}
		hist, _ := l.History(ctx, "shop", "prod", 0)
		counts := map[Status]int{}
		for _, r := range hist {
			counts[r.Status]++
		}
		if counts[StatusActive] != 1 || counts[StatusSuperseded] != n-1 {
			t.Errorf("expected 1 active and %d superseded, got %v", n-1, counts)
		}
	})
}

func TestActivateHonoursLock(t *testing.T) {
	lock := scale.NewInMemoryLock()
	l := New(NewMemoryStore(), lock, testLogger())
	ctx := context.Background()
	rec, _ := l.RecordPending(ctx, "shop", "prod", "r1")

	release, err := lock.Acquire(ctx, lockKey("shop", "prod"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Activate(tctx, rec.ID); err == nil {
		t.Fatal("expected activation to block while the environment lock is held")
	}
	release()
	if err := l.Activate(ctx, rec.ID); err != nil {
		t.Fatalf("Activate after release: %v", err)
	}
}
