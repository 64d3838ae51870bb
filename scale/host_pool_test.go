package scale

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestHostPoolRunsAllTasks(t *testing.T) {
	pool := NewHostPool(HostPoolConfig{MaxParallel: 2}, testLogger())

	var ran atomic.Int64
	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = Task{Key: string(rune('a' + i)), Execute: func(context.Context) error {
			ran.Add(1)
			return nil
		}}
	}

	results := pool.Run(context.Background(), tasks, nil)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Skipped || r.Err != nil {
			t.Errorf("result %d: skipped=%v err=%v", i, r.Skipped, r.Err)
		}
		if r.Key != tasks[i].Key {
			t.Errorf("result %d key = %q, want %q", i, r.Key, tasks[i].Key)
		}
	}
	if ran.Load() != 5 {
		t.Errorf("expected 5 executions, got %d", ran.Load())
	}
	if s := pool.Stats(); s.Dispatched != 5 || s.Completed != 5 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHostPoolBoundsParallelism(t *testing.T) {
	pool := NewHostPool(HostPoolConfig{MaxParallel: 3}, testLogger())

	var current, peak atomic.Int64
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = Task{Key: "h", Execute: func(context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}}
	}

	pool.Run(context.Background(), tasks, nil)
	if peak.Load() > 3 {
		t.Errorf("peak parallelism %d exceeds limit 3", peak.Load())
	}
}

func TestHostPoolStopFuncSkipsRemaining(t *testing.T) {
	pool := NewHostPool(HostPoolConfig{MaxParallel: 1}, testLogger())
	boom := errors.New("boom")

	tasks := []Task{
		{Key: "h1", Execute: func(context.Context) error { return nil }},
		{Key: "h2", Execute: func(context.Context) error { return boom }},
		{Key: "h3", Execute: func(context.Context) error { t.Error("h3 should not run"); return nil }},
	}
	stopOnFailure := func(results []TaskResult) bool {
		for _, r := range results {
			if r.Err != nil {
				return true
			}
		}
		return false
	}

	results := pool.Run(context.Background(), tasks, stopOnFailure)
	if results[0].Skipped || results[0].Err != nil {
		t.Errorf("h1: %+v", results[0])
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("h2 err = %v, want boom", results[1].Err)
	}
	if !results[2].Skipped {
		t.Error("h3 should be skipped")
	}
}

func TestHostPoolCancelledContext(t *testing.T) {
	pool := NewHostPool(HostPoolConfig{MaxParallel: 2}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := pool.Run(ctx, []Task{{Key: "h1", Execute: func(context.Context) error { return nil }}}, nil)
	if !results[0].Skipped {
		t.Error("expected task to be skipped on cancelled context")
	}
}

func TestHostPoolRecoversPanic(t *testing.T) {
	pool := NewHostPool(HostPoolConfig{}, testLogger())
	results := pool.Run(context.Background(), []Task{{Key: "h1", Execute: func(context.Context) error {
		panic("kaboom")
	}}}, nil)
	if results[0].Err == nil {
		t.Error("expected panic to surface as error")
	}
}
