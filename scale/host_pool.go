package scale

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one host-level unit of work dispatched by a HostPool.
type Task struct {
	// Key identifies the task in results, usually the host name.
	Key     string
	Execute func(ctx context.Context) error
}

// TaskResult holds the outcome of a task. Skipped is true when the task was
// never started because the pool stopped dispatching.
type TaskResult struct {
	Key      string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// HostPoolConfig configures a HostPool.
type HostPoolConfig struct {
	// MaxParallel bounds the number of tasks running at once. Zero or a
	// negative value means unbounded.
	MaxParallel int
}

// HostPool runs a set of tasks with bounded parallelism and waits for every
// dispatched task to finish before returning.
type HostPool struct {
	cfg    HostPoolConfig
	logger *slog.Logger

	dispatched atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
}

// NewHostPool creates a HostPool.
func NewHostPool(cfg HostPoolConfig, logger *slog.Logger) *HostPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostPool{cfg: cfg, logger: logger}
}

// StopFunc is consulted before each dispatch; returning true prevents any
// further task from starting.
type StopFunc func(results []TaskResult) bool

// Run executes tasks in order, at most MaxParallel at a time. Dispatch stops
// when ctx is done or stop returns true; undispatched tasks are reported as
// Skipped. Run always returns one result per task, in input order.
func (p *HostPool) Run(ctx context.Context, tasks []Task, stop StopFunc) []TaskResult {
	results := make([]TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = TaskResult{Key: t.Key, Skipped: true}
	}
	if len(tasks) == 0 {
		return results
	}

	limit := int64(p.cfg.MaxParallel)
	if limit <= 0 || limit > int64(len(tasks)) {
		limit = int64(len(tasks))
	}
	sem := semaphore.NewWeighted(limit)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	snapshot := func() []TaskResult {
		mu.Lock()
		defer mu.Unlock()
		out := make([]TaskResult, len(results))
		copy(out, results)
		return out
	}

	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			p.logger.Warn("host pool stopped dispatching", "reason", err, "remaining", len(tasks)-i)
			break
		}
		if ctx.Err() != nil || (stop != nil && stop(snapshot())) {
			sem.Release(1)
			p.logger.Info("host pool halted before dispatch", "next", task.Key, "remaining", len(tasks)-i)
			break
		}

		mu.Lock()
		results[i].Skipped = false
		mu.Unlock()
		p.dispatched.Add(1)

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer sem.Release(1)

			start := time.Now()
			err := runTask(ctx, task)
			dur := time.Since(start)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			mu.Lock()
			results[i].Err = err
			results[i].Duration = dur
			mu.Unlock()
		}(i, task)
	}

	wg.Wait()
	return results
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Key, r)
		}
	}()
	return task.Execute(ctx)
}

// HostPoolStats holds pool counters accumulated across Run calls.
type HostPoolStats struct {
	Dispatched int64
	Completed  int64
	Failed     int64
}

// Stats returns current pool statistics.
func (p *HostPool) Stats() HostPoolStats {
	return HostPoolStats{
		Dispatched: p.dispatched.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}
