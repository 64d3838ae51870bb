// Package ledger is the Version Ledger: the append-only history of releases
// per project and environment. The only mutation a record ever sees is its
// status transition, and at most one record per project+environment is
// active at any instant.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/deployctl/scale"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a release record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// ErrNotFound is returned when a release does not exist.
var ErrNotFound = errors.New("ledger: release not found")

// Record is one release in the ledger.
type Record struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	Env          string    `json:"env"`
	Revision     string    `json:"revision"`
	Status       Status    `json:"status"`
	BackupHandle string    `json:"backup_handle,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	RestoredFrom string    `json:"restored_from,omitempty"`
	// Color is the blue-green color the release was deployed into.
	Color        string    `json:"color,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConsistencyError reports a status transition the ledger refused, such as
// activating a record that is no longer pending. It indicates a concurrent
// activation race or an operational bug.
type ConsistencyError struct {
	ReleaseID string
	Status    Status
	Op        string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("ledger: cannot %s release %s in status %q", e.Op, e.ReleaseID, e.Status)
}

// Store persists release records. Implementations must make Activate atomic
// with respect to concurrent readers.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// History returns records newest first. A limit <= 0 returns all.
	History(ctx context.Context, project, env string, limit int) ([]Record, error)
	// Activate flips the current active record of the release's
	// project+environment to superseded and the release itself from pending
	// to active in one transaction.
	Activate(ctx context.Context, id string, at time.Time) error
	// Transition moves a record from one of the from statuses to to.
	Transition(ctx context.Context, id string, from []Status, to Status, reason string, at time.Time) error
	SetBackupHandle(ctx context.Context, id, handle string) error
	// Delete removes a record that is not active.
	Delete(ctx context.Context, id string) error
	Close() error
}

// Ledger adds release ID generation and per-environment activation locking
// on top of a Store.
type Ledger struct {
	store   Store
	locker  scale.Locker
	lockTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Ledger. A nil locker uses an in-process lock.
func New(store Store, locker scale.Locker, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = scale.NewInMemoryLock()
	}
	return &Ledger{
		store:   store,
		locker:  locker,
		lockTTL: time.Minute,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SetLockTTL bounds how long an activation may hold the environment lock.
// Non-positive values are ignored.
func (l *Ledger) SetLockTTL(d time.Duration) {
	if d > 0 {
		l.lockTTL = d
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() Store { return l.store }

// PendingOption customizes a pending record.
type PendingOption func(*Record)

// RestoredFrom marks the new record as a re-activation of an earlier release.
func RestoredFrom(id string) PendingOption {
	return func(r *Record) { r.RestoredFrom = id }
}

// InColor records the blue-green color a release is deployed into.
func InColor(color string) PendingOption {
	return func(r *Record) { r.Color = color }
}

// RecordPending appends a pending record for a new release. Release IDs are
// UUIDv7 and therefore ordered by creation time.
func (l *Ledger) RecordPending(ctx context.Context, project, env, revision string, opts ...PendingOption) (Record, error) {
	if project == "" || env == "" {
		return Record{}, fmt.Errorf("ledger: project and env are required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("ledger: generate release id: %w", err)
	}
	now := l.now()
	rec := Record{
		ID:        id.String(),
		Project:   project,
		Env:       env,
		Revision:  revision,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&rec)
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("ledger: insert release: %w", err)
	}
	l.logger.Debug("release recorded", "project", project, "env", env, "release", rec.ID)
	return rec, nil
}

// AttachBackup stores the backup handle captured for a release.
func (l *Ledger) AttachBackup(ctx context.Context, id, handle string) error {
	return l.store.SetBackupHandle(ctx, id, handle)
}

func lockKey(project, env string) string {
	return "ledger:" + project + "/" + env
}

// Activate makes id the active release of its project+environment,
// superseding the previous one. Only one activation per project+environment
// runs at a time.
func (l *Ledger) Activate(ctx context.Context, id string) error {
	rec, err := l.store.Get(ctx, id)
	if err != nil {
		return err
	}
	release, err := l.locker.Acquire(ctx, lockKey(rec.Project, rec.Env), l.lockTTL)
	if err != nil {
		return fmt.Errorf("ledger: lock %s/%s: %w", rec.Project, rec.Env, err)
	}
	defer release()

	if err := l.store.Activate(ctx, id, l.now()); err != nil {
		return err
	}
	l.logger.Info("release activated", "project", rec.Project, "env", rec.Env, "release", id)
	return nil
}

// MarkFailed records that a pending release did not go live.
func (l *Ledger) MarkFailed(ctx context.Context, id, reason string) error {
	return l.store.Transition(ctx, id, []Status{StatusPending}, StatusFailed, reason, l.now())
}

// MarkRolledBack records that a pending release was reverted.
func (l *Ledger) MarkRolledBack(ctx context.Context, id, reason string) error {
	return l.store.Transition(ctx, id, []Status{StatusPending}, StatusRolledBack, reason, l.now())
}

// Get returns a single release.
func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	return l.store.Get(ctx, id)
}

// History returns releases of project+env, newest first.
func (l *Ledger) History(ctx context.Context, project, env string, limit int) ([]Record, error) {
	return l.store.History(ctx, project, env, limit)
}

// Active returns the live release of project+env, or ErrNotFound.
func (l *Ledger) Active(ctx context.Context, project, env string) (Record, error) {
	recs, err := l.store.History(ctx, project, env, 0)
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.Status == StatusActive {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Previous returns the n-th release that was live before the current one
// (n=1 is the release the active one superseded).
func (l *Ledger) Previous(ctx context.Context, project, env string, n int) (Record, error) {
	if n < 1 {
		return Record{}, fmt.Errorf("ledger: n must be positive")
	}
	recs, err := l.store.History(ctx, project, env, 0)
	if err != nil {
		return Record{}, err
	}
	seen := 0
	for _, r := range recs {
		if r.Status != StatusSuperseded {
			continue
		}
		seen++
		if seen == n {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

// Purge removes a record that is not active.
func (l *Ledger) Purge(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}
	l.logger.Info("release purged", "release", id)
	return nil
}

// Close closes the store.
func (l *Ledger) Close() error { return l.store.Close() }
