// Package backup defines the Backup Coordinator used before risky
// deployment phases: request a snapshot, keep its handle, restore it if the
// release has to be undone.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/deployctl/remote"
	"github.com/google/uuid"
)

// Handle identifies a snapshot.
type Handle struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Env       string    `json:"env"`
	CreatedAt time.Time `json:"created_at"`
}

// IsZero reports whether h is unset.
func (h Handle) IsZero() bool { return h.ID == "" }

// Coordinator creates and restores snapshots of a project+environment.
type Coordinator interface {
	CreateSnapshot(ctx context.Context, project, env string) (Handle, error)
	Restore(ctx context.Context, h Handle) error
}

// Config describes the backup step of an environment.
type Config struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// AllowFailure lets the deployment continue without a snapshot.
	AllowFailure    bool   `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	SnapshotCommand string `json:"snapshot_command,omitempty" yaml:"snapshot_command,omitempty"`
	RestoreCommand  string `json:"restore_command,omitempty" yaml:"restore_command,omitempty"`
}

// DefaultTimeout bounds snapshot creation when the config sets none.
const DefaultTimeout = 10 * time.Minute

// Validate checks that an enabled backup has both commands.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.SnapshotCommand) == "" || strings.TrimSpace(c.RestoreCommand) == "" {
		return fmt.Errorf("backup: snapshot_command and restore_command are required when enabled")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("backup: timeout must be positive")
	}
	return nil
}

// EffectiveTimeout returns the configured timeout or DefaultTimeout.
func (c Config) EffectiveTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// CommandCoordinator runs operator-supplied snapshot and restore commands on
// a host. The snapshot command prints the snapshot identifier as its last
// line of output; the restore command receives it as DEPLOY_SNAPSHOT.
type CommandCoordinator struct {
	channel remote.Channel
	host    remote.Host
	cfg     Config
	logger  *slog.Logger
}

// NewCommandCoordinator creates a CommandCoordinator running on host.
func NewCommandCoordinator(ch remote.Channel, host remote.Host, cfg Config, logger *slog.Logger) *CommandCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandCoordinator{channel: ch, host: host, cfg: cfg, logger: logger}
}

func (c *CommandCoordinator) CreateSnapshot(ctx context.Context, project, env string) (Handle, error) {
	cmd := remote.Exports(map[string]string{"DEPLOY_PROJECT": project, "DEPLOY_ENV": env}) + c.cfg.SnapshotCommand
	out, err := c.channel.Execute(ctx, c.host, cmd, c.cfg.EffectiveTimeout())
	if err != nil {
		return Handle{}, fmt.Errorf("backup: snapshot on %s: %w", c.host.ID(), err)
	}
	if err := out.Check(c.host, c.cfg.SnapshotCommand); err != nil {
		return Handle{}, fmt.Errorf("backup: snapshot: %w", err)
	}
	id := lastLine(out.Stdout)
	if id == "" {
		// Commands that print nothing still get a unique handle.
		id = uuid.NewString()
	}
	h := Handle{ID: id, Project: project, Env: env, CreatedAt: time.Now().UTC()}
	c.logger.Info("snapshot created", "project", project, "env", env, "snapshot", id)
	return h, nil
}

func (c *CommandCoordinator) Restore(ctx context.Context, h Handle) error {
	if h.IsZero() {
		return fmt.Errorf("backup: no snapshot to restore")
	}
	cmd := remote.Exports(map[string]string{
		"DEPLOY_PROJECT":  h.Project,
		"DEPLOY_ENV":      h.Env,
		"DEPLOY_SNAPSHOT": h.ID,
	}) + c.cfg.RestoreCommand
	out, err := c.channel.Execute(ctx, c.host, cmd, c.cfg.EffectiveTimeout())
	if err != nil {
		return fmt.Errorf("backup: restore %s on %s: %w", h.ID, c.host.ID(), err)
	}
	if err := out.Check(c.host, c.cfg.RestoreCommand); err != nil {
		return fmt.Errorf("backup: restore %s: %w", h.ID, err)
	}
	c.logger.Info("snapshot restored", "project", h.Project, "env", h.Env, "snapshot", h.ID)
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// MockCoordinator is an in-memory Coordinator for tests.
type MockCoordinator struct {
	SnapshotErr error
	RestoreErr  error
	// Delay blocks CreateSnapshot until it elapses or ctx ends.
	Delay time.Duration

	mu        sync.Mutex
	snapshots []Handle
	restores  []Handle
}

func (m *MockCoordinator) CreateSnapshot(ctx context.Context, project, env string) (Handle, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}
	if m.SnapshotErr != nil {
		return Handle{}, m.SnapshotErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Handle{ID: fmt.Sprintf("snap-%d", len(m.snapshots)+1), Project: project, Env: env, CreatedAt: time.Now().UTC()}
	m.snapshots = append(m.snapshots, h)
	return h, nil
}

func (m *MockCoordinator) Restore(_ context.Context, h Handle) error {
	if m.RestoreErr != nil {
		return m.RestoreErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores = append(m.restores, h)
	return nil
}

// Snapshots returns the handles created so far.
func (m *MockCoordinator) Snapshots() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.snapshots...)
}

// Restores returns the handles restored so far.
func (m *MockCoordinator) Restores() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Handle(nil), m.restores...)
}
