package remote

import (
	"context"
	"sync"
	"time"
)

// Call records one operation issued to a MockChannel.
type Call struct {
	Op      string // "execute" or "sync"
	Host    string
	Command string
	Local   string
	Remote  string
}

// MockChannel records every call and answers with the programmed functions.
// With no functions set, commands exit zero and syncs succeed.
type MockChannel struct {
	ExecFunc func(ctx context.Context, host Host, command string) (ExecResult, error)
	SyncFunc func(ctx context.Context, host Host, localPath, remotePath string) (SyncResult, error)

	mu    sync.Mutex
	calls []Call
}

func (m *MockChannel) Execute(ctx context.Context, host Host, command string, _ time.Duration) (ExecResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "execute", Host: host.ID(), Command: command})
	fn := m.ExecFunc
	m.mu.Unlock()
	if fn == nil {
		return ExecResult{}, nil
	}
	return fn(ctx, host, command)
}

func (m *MockChannel) SyncTree(ctx context.Context, host Host, localPath, remotePath string, _ []string) (SyncResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: "sync", Host: host.ID(), Local: localPath, Remote: remotePath})
	fn := m.SyncFunc
	m.mu.Unlock()
	if fn == nil {
		return SyncResult{Success: true}, nil
	}
	return fn(ctx, host, localPath, remotePath)
}

// Calls returns a copy of the recorded calls.
func (m *MockChannel) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded calls of op ("execute" or "sync") against host.
func (m *MockChannel) CallsFor(op, host string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op && (host == "" || c.Host == host) {
			out = append(out, c)
		}
	}
	return out
}
