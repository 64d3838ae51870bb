package router

import (
	"context"
	"sync"
)

// MockRouter records PointTo calls and tracks the active color in memory.
type MockRouter struct {
	// Err, when set, fails every PointTo call.
	Err error

	mu     sync.Mutex
	active Color
	calls  []Color
}

// NewMockRouter creates a MockRouter serving initial.
func NewMockRouter(initial Color) *MockRouter {
	return &MockRouter{active: initial}
}

func (m *MockRouter) PointTo(_ context.Context, color Color) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, color)
	if m.Err != nil {
		return m.Err
	}
	m.active = color
	return nil
}

func (m *MockRouter) Active(context.Context) (Color, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

// Calls returns every color PointTo was asked for.
func (m *MockRouter) Calls() []Color {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Color(nil), m.calls...)
}
