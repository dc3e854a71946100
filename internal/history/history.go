// Package history persists call sessions that reached a terminal status.
package history

import (
	"context"
	"sort"
	"sync"

	"github.com/mikeyg42/televisit/internal/session"
)

const DefaultLimit = 50

// Store is the call history. Append is called once per terminal session.
type Store interface {
	Append(ctx context.Context, s session.CallSession) error
	List(ctx context.Context, limit int) ([]session.CallSession, error)
	Get(ctx context.Context, id string) (*session.CallSession, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// Memory keeps history for the life of the process.
type Memory struct {
	mu       sync.RWMutex
	sessions []session.CallSession
	max      int
}

// NewMemory returns an in-memory history holding at most max sessions; max <= 0 means unbounded.
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

func (m *Memory) Append(ctx context.Context, s session.CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, *s.Clone())
	if m.max > 0 && len(m.sessions) > m.max {
		m.sessions = m.sessions[len(m.sessions)-m.max:]
	}
	return nil
}

// List returns the newest sessions first.
func (m *Memory) List(ctx context.Context, limit int) ([]session.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]session.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*session.CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			return m.sessions[i].Clone(), nil
		}
	}
	return nil, ErrNotFound
}
