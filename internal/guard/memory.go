package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type entry struct {
	token string
	at    time.Time
}

// Memory is an in-process Guard. Entries older than the TTL are treated as
// abandoned and are removed by Sweep or replaced by the next Acquire.
type Memory struct {
	mu     sync.Mutex
	held   map[string]entry
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

var _ Guard = (*Memory)(nil)

func NewMemory(ttl time.Duration, logger *slog.Logger) *Memory {
	return &Memory{
		held:   make(map[string]entry),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

func (m *Memory) Acquire(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Sub(e.at) < m.ttl {
		return "", false, nil
	}
	token := uuid.NewString()
	m.held[key] = entry{token: token, at: now}
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.held[key]; ok && e.token == token {
		delete(m.held, key)
	}
	return nil
}

// Sweep force-evicts entries acquired at least TTL before now and returns how
// many were removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, e := range m.held {
		if now.Sub(e.at) >= m.ttl {
			delete(m.held, key)
			evicted++
			m.logger.Warn("evicted stale processing lock", "payment_id", key, "held_for", now.Sub(e.at))
		}
	}
	return evicted
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Run sweeps on every interval tick until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
