package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is a process-local CounterStore. It is only correct for a single
// API instance; multi-instance deployments use RedisStore or the postgres store.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]Counter
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]Counter),
		now:      time.Now,
	}
}

// Increment implements CounterStore
func (m *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || c.Expired(now) {
		c = Counter{Key: key, Count: 0, ExpiresAt: now.Add(window)}
	}
	c.Count++
	m.counters[key] = c

	return c, nil
}

// Cleanup evicts expired counters and returns how many were removed
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, c := range m.counters {
		if c.Expired(now) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked counters
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// StartCleanupWorker evicts expired counters every interval until ctx is done
func (m *MemoryStore) StartCleanupWorker(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("started rate limit cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			if removed := m.Cleanup(); removed > 0 {
				logger.Debug("evicted expired rate counters", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
