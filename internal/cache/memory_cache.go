package cache

import (
	"context"
	"sync"
	"time"

	"kasirinaja/tabclient/internal/clock"
	"kasirinaja/tabclient/internal/domain"
)

// MemorySplitStatusCache is the single-terminal mirror.
type MemorySplitStatusCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

type memoryEntry struct {
	status    domain.SplitStatus
	expiresAt time.Time
}

func NewMemorySplitStatusCache(clk clock.Clock) *MemorySplitStatusCache {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &MemorySplitStatusCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemorySplitStatusCache) Get(_ context.Context, accountID string) (*domain.SplitStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[accountID]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, accountID)
		return nil, false, nil
	}
	status := entry.status
	return &status, true, nil
}

func (c *MemorySplitStatusCache) Set(_ context.Context, accountID string, value domain.SplitStatus, ttl time.Duration) error {
	entry := memoryEntry{status: value}
	if ttl > 0 {
		entry.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[accountID] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemorySplitStatusCache) Delete(_ context.Context, accountID string) error {
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
	return nil
}
