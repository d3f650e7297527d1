package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]Verdict
	nextSweep time.Time
}

// NewMemory returns an in-process verdict cache; ttl applies when a stored
// verdict carries no expiry of its own.
func NewMemory(ttl time.Duration) VerdictCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &memoryCache{ttl: ttl, now: time.Now, entries: make(map[string]Verdict)}
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Verdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	verdict, ok := c.entries[key]
	if !ok {
		return Verdict{}, false, nil
	}
	if c.now().After(verdict.ExpiresAt) {
		delete(c.entries, key)
		return Verdict{}, false, nil
	}
	return verdict, true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, verdict Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if verdict.StoredAt.IsZero() {
		verdict.StoredAt = c.now().UTC()
	}
	if verdict.ExpiresAt.IsZero() || verdict.ExpiresAt.Before(verdict.StoredAt) {
		verdict.ExpiresAt = verdict.StoredAt.Add(c.ttl)
	}
	c.entries[key] = verdict
	c.maybeSweepLocked()
	return nil
}

// maybeSweepLocked drops expired verdicts at most once per ttl; lookups expire
// the entries they touch in between.
func (c *memoryCache) maybeSweepLocked() {
	now := c.now()
	if now.Before(c.nextSweep) {
		return
	}
	c.nextSweep = now.Add(c.ttl)
	for key, verdict := range c.entries {
		if now.After(verdict.ExpiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *memoryCache) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *memoryCache) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	return nil
}
