// Package cache stores auth gate verdicts so repeated requests from the same
// session skip the database round trip.
package cache

import (
	"context"
	"time"
)

// Verdict is one cached auth gate answer. Errors are never cached.
type Verdict struct {
	Authenticated bool      `json:"authenticated"`
	StoredAt      time.Time `json:"storedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// VerdictCache is implemented by the memory and redis backends.
type VerdictCache interface {
	Lookup(ctx context.Context, key string) (Verdict, bool, error)
	Store(ctx context.Context, key string, verdict Verdict) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
