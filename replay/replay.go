// Package replay records single-use values, such as OAuth state, so that a
// second use inside the TTL is rejected.
package replay

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Guard claims keys. Claim reports true only for the first claim of key within
// ttl. Implementations are safe for concurrent use.
type Guard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Memory is an in-process Guard. Claims are not shared between processes.
type Memory struct{ c *gocache.Cache }

// NewMemory returns a Memory guard whose expired entries are purged every
// cleanup interval.
func NewMemory(cleanup time.Duration) *Memory {
	return &Memory{c: gocache.New(gocache.NoExpiration, cleanup)}
}

func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	// Add fails when an unexpired entry exists.
	return m.c.Add(key, struct{}{}, ttl) == nil, nil
}

// Len returns the number of unexpired claims.
func (m *Memory) Len() int { return m.c.ItemCount() }
