// Package directory caches identity lookups in front of the store so a
// busy kiosk does not hit the database for every commit.
package directory

import (
	"context"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/patrickmn/go-cache"
)

// Cached is an attendance.Directory with a TTL cache. Misses are not cached,
// so an identity enrolled mid-session resolves on its next lookup.
type Cached struct {
	next  attendance.Directory
	cache *cache.Cache
}

var _ attendance.Directory = (*Cached)(nil)

// NewCached wraps next. A non-positive ttl disables caching.
func NewCached(next attendance.Directory, ttl time.Duration) *Cached {
	if ttl <= 0 {
		return &Cached{next: next}
	}
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) ResolveIdentity(ctx context.Context, id string) (types.Identity, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(id); ok {
			return v.(types.Identity), nil
		}
	}
	ident, err := c.next.ResolveIdentity(ctx, id)
	if err != nil {
		return types.Identity{}, err
	}
	if c.cache != nil {
		c.cache.SetDefault(id, ident)
	}
	return ident, nil
}

// Len is the number of cached identities.
func (c *Cached) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.ItemCount()
}
