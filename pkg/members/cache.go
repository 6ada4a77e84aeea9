package members

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Source is anything that can look members up
type Source interface {
	ListActiveBillableMembers(ctx context.Context, roles []Role) ([]*Member, error)
	GetMember(ctx context.Context, id int64) (*Member, error)
}

// CachedDirectory caches single-member lookups in an expiring LRU.
// Listing always goes to the underlying source so batch runs see fresh data.
type CachedDirectory struct {
	source Source
	cache  *expirable.LRU[int64, *Member]
}

// NewCachedDirectory wraps source with a cache holding up to size members for ttl
func NewCachedDirectory(source Source, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		source: source,
		cache:  expirable.NewLRU[int64, *Member](size, nil, ttl),
	}
}

// ListActiveBillableMembers delegates to the underlying source and refreshes cached entries
func (c *CachedDirectory) ListActiveBillableMembers(ctx context.Context, roles []Role) ([]*Member, error) {
	list, err := c.source.ListActiveBillableMembers(ctx, roles)
	if err != nil {
		return nil, err
	}
	for _, m := range list {
		c.cache.Add(m.ID, m)
	}
	return list, nil
}

// GetMember returns a cached member or loads it from the source
func (c *CachedDirectory) GetMember(ctx context.Context, id int64) (*Member, error) {
	if m, ok := c.cache.Get(id); ok {
		return m, nil
	}
	m, err := c.source.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, m)
	return m, nil
}

// Invalidate drops a member from the cache
func (c *CachedDirectory) Invalidate(id int64) {
	c.cache.Remove(id)
}
