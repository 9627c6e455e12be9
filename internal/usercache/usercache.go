// Package usercache implements a bounded cache mapping usernames to
// resolved profile info, so concurrent workers that discover the same
// mentioned user don't each pay for a separate profile fetch.
package usercache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

const (
	defaultSize = 512
	defaultTTL  = 30 * time.Minute
)

type entry struct {
	user      *wikiclient.User
	expiresAt time.Time
}

// Cache resolves usernames to wikiclient.User, coalescing concurrent lookups
// of the same username into a single upstream call and expiring entries
// after a TTL so renamed/deactivated users eventually refresh.
type Cache struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, entry]
	ttl    time.Duration
	client wikiclient.Client
	group  singleflight.Group
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithSize overrides the default LRU capacity.
func WithSize(size int) Option {
	return func(c *Cache) {
		cache, err := lru.New[string, entry](size)
		if err == nil {
			c.cache = cache
		}
	}
}

// WithTTL overrides the default entry lifetime. A non-positive ttl disables
// expiration.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache backed by client for cache misses.
func New(client wikiclient.Client, opts ...Option) *Cache {
	cache, _ := lru.New[string, entry](defaultSize)
	c := &Cache{
		cache:  cache,
		ttl:    defaultTTL,
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the cached user for username, fetching and caching it on a
// miss or expiry. Concurrent Resolve calls for the same username share one
// in-flight fetch.
func (c *Cache) Resolve(ctx context.Context, username string) (*wikiclient.User, error) {
	if user, ok := c.lookup(username); ok {
		return user, nil
	}

	result, err, _ := c.group.Do(username, func() (interface{}, error) {
		if user, ok := c.lookup(username); ok {
			return user, nil
		}
		user, err := c.client.GetUser(ctx, username)
		if err != nil {
			return nil, err
		}
		c.store(username, user)
		return user, nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.(*wikiclient.User), nil
}

func (c *Cache) lookup(username string) (*wikiclient.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache.Get(username)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		return nil, false
	}
	return e.user, true
}

func (c *Cache) store(username string, user *wikiclient.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := time.Time{}
	if c.ttl > 0 {
		exp = c.now().Add(c.ttl)
	}
	c.cache.Add(username, entry{user: user, expiresAt: exp})
}

// Len reports the number of entries currently cached, including expired but
// not-yet-evicted ones.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}
