// Package tariff provides the read-only rate lookup consumed at session
// start. The cache in front of it is advisory: a stale rate only affects
// sessions not yet started, never session state or in-flight billing.
package tariff

import (
	"context"
	"sync"
	"time"

	"github.com/rental-meter/rental-meter/internal/metrics"
	"github.com/rental-meter/rental-meter/pkg/models"
)

// Resource looks up the current tariff for a resource
type Resource interface {
	Rate(ctx context.Context, resourceID string) (*models.Tariff, error)
}

// TariffStore is the persistence interface for store-backed tariffs
type TariffStore interface {
	Get(ctx context.Context, resourceID string) (*models.Tariff, error)
}

// StoreResource serves tariffs straight from the tariff store
type StoreResource struct {
	store TariffStore
}

// NewStoreResource creates a store-backed tariff resource
func NewStoreResource(store TariffStore) *StoreResource {
	return &StoreResource{store: store}
}

// Rate returns the tariff for a resource
func (r *StoreResource) Rate(ctx context.Context, resourceID string) (*models.Tariff, error) {
	return r.store.Get(ctx, resourceID)
}

// CachedResource is a read-through TTL cache decorator over a Resource.
// Only successful lookups are cached; errors always fall through to the
// inner resource on the next call.
type CachedResource struct {
	inner Resource
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	tariff    *models.Tariff
	expiresAt time.Time
}

// CacheOption configures the cached resource
type CacheOption func(*CachedResource)

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) CacheOption {
	return func(c *CachedResource) {
		c.now = fn
	}
}

// NewCachedResource wraps a resource with a TTL cache
func NewCachedResource(inner Resource, ttl time.Duration, opts ...CacheOption) *CachedResource {
	c := &CachedResource{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rate returns the cached tariff if fresh, otherwise reads through
func (c *CachedResource) Rate(ctx context.Context, resourceID string) (*models.Tariff, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[resourceID]
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		metrics.RecordTariffCacheLookup("hit")
		return entry.tariff, nil
	}

	metrics.RecordTariffCacheLookup("miss")
	tariff, err := c.inner.Rate(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[resourceID] = cacheEntry{tariff: tariff, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return tariff, nil
}

// Invalidate drops a cached tariff, used after a tariff update
func (c *CachedResource) Invalidate(resourceID string) {
	c.mu.Lock()
	delete(c.entries, resourceID)
	c.mu.Unlock()
}
