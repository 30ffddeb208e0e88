package override

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/builderpool"
	"github.com/flowgate/flowgate/telemetry"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 30 * time.Second
)

// CacheConfig bounds the override lookup cache.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// cacheEntry wraps a lookup result so absence is cacheable too. A nil
// Override means "no active override for this shape".
type cacheEntry struct {
	o *Override
}

// Cache fronts the override store with a short-TTL LRU keyed by lookup
// shape. Negative results are cached; store errors are not.
type Cache struct {
	store   Store
	logger  *zap.Logger
	metrics *telemetry.Metrics
	lru     *expirable.LRU[string, cacheEntry]
}

func NewCache(store Store, cfg CacheConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Cache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultCacheSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Cache{
		store:   store,
		logger:  logger,
		metrics: metrics,
		lru:     expirable.NewLRU[string, cacheEntry](cfg.MaxSize, nil, cfg.TTL),
	}
}

// cacheKey builds override:{tenant}:{user|none}:{endpoint|none}.
func cacheKey(tenantID, userID, endpoint string) string {
	sb := builderpool.Get()
	sb.WriteString("override:")
	sb.WriteString(tenantID)
	sb.WriteByte(':')
	if userID == "" {
		sb.WriteString("none")
	} else {
		sb.WriteString(userID)
	}
	sb.WriteByte(':')
	if endpoint == "" {
		sb.WriteString("none")
	} else {
		sb.WriteString(endpoint)
	}
	return builderpool.Release(sb)
}

// Active resolves the effective override for an identity, cache-first.
// Errors from the store pass through uncached so the next lookup retries.
func (c *Cache) Active(ctx context.Context, tenantID, userID, endpoint string) (*Override, error) {
	key := cacheKey(tenantID, userID, endpoint)
	if ent, ok := c.lru.Get(key); ok {
		c.metrics.OverrideCacheHits.Inc()
		return ent.o, nil
	}
	c.metrics.OverrideCacheMisses.Inc()

	o, err := c.store.Active(ctx, tenantID, userID, endpoint)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, cacheEntry{o: o})
	return o, nil
}

// HasActive passes through to the store. The abuse detector calls it once
// per tick per flagged tenant, not worth a cache slot.
func (c *Cache) HasActive(ctx context.Context, tenantID string) (bool, error) {
	return c.store.HasActive(ctx, tenantID)
}

// Create installs an override and evicts the four shape keys it can mask.
func (c *Cache) Create(ctx context.Context, o *Override) error {
	if err := c.store.Create(ctx, o); err != nil {
		return err
	}
	c.invalidateShapes(o.TenantID, o.UserID, o.Endpoint)
	return nil
}

// Delete removes an override and evicts the four shape keys it covered.
func (c *Cache) Delete(ctx context.Context, id uuid.UUID) (*Override, error) {
	o, err := c.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	c.invalidateShapes(o.TenantID, o.UserID, o.Endpoint)
	return o, nil
}

// invalidateShapes evicts (t,u,e), (t,u,-), (t,-,e) and (t,-,-) so no
// less-specific cached result can mask the mutation.
func (c *Cache) invalidateShapes(tenantID, userID, endpoint string) {
	c.lru.Remove(cacheKey(tenantID, userID, endpoint))
	c.lru.Remove(cacheKey(tenantID, userID, ""))
	c.lru.Remove(cacheKey(tenantID, "", endpoint))
	c.lru.Remove(cacheKey(tenantID, "", ""))
}

// Len reports resident cache entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
