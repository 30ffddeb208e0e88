package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/telemetry"
)

const (
	DefaultCacheSize       = 10_000
	DefaultCacheTTL        = 60 * time.Second
	DefaultRefreshInterval = 30 * time.Second
)

// CacheConfig bounds the tenant cache and paces the background refresh.
type CacheConfig struct {
	MaxSize         int
	TTL             time.Duration
	RefreshInterval time.Duration
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultCacheSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultCacheTTL
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	return c
}

// Cache fronts the policy store with a bounded tenant LRU and a single
// global slot. Resident tenants are refreshed in the background; change
// events invalidate eagerly. Stale entries keep serving when a refresh
// fails.
type Cache struct {
	store   Store
	cfg     CacheConfig
	logger  *zap.Logger
	metrics *telemetry.Metrics

	tenants *expirable.LRU[string, *TenantPolicy]

	gmu          sync.RWMutex
	global       *GlobalPolicy // nil with globalOK set means provisioned-absent
	globalOK     bool
	globalExpiry time.Time

	hits   atomic.Int64
	misses atomic.Int64

	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewCache(store Store, cfg CacheConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Cache {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Cache{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tenants: expirable.NewLRU[string, *TenantPolicy](cfg.MaxSize, nil, cfg.TTL),
		stopCh:  make(chan struct{}),
	}
}

// Tenant resolves a tenant policy cache-first. Misses load from the store
// and insert; not-found propagates as ErrNotFound.
func (c *Cache) Tenant(ctx context.Context, id string) (*TenantPolicy, error) {
	if p, ok := c.tenants.Get(id); ok {
		c.recordLookup(true)
		return p, nil
	}
	c.recordLookup(false)

	p, err := c.store.Tenant(ctx, id)
	if err != nil {
		return nil, err
	}
	c.tenants.Add(id, p)
	return p, nil
}

// Global resolves the singleton global policy with its own TTL slot. An
// absent global is cached too, so a missing document costs one store trip
// per TTL window.
func (c *Cache) Global(ctx context.Context) (*GlobalPolicy, error) {
	c.gmu.RLock()
	if c.globalOK && time.Now().Before(c.globalExpiry) {
		p := c.global
		c.gmu.RUnlock()
		if p == nil {
			return nil, ErrNotFound
		}
		return p, nil
	}
	c.gmu.RUnlock()

	p, err := c.store.Global(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c.gmu.Lock()
	c.global = p
	c.globalOK = true
	c.globalExpiry = time.Now().Add(c.cfg.TTL)
	c.gmu.Unlock()

	if p == nil {
		return nil, ErrNotFound
	}
	return p, nil
}

func (c *Cache) InvalidateTenant(id string) {
	c.tenants.Remove(id)
}

func (c *Cache) InvalidateGlobal() {
	c.gmu.Lock()
	c.global = nil
	c.globalOK = false
	c.gmu.Unlock()
}

// Len reports resident tenant entries.
func (c *Cache) Len() int {
	return c.tenants.Len()
}

// HitRatio reports hits over total lookups since start.
func (c *Cache) HitRatio() float64 {
	hits := float64(c.hits.Load())
	total := hits + float64(c.misses.Load())
	if total == 0 {
		return 0
	}
	return hits / total
}

func (c *Cache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
		c.metrics.PolicyCacheHits.Inc()
	} else {
		c.misses.Add(1)
		c.metrics.PolicyCacheMisses.Inc()
	}
	c.metrics.PolicyCacheHitRatio.Set(c.HitRatio())
}

// Start launches the background refresh loop and the change-stream worker.
// A store without a working change stream degrades to TTL-only consistency.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.refreshLoop(ctx)

	events, err := c.store.Subscribe(ctx)
	if err != nil {
		c.logger.Warn("policy change stream unavailable, serving with TTL-only consistency",
			zap.Error(err))
		return
	}
	c.wg.Add(1)
	go c.changeLoop(events)
}

// Stop cancels background work and waits for it to drain.
func (c *Cache) Stop() {
	if !c.started.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.refresh(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refresh reloads every resident tenant and replaces the entry in place.
// A not-found evicts; any other failure leaves the stale entry serving.
func (c *Cache) refresh(ctx context.Context) {
	for _, id := range c.tenants.Keys() {
		p, err := c.store.Tenant(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			c.tenants.Remove(id)
		case err != nil:
			c.logger.Warn("policy refresh failed, serving stale entry",
				zap.String("tenant_id", id), zap.Error(err))
		default:
			c.tenants.Add(id, p)
		}
	}

	c.gmu.RLock()
	loaded := c.globalOK && c.global != nil
	c.gmu.RUnlock()
	if !loaded {
		return
	}
	p, err := c.store.Global(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("global policy refresh failed, serving stale entry", zap.Error(err))
		return
	}
	c.gmu.Lock()
	c.global = p
	c.globalOK = true
	c.globalExpiry = time.Now().Add(c.cfg.TTL)
	c.gmu.Unlock()
}

func (c *Cache) changeLoop(events <-chan ChangeEvent) {
	defer c.wg.Done()
	for ev := range events {
		switch ev.Kind {
		case ChangeInsert, ChangeUpdate, ChangeDelete:
			c.InvalidateTenant(ev.TenantID)
		case ChangeGlobal:
			c.InvalidateGlobal()
		}
	}
}
