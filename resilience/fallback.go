package resilience

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/bucket"
)

const (
	DefaultFallbackRPM = 60

	fallbackWindow    = 60 * time.Second
	fallbackSoftPct   = 100.0
	fallbackHardPct   = 110.0
	defaultSweepEvery = 5 * time.Minute
)

// FallbackConfig tunes the in-process fallback limiter.
type FallbackConfig struct {
	RPM        int
	SweepEvery time.Duration
}

func (c FallbackConfig) withDefaults() FallbackConfig {
	if c.RPM <= 0 {
		c.RPM = DefaultFallbackRPM
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = defaultSweepEvery
	}
	return c
}

// FallbackResult is the degraded-mode decision for one tenant.
type FallbackResult struct {
	Allowed    bool
	State      bucket.State
	Limit      int
	Remaining  int
	ResetEpoch int64
	RetryAfter int
}

// windowBucket holds one tenant's attempt timestamps, newest last, all in
// unix milliseconds.
type windowBucket struct {
	mu         sync.Mutex
	times      []int64
	lastAccess int64 // atomic, unix milliseconds
}

// FallbackLimiter is the per-tenant sliding-window limiter used while the
// primary store path is down. Every attempt is recorded, allowed or not,
// so sustained overrun escalates from soft to hard.
type FallbackLimiter struct {
	config  FallbackConfig
	logger  *zap.Logger
	buckets sync.Map // tenant id -> *windowBucket

	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

func NewFallbackLimiter(config FallbackConfig, logger *zap.Logger) *FallbackLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackLimiter{
		config: config.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Check records an attempt for the tenant and decides against the window
// count observed before it.
func (f *FallbackLimiter) Check(tenantID string) FallbackResult {
	now := time.Now()
	nowMS := now.UnixMilli()
	cutoff := nowMS - fallbackWindow.Milliseconds()

	v, _ := f.buckets.LoadOrStore(tenantID, &windowBucket{})
	b := v.(*windowBucket)

	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.StoreInt64(&b.lastAccess, nowMS)

	// Drop attempts that slid out of the window.
	i := 0
	for i < len(b.times) && b.times[i] <= cutoff {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}

	rpm := f.config.RPM
	count := len(b.times)
	// Capped at twice the limit; usage above 200% classifies the same.
	if count < 2*rpm {
		b.times = append(b.times, nowMS)
	}
	usage := float64(count) / float64(rpm) * 100

	res := FallbackResult{
		Allowed:    count < rpm,
		State:      bucket.StateNormal,
		Limit:      rpm,
		Remaining:  max(0, rpm-count),
		ResetEpoch: now.Add(fallbackWindow).Unix(),
	}
	switch {
	case usage >= fallbackHardPct:
		res.State = bucket.StateHard
	case usage >= fallbackSoftPct:
		res.State = bucket.StateSoft
	}
	if !res.Allowed {
		res.RetryAfter = f.retryAfter(b.times, nowMS)
	}
	return res
}

// retryAfter is how long until the oldest recorded attempt leaves the
// window, in whole seconds rounded up.
func (f *FallbackLimiter) retryAfter(times []int64, nowMS int64) int {
	if len(times) == 0 {
		return int(fallbackWindow / time.Second)
	}
	age := nowMS - times[0]
	remaining := fallbackWindow.Milliseconds() - age
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(float64(remaining) / 1000))
}

// Start launches the idle-bucket sweeper.
func (f *FallbackLimiter) Start(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.wg.Add(1)
	go f.sweepLoop(ctx)
}

// Stop cancels the sweeper and waits for it.
func (f *FallbackLimiter) Stop() {
	if !f.started.CompareAndSwap(true, false) {
		return
	}
	f.cancel()
	close(f.stopCh)
	f.wg.Wait()
}

func (f *FallbackLimiter) sweepLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.config.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := f.sweepOnce(time.Now().UnixMilli()); n > 0 {
				f.logger.Debug("swept idle fallback buckets", zap.Int("count", n))
			}
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepOnce evicts buckets idle for more than twice the window.
func (f *FallbackLimiter) sweepOnce(nowMS int64) int {
	idleCutoff := nowMS - 2*fallbackWindow.Milliseconds()
	var evicted int
	f.buckets.Range(func(k, v any) bool {
		b := v.(*windowBucket)
		if atomic.LoadInt64(&b.lastAccess) < idleCutoff {
			f.buckets.Delete(k)
			evicted++
		}
		return true
	})
	return evicted
}

func (f *FallbackLimiter) size() int {
	var n int
	f.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
