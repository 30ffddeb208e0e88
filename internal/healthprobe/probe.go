// Package healthprobe pings backing stores on an interval and keeps their
// availability visible through the store_up gauge and transition logs.
package healthprobe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/telemetry"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Pinger tests connectivity to one store.
type Pinger func(ctx context.Context) error

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Probe watches a single resource. The probe never acts on failures
// itself; the circuit breaker owns call-path protection, this is for
// operators.
type Probe struct {
	resource string
	ping     Pinger
	config   Config
	metrics  *telemetry.Metrics
	logger   *zap.Logger

	// 0 unknown, 1 up, 2 down.
	last atomic.Int32

	started atomic.Bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(resource string, ping Pinger, config Config, metrics *telemetry.Metrics, logger *zap.Logger) *Probe {
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{
		resource: resource,
		ping:     ping,
		config:   config.withDefaults(),
		metrics:  metrics,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (p *Probe) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Probe) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Probe) loop(ctx context.Context) {
	defer p.wg.Done()
	p.checkOnce(ctx)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkOnce(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Probe) checkOnce(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	err := p.ping(cctx)
	p.observe(err == nil, err)
}

func (p *Probe) observe(up bool, err error) {
	state := int32(2)
	value := 0.0
	if up {
		state = 1
		value = 1.0
	}
	p.metrics.StoreUp.WithLabelValues(p.resource).Set(value)

	prev := p.last.Swap(state)
	if prev == state {
		return
	}
	if up {
		// Stay quiet on the very first healthy probe.
		if prev != 0 {
			p.logger.Info("store recovered", zap.String("resource", p.resource))
		}
		return
	}
	p.logger.Warn("store unhealthy",
		zap.String("resource", p.resource),
		zap.Error(err))
}
