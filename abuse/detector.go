package abuse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/override"
	"github.com/flowgate/flowgate/telemetry"
)

// PenaltyType selects what kind of override a flagged tenant receives.
type PenaltyType string

const (
	// PenaltyAdaptive scales the tenant's existing limits down by a
	// multiplier.
	PenaltyAdaptive PenaltyType = "adaptive"
	// PenaltyFixed replaces the tenant's limits with a fixed custom rate.
	PenaltyFixed PenaltyType = "fixed"
)

const (
	DefaultCheckInterval   = time.Minute
	DefaultThreshold       = 0.8
	DefaultWindowMinutes   = 5
	DefaultPenaltyDuration = 5 * time.Minute
	DefaultMultiplier      = 0.1
	DefaultCustomRate      = 60
	DefaultCustomBurst     = 10
)

// Tenants above this ratio are high severity regardless of the configured
// flagging threshold.
const highSeverityRatio = 0.8

// Config holds detector settings. Enabled is the kill switch; a disabled
// detector starts nothing.
type Config struct {
	Enabled         bool
	CheckInterval   time.Duration
	Threshold       float64
	WindowMinutes   int
	PenaltyDuration time.Duration
	PenaltyType     PenaltyType
	Multiplier      float64
	CustomRate      int
	CustomBurst     int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = DefaultWindowMinutes
	}
	if c.PenaltyDuration <= 0 {
		c.PenaltyDuration = DefaultPenaltyDuration
	}
	if c.PenaltyType != PenaltyFixed {
		c.PenaltyType = PenaltyAdaptive
	}
	if c.Multiplier <= 0 || c.Multiplier > 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.CustomRate <= 0 {
		c.CustomRate = DefaultCustomRate
	}
	if c.CustomBurst <= 0 {
		c.CustomBurst = DefaultCustomBurst
	}
	return c
}

// OverrideStore is the slice of the override store the detector writes
// through. Penalties go to the store, not the cache: the next cached
// lookup per shape picks them up within the cache TTL.
type OverrideStore interface {
	HasActive(ctx context.Context, tenantID string) (bool, error)
	Create(ctx context.Context, o *override.Override) error
}

// Detector periodically queries the telemetry backend for per-tenant
// throttle ratios and penalizes tenants running above the threshold.
type Detector struct {
	config  Config
	source  RatioSource
	store   OverrideStore
	metrics *telemetry.Metrics
	logger  *zap.Logger

	inFlight atomic.Bool
	started  atomic.Bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewDetector(config Config, source RatioSource, store OverrideStore, metrics *telemetry.Metrics, logger *zap.Logger) *Detector {
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		config:  config.withDefaults(),
		source:  source,
		store:   store,
		metrics: metrics,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the detection loop. No-op when the kill switch is off or
// the detector already runs.
func (d *Detector) Start(ctx context.Context) {
	if !d.config.Enabled {
		d.logger.Info("abuse detector disabled")
		return
	}
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("abuse detector started",
		zap.Duration("check_interval", d.config.CheckInterval),
		zap.Float64("threshold", d.config.Threshold),
		zap.String("penalty_type", string(d.config.PenaltyType)))
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (d *Detector) Stop() {
	if !d.started.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.runOnce(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// runOnce executes one detection pass. At most one pass runs at a time;
// a pass arriving while another is active is dropped.
func (d *Detector) runOnce(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.metrics.AbuseJobRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer d.inFlight.Store(false)

	window := time.Duration(d.config.WindowMinutes) * time.Minute
	ratios, err := d.source.Ratios(ctx, window)
	if err != nil {
		d.logger.Warn("abuse ratio query failed", zap.Error(err))
		d.metrics.AbuseJobRuns.WithLabelValues("error").Inc()
		return
	}

	flagged := 0
	failed := false
	for _, tr := range ratios {
		if tr.Ratio <= d.config.Threshold {
			continue
		}
		created, err := d.flag(ctx, tr, window)
		if err != nil {
			d.logger.Warn("flagging tenant failed",
				zap.String("tenant_id", tr.TenantID),
				zap.Error(err))
			failed = true
			continue
		}
		if created {
			flagged++
		}
	}

	status := "success"
	if failed {
		status = "error"
	}
	d.metrics.AbuseJobRuns.WithLabelValues(status).Inc()
	if flagged > 0 {
		d.logger.Info("abuse detection pass complete",
			zap.Int("flagged", flagged),
			zap.Int("candidates", len(ratios)))
	}
}

// flag penalizes one tenant. Tenants already under any active override are
// left alone so penalties do not stack.
func (d *Detector) flag(ctx context.Context, tr TenantRatio, window time.Duration) (bool, error) {
	active, err := d.store.HasActive(ctx, tr.TenantID)
	if err != nil {
		return false, fmt.Errorf("abuse: active override check for '%s': %w", tr.TenantID, err)
	}
	if active {
		return false, nil
	}

	severity := "medium"
	if tr.Ratio > highSeverityRatio {
		severity = "high"
	}
	ov := d.penalty(tr, window)
	if err := d.store.Create(ctx, ov); err != nil {
		return false, fmt.Errorf("abuse: creating override for '%s': %w", tr.TenantID, err)
	}

	d.metrics.AbuseFlags.WithLabelValues(tr.TenantID, severity).Inc()
	d.metrics.OverrideApplied.WithLabelValues(string(ov.Type), string(ov.Source)).Inc()
	d.logger.Warn("tenant flagged for abuse",
		zap.String("tenant_id", tr.TenantID),
		zap.Float64("ratio", tr.Ratio),
		zap.String("severity", severity),
		zap.String("override_type", string(ov.Type)),
		zap.Time("expires_at", ov.ExpiresAt))
	return true, nil
}

func (d *Detector) penalty(tr TenantRatio, window time.Duration) *override.Override {
	now := time.Now()
	ov := &override.Override{
		TenantID:  tr.TenantID,
		Reason:    fmt.Sprintf("throttle ratio %.2f over last %s", tr.Ratio, window),
		Source:    override.SourceDetector,
		CreatedAt: now,
		ExpiresAt: now.Add(d.config.PenaltyDuration),
	}
	if d.config.PenaltyType == PenaltyFixed {
		ov.Type = override.TypeCustomLimit
		ov.CustomRate = d.config.CustomRate
		ov.CustomBurst = d.config.CustomBurst
	} else {
		ov.Type = override.TypeMultiplier
		ov.Multiplier = d.config.Multiplier
	}
	return ov
}
