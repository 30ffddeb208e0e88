package decision

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/bucket"
	"github.com/flowgate/flowgate/identity"
	"github.com/flowgate/flowgate/override"
	"github.com/flowgate/flowgate/policy"
	"github.com/flowgate/flowgate/resilience"
	"github.com/flowgate/flowgate/telemetry"
)

// Checker dispatches bucket evaluations against the shared store.
type Checker interface {
	CheckMany(ctx context.Context, checks []bucket.Check) ([]bucket.Result, error)
}

// PolicySource resolves policies, normally the policy cache.
type PolicySource interface {
	Tenant(ctx context.Context, id string) (*policy.TenantPolicy, error)
	Global(ctx context.Context) (*policy.GlobalPolicy, error)
}

// OverrideSource resolves the active override for an identity, normally the
// override cache.
type OverrideSource interface {
	Active(ctx context.Context, tenantID, userID, endpoint string) (*override.Override, error)
}

// Config holds decisioner settings.
type Config struct {
	Mode Mode
}

// Deps wires the decisioner's collaborators.
type Deps struct {
	Checker   Checker
	Policies  PolicySource
	Overrides OverrideSource
	Breaker   *resilience.Breaker
	Fallback  *resilience.FallbackLimiter
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

// Decisioner runs the hot path: resolve policy and override, build the
// check list, dispatch to the bucket engine behind the circuit breaker,
// aggregate, and fall back in-process when the store path fails.
type Decisioner struct {
	mode      Mode
	checker   Checker
	policies  PolicySource
	overrides OverrideSource
	breaker   *resilience.Breaker
	fallback  *resilience.FallbackLimiter
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

func New(cfg Config, deps Deps) *Decisioner {
	mode := cfg.Mode
	if !mode.Valid() {
		mode = ModeShadow
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	return &Decisioner{
		mode:      mode,
		checker:   deps.Checker,
		policies:  deps.Policies,
		overrides: deps.Overrides,
		breaker:   deps.Breaker,
		fallback:  deps.Fallback,
		metrics:   metrics,
		logger:    logger,
	}
}

// Mode returns the configured decision mode.
func (d *Decisioner) Mode() Mode {
	return d.mode
}

// Check produces the decision for one identity. Policy not-found and
// cancellation surface as errors; store failures degrade to the fallback
// limiter instead.
func (d *Decisioner) Check(ctx context.Context, id identity.Identity) (Decision, error) {
	start := time.Now()

	tp, err := d.policies.Tenant(ctx, id.TenantID)
	if errors.Is(err, policy.ErrNotFound) {
		return Decision{}, NewPolicyNotFoundError(id.TenantID)
	}
	if err != nil {
		return Decision{}, err
	}

	ov := d.activeOverride(ctx, id)
	if ov != nil {
		d.metrics.OverrideApplied.WithLabelValues(string(ov.Type), string(ov.Source)).Inc()
		if ov.Type == override.TypeBan {
			return d.banDecision(tp, ov), nil
		}
		tp = applyOverride(tp, ov)
	}

	gp, err := d.policies.Global(ctx)
	if errors.Is(err, policy.ErrNotFound) {
		gp = policy.DefaultGlobal()
	} else if err != nil {
		return Decision{}, err
	}

	items := buildChecklist(id, tp, gp)

	if !d.breaker.Allow() {
		return d.fallbackDecision(id, "circuit_open"), nil
	}

	checks := make([]bucket.Check, len(items))
	for i, item := range items {
		checks[i] = item.toCheck()
	}
	results, err := d.checker.CheckMany(ctx, checks)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Decision{}, err
		}
		d.breaker.RecordFailure()
		reason := "store_error"
		if errors.Is(err, bucket.ErrStoreTimeout) {
			reason = "store_timeout"
		}
		d.logger.Warn("bucket check failed, serving from fallback limiter",
			zap.String("tenant_id", id.TenantID),
			zap.Error(err))
		return d.fallbackDecision(id, reason), nil
	}
	d.breaker.RecordSuccess()

	dec := d.aggregate(items, results)
	d.observe(id, items, results, dec, time.Since(start))
	return dec, nil
}

// activeOverride fails open: a broken override store must not block
// traffic, so errors resolve to "no override".
func (d *Decisioner) activeOverride(ctx context.Context, id identity.Identity) *override.Override {
	ov, err := d.overrides.Active(ctx, id.TenantID, id.UserID, id.Endpoint)
	if err != nil {
		d.logger.Warn("override lookup failed, proceeding without override",
			zap.String("tenant_id", id.TenantID),
			zap.Error(err))
		return nil
	}
	return ov
}

func (d *Decisioner) banDecision(tp *policy.TenantPolicy, ov *override.Override) Decision {
	return Decision{
		Allowed:    false,
		State:      bucket.StateHard,
		Scope:      ScopeTenantGlobal,
		Mode:       d.mode,
		Limit:      tp.Tenant.RPM,
		Remaining:  0,
		ResetEpoch: ov.ExpiresAt.Unix(),
		RetryAfter: ov.RetryAfter(time.Now()),
	}
}

func (d *Decisioner) fallbackDecision(id identity.Identity, reason string) Decision {
	d.metrics.FallbackActivations.WithLabelValues(reason).Inc()
	res := d.fallback.Check(id.TenantID)
	dec := Decision{
		Allowed:    res.Allowed,
		State:      res.State,
		Scope:      ScopeTenantGlobal,
		Mode:       d.mode,
		Limit:      res.Limit,
		Remaining:  res.Remaining,
		ResetEpoch: res.ResetEpoch,
		RetryAfter: res.RetryAfter,
		Fallback:   true,
	}
	// Mode semantics outrank the degraded verdict; metrics still see the
	// recorded state.
	if !dec.Allowed && d.mode != ModeEnforcement {
		dec.Allowed = true
	}
	return dec
}

// aggregate picks the worst check (hard > soft > normal, ties by list
// order) and derives the response metadata from its scope.
func (d *Decisioner) aggregate(items []checkItem, results []bucket.Result) Decision {
	worst := 0
	for i := 1; i < len(results); i++ {
		if results[i].State > results[worst].State {
			worst = i
		}
	}
	item, res := items[worst], results[worst]

	dec := Decision{
		Allowed:    res.Allowed,
		State:      res.State,
		Scope:      item.scope,
		Mode:       d.mode,
		Limit:      item.policy.RPM,
		Remaining:  max(0, res.Tokens),
		ResetEpoch: bucket.ResetEpoch(res.Tokens, item.policy.Burst, item.policy.RefillRate, time.Now()),
		Checks:     make([]CheckResult, len(items)),
	}
	if res.State == bucket.StateHard {
		dec.RetryAfter = bucket.RetryAfter(res.Tokens, item.policy.Burst, item.policy.RefillRate, item.hard)
	}
	for i := range items {
		dec.Checks[i] = CheckResult{Scope: items[i].scope, Key: items[i].key, Result: results[i]}
	}
	return dec
}

func (d *Decisioner) observe(id identity.Identity, items []checkItem, results []bucket.Result, dec Decision, elapsed time.Duration) {
	d.metrics.CheckDuration.WithLabelValues(string(dec.Scope)).
		Observe(float64(elapsed) / float64(time.Millisecond))
	for i := range items {
		scope := string(items[i].scope)
		d.metrics.BucketTokens.WithLabelValues(scope, id.TenantID).
			Set(float64(results[i].Tokens))
		d.metrics.BucketUsagePct.WithLabelValues(scope, id.TenantID, id.Endpoint).
			Set(float64(results[i].UsagePct))
	}
}

// applyOverride reshapes a copy of the tenant policy; the cached snapshot
// is never mutated.
func applyOverride(tp *policy.TenantPolicy, ov *override.Override) *policy.TenantPolicy {
	cp := tp.Clone()
	switch ov.Type {
	case override.TypeMultiplier:
		scaleBucket(&cp.Tenant, ov.Multiplier)
		if cp.User != nil {
			scaleBucket(cp.User, ov.Multiplier)
		}
	case override.TypeCustomLimit:
		bp := policy.BucketPolicy{
			RPM:        ov.CustomRate,
			RPS:        float64(ov.CustomRate) / 60,
			Burst:      ov.CustomBurst,
			RefillRate: float64(ov.CustomRate) / 60,
		}
		switch {
		case ov.UserID != "" && ov.Endpoint != "":
			if cp.UserEndpoints == nil {
				cp.UserEndpoints = make(map[string]policy.BucketPolicy, 1)
			}
			cp.UserEndpoints[ov.Endpoint] = bp
		case ov.UserID != "":
			cp.User = &bp
		case ov.Endpoint != "":
			if cp.TenantEndpoints == nil {
				cp.TenantEndpoints = make(map[string]policy.BucketPolicy, 1)
			}
			cp.TenantEndpoints[ov.Endpoint] = bp
		default:
			cp.Tenant = bp
		}
	}
	return cp
}

// scaleBucket multiplies a bucket policy by m, flooring token counts to 1
// so a penalty can never zero a limit out entirely.
func scaleBucket(bp *policy.BucketPolicy, m float64) {
	bp.RPM = scaledTokens(bp.RPM, m)
	bp.Burst = scaledTokens(bp.Burst, m)
	bp.RPS *= m
	bp.RefillRate *= m
}

func scaledTokens(v int, m float64) int {
	scaled := int(math.Floor(float64(v) * m))
	if scaled < 1 {
		return 1
	}
	return scaled
}
