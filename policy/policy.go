// Package policy defines the rate-limit policy model and its Postgres-backed
// store and cache.
package policy

import "fmt"

// BucketPolicy is the semantic quadruple behind one token bucket. RefillRate
// and RPS derive from RPM when the stored document omits them.
type BucketPolicy struct {
	RPM        int     `json:"rpm"`
	RPS        float64 `json:"rps,omitempty"`
	Burst      int     `json:"burst_capacity"`
	RefillRate float64 `json:"refill_rate_per_sec,omitempty"`
}

func (p *BucketPolicy) Normalize() {
	if p.RefillRate == 0 {
		p.RefillRate = float64(p.RPM) / 60
	}
	if p.RPS == 0 {
		p.RPS = float64(p.RPM) / 60
	}
}

func (p BucketPolicy) Validate() error {
	if p.RPM <= 0 {
		return NewInvalidPolicyError("rpm must be positive")
	}
	if p.RPS <= 0 {
		return NewInvalidPolicyError("rps must be positive")
	}
	if p.Burst <= 0 {
		return NewInvalidPolicyError("burst_capacity must be positive")
	}
	if p.RefillRate <= 0 {
		return NewInvalidPolicyError("refill_rate_per_sec must be positive")
	}
	if float64(p.Burst) < float64(p.RPM)/60 {
		return NewInvalidPolicyError("burst_capacity must hold at least one second of traffic")
	}
	return nil
}

// ThrottleConfig sets the usage thresholds for a tenant's checks. A zero
// SoftPct means no soft zone: soft is treated as equal to hard.
type ThrottleConfig struct {
	SoftPct float64 `json:"soft_threshold_pct,omitempty"`
	HardPct float64 `json:"hard_threshold_pct"`
}

func (t ThrottleConfig) Validate() error {
	if t.HardPct <= 0 || t.HardPct > 200 {
		return NewInvalidPolicyError("hard_threshold_pct must be in (0, 200]")
	}
	if t.SoftPct < 0 || t.SoftPct > 200 {
		return NewInvalidPolicyError("soft_threshold_pct must be in [0, 200]")
	}
	if t.SoftPct > 0 && t.HardPct <= t.SoftPct {
		return NewInvalidPolicyError("hard_threshold_pct must exceed soft_threshold_pct")
	}
	return nil
}

// EffectiveSoft returns the soft threshold to evaluate with.
func (t ThrottleConfig) EffectiveSoft() float64 {
	if t.SoftPct == 0 {
		return t.HardPct
	}
	return t.SoftPct
}

// TenantPolicy is the per-tenant policy document. User is optional; Tenant
// is required. The endpoint maps key normalised endpoint strings.
type TenantPolicy struct {
	TenantID        string                  `json:"tenant_id"`
	User            *BucketPolicy           `json:"user,omitempty"`
	Tenant          BucketPolicy            `json:"tenant"`
	UserEndpoints   map[string]BucketPolicy `json:"user_endpoints,omitempty"`
	TenantEndpoints map[string]BucketPolicy `json:"tenant_endpoints,omitempty"`
	Throttle        ThrottleConfig          `json:"throttle_config"`
}

func (p *TenantPolicy) Normalize() {
	if p.User != nil {
		p.User.Normalize()
	}
	p.Tenant.Normalize()
	for k, bp := range p.UserEndpoints {
		bp.Normalize()
		p.UserEndpoints[k] = bp
	}
	for k, bp := range p.TenantEndpoints {
		bp.Normalize()
		p.TenantEndpoints[k] = bp
	}
}

func (p *TenantPolicy) Validate() error {
	if p.TenantID == "" {
		return NewInvalidPolicyError("tenant_id must not be empty")
	}
	if err := p.Tenant.Validate(); err != nil {
		return fmt.Errorf("tenant policy: %w", err)
	}
	if p.User != nil {
		if err := p.User.Validate(); err != nil {
			return fmt.Errorf("user policy: %w", err)
		}
	}
	for ep, bp := range p.UserEndpoints {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("user endpoint %q: %w", ep, err)
		}
	}
	for ep, bp := range p.TenantEndpoints {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("tenant endpoint %q: %w", ep, err)
		}
	}
	if err := p.Throttle.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone deep-copies the policy so callers can transform it without touching
// the cached snapshot.
func (p *TenantPolicy) Clone() *TenantPolicy {
	cp := *p
	if p.User != nil {
		u := *p.User
		cp.User = &u
	}
	if p.UserEndpoints != nil {
		cp.UserEndpoints = make(map[string]BucketPolicy, len(p.UserEndpoints))
		for k, v := range p.UserEndpoints {
			cp.UserEndpoints[k] = v
		}
	}
	if p.TenantEndpoints != nil {
		cp.TenantEndpoints = make(map[string]BucketPolicy, len(p.TenantEndpoints))
		for k, v := range p.TenantEndpoints {
			cp.TenantEndpoints[k] = v
		}
	}
	return &cp
}

// GlobalPolicy is the singleton system-wide policy document.
type GlobalPolicy struct {
	System    BucketPolicy            `json:"system"`
	Endpoints map[string]BucketPolicy `json:"endpoints,omitempty"`
}

func (p *GlobalPolicy) Normalize() {
	p.System.Normalize()
	for k, bp := range p.Endpoints {
		bp.Normalize()
		p.Endpoints[k] = bp
	}
}

func (p *GlobalPolicy) Validate() error {
	if err := p.System.Validate(); err != nil {
		return fmt.Errorf("system policy: %w", err)
	}
	for ep, bp := range p.Endpoints {
		if err := bp.Validate(); err != nil {
			return fmt.Errorf("global endpoint %q: %w", ep, err)
		}
	}
	return nil
}

// DefaultGlobal is the permissive stand-in used when no global policy has
// been provisioned. Large enough that single-tenant traffic never trips it.
func DefaultGlobal() *GlobalPolicy {
	g := &GlobalPolicy{
		System: BucketPolicy{
			RPM:   6_000_000,
			Burst: 200_000,
		},
	}
	g.Normalize()
	return g
}
