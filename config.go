package flowgate

import (
	"fmt"
	"time"

	"github.com/flowgate/flowgate/abuse"
	"github.com/flowgate/flowgate/decision"
)

// Config is the full service configuration. The zero value plus
// withDefaults yields a working shadow-mode service pointed at local
// stores; cmd/flowgate parses the same shape from YAML.
type Config struct {
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Redis         RedisConfig         `yaml:"redis"`
	Postgres      PostgresConfig      `yaml:"postgres"`
	Store         StoreConfig         `yaml:"store"`
	Breaker       BreakerConfig       `yaml:"circuit_breaker"`
	Fallback      FallbackConfig      `yaml:"fallback"`
	PolicyCache   PolicyCacheConfig   `yaml:"policy_cache"`
	OverrideCache OverrideCacheConfig `yaml:"override_cache"`
	Abuse         AbuseConfig         `yaml:"abuse"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Identity      IdentityConfig      `yaml:"identity"`
	Health        HealthConfig        `yaml:"health"`
	Server        ServerConfig        `yaml:"server"`
}

type RateLimitConfig struct {
	Mode decision.Mode `yaml:"mode"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	MaxConns   int32  `yaml:"max_conns"`
	MinConns   int32  `yaml:"min_conns"`
}

type StoreConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutMS        int `yaml:"timeout_ms"`
	SuccessThreshold int `yaml:"success_threshold"`
}

type FallbackConfig struct {
	RPM int `yaml:"rpm"`
	// Recognized for config compatibility; the sliding-window fallback
	// admits on count alone.
	BurstCapacity int `yaml:"burst_capacity"`
}

type PolicyCacheConfig struct {
	TTLMS             int `yaml:"ttl_ms"`
	MaxSize           int `yaml:"max_size"`
	RefreshIntervalMS int `yaml:"refresh_interval_ms"`
}

type OverrideCacheConfig struct {
	TTLMS   int `yaml:"ttl_ms"`
	MaxSize int `yaml:"max_size"`
}

type AbuseConfig struct {
	// Enabled is the detector kill switch; unset means on.
	Enabled           *bool   `yaml:"enabled"`
	CheckIntervalMS   int     `yaml:"check_interval_ms"`
	ThrottleThreshold float64 `yaml:"throttle_threshold"`
	WindowMinutes     int     `yaml:"window_minutes"`
	PenaltyDurationMS int     `yaml:"penalty_duration_ms"`
	PenaltyType       string  `yaml:"penalty_type"`
	PenaltyMultiplier float64 `yaml:"penalty_multiplier"`
	CustomRate        int     `yaml:"custom_rate"`
	CustomBurst       int     `yaml:"custom_burst"`
}

type TelemetryConfig struct {
	PrometheusURL string `yaml:"prometheus_url"`
}

type IdentityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type HealthConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

func (c Config) withDefaults() Config {
	if c.RateLimit.Mode == "" {
		c.RateLimit.Mode = decision.ModeShadow
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Store.TimeoutMS <= 0 {
		c.Store.TimeoutMS = 100
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.TimeoutMS <= 0 {
		c.Breaker.TimeoutMS = 60000
	}
	if c.Breaker.SuccessThreshold <= 0 {
		c.Breaker.SuccessThreshold = 2
	}
	if c.Fallback.RPM <= 0 {
		c.Fallback.RPM = 60
	}
	if c.Fallback.BurstCapacity <= 0 {
		c.Fallback.BurstCapacity = 10
	}
	if c.PolicyCache.TTLMS <= 0 {
		c.PolicyCache.TTLMS = 60000
	}
	if c.PolicyCache.MaxSize <= 0 {
		c.PolicyCache.MaxSize = 10000
	}
	if c.PolicyCache.RefreshIntervalMS <= 0 {
		c.PolicyCache.RefreshIntervalMS = 30000
	}
	if c.OverrideCache.TTLMS <= 0 {
		c.OverrideCache.TTLMS = 30000
	}
	if c.OverrideCache.MaxSize <= 0 {
		c.OverrideCache.MaxSize = 10000
	}
	if c.Abuse.Enabled == nil {
		on := true
		c.Abuse.Enabled = &on
	}
	if c.Abuse.CheckIntervalMS <= 0 {
		c.Abuse.CheckIntervalMS = 60000
	}
	if c.Abuse.ThrottleThreshold <= 0 {
		c.Abuse.ThrottleThreshold = 0.8
	}
	if c.Abuse.WindowMinutes <= 0 {
		c.Abuse.WindowMinutes = 5
	}
	if c.Abuse.PenaltyDurationMS <= 0 {
		c.Abuse.PenaltyDurationMS = 300000
	}
	if c.Abuse.PenaltyType == "" {
		c.Abuse.PenaltyType = string(abuse.PenaltyAdaptive)
	}
	if c.Abuse.PenaltyMultiplier <= 0 {
		c.Abuse.PenaltyMultiplier = 0.1
	}
	if c.Abuse.CustomRate <= 0 {
		c.Abuse.CustomRate = abuse.DefaultCustomRate
	}
	if c.Abuse.CustomBurst <= 0 {
		c.Abuse.CustomBurst = abuse.DefaultCustomBurst
	}
	if c.Health.IntervalMS <= 0 {
		c.Health.IntervalMS = 15000
	}
	if c.Health.TimeoutMS <= 0 {
		c.Health.TimeoutMS = 2000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	return c
}

// Validate checks ranges after defaults have been applied. Connection
// details are checked at Start, where injected stores can stand in.
func (c Config) Validate() error {
	if !c.RateLimit.Mode.Valid() {
		return fmt.Errorf("rate_limit.mode must be shadow, logging or enforcement, got '%s'", c.RateLimit.Mode)
	}
	if c.Abuse.ThrottleThreshold > 1 {
		return fmt.Errorf("abuse.throttle_threshold must be in (0,1], got %g", c.Abuse.ThrottleThreshold)
	}
	if c.Abuse.PenaltyMultiplier > 1 {
		return fmt.Errorf("abuse.penalty_multiplier must be in (0,1], got %g", c.Abuse.PenaltyMultiplier)
	}
	switch abuse.PenaltyType(c.Abuse.PenaltyType) {
	case abuse.PenaltyAdaptive, abuse.PenaltyFixed:
	default:
		return fmt.Errorf("abuse.penalty_type must be adaptive or fixed, got '%s'", c.Abuse.PenaltyType)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
