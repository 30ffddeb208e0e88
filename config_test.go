package flowgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/decision"
)

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()

	assert.Equal(t, decision.ModeShadow, c.RateLimit.Mode)
	assert.Equal(t, "localhost:6379", c.Redis.Addr)
	assert.Equal(t, 100, c.Store.TimeoutMS)

	assert.Equal(t, 5, c.Breaker.FailureThreshold)
	assert.Equal(t, 60000, c.Breaker.TimeoutMS)
	assert.Equal(t, 2, c.Breaker.SuccessThreshold)

	assert.Equal(t, 60, c.Fallback.RPM)
	assert.Equal(t, 10, c.Fallback.BurstCapacity)

	assert.Equal(t, 60000, c.PolicyCache.TTLMS)
	assert.Equal(t, 10000, c.PolicyCache.MaxSize)
	assert.Equal(t, 30000, c.PolicyCache.RefreshIntervalMS)

	assert.Equal(t, 30000, c.OverrideCache.TTLMS)
	assert.Equal(t, 10000, c.OverrideCache.MaxSize)

	require.NotNil(t, c.Abuse.Enabled)
	assert.True(t, *c.Abuse.Enabled)
	assert.Equal(t, 60000, c.Abuse.CheckIntervalMS)
	assert.Equal(t, 0.8, c.Abuse.ThrottleThreshold)
	assert.Equal(t, 5, c.Abuse.WindowMinutes)
	assert.Equal(t, 300000, c.Abuse.PenaltyDurationMS)
	assert.Equal(t, "adaptive", c.Abuse.PenaltyType)
	assert.Equal(t, 0.1, c.Abuse.PenaltyMultiplier)

	assert.Equal(t, ":8080", c.Server.Addr)
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	off := false
	c := Config{
		RateLimit: RateLimitConfig{Mode: decision.ModeEnforcement},
		Store:     StoreConfig{TimeoutMS: 250},
		Abuse:     AbuseConfig{Enabled: &off},
	}.withDefaults()

	assert.Equal(t, decision.ModeEnforcement, c.RateLimit.Mode)
	assert.Equal(t, 250, c.Store.TimeoutMS)
	assert.False(t, *c.Abuse.Enabled)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.RateLimit.Mode = "observing" }, "rate_limit.mode"},
		{"threshold above one", func(c *Config) { c.Abuse.ThrottleThreshold = 1.5 }, "throttle_threshold"},
		{"multiplier above one", func(c *Config) { c.Abuse.PenaltyMultiplier = 2 }, "penalty_multiplier"},
		{"unknown penalty type", func(c *Config) { c.Abuse.PenaltyType = "harsh" }, "penalty_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Config{}.withDefaults()
			tc.mutate(&c)
			err := c.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestMsConversion(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, ms(100))
	assert.Equal(t, time.Minute, ms(60000))
}
