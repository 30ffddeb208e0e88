package bucket

import (
	"math"
	"time"
)

// TTLFactor sizes bucket key expiration relative to the time a full refill
// takes. Keys for churned identities drop out of the store on their own.
const TTLFactor = 5

// Check carries the per-call parameters for one bucket evaluation.
type Check struct {
	Key        string
	Capacity   int
	RefillRate float64 // tokens per second
	SoftPct    float64
	HardPct    float64
	TTL        time.Duration
}

func (c Check) Validate() error {
	if c.Key == "" {
		return ErrEmptyKey
	}
	if c.Capacity <= 0 {
		return NewInvalidCheckError(c.Key, "capacity must be positive")
	}
	if c.RefillRate <= 0 {
		return NewInvalidCheckError(c.Key, "refill rate must be positive")
	}
	if c.HardPct <= 0 {
		return NewInvalidCheckError(c.Key, "hard threshold must be positive")
	}
	if c.SoftPct < 0 {
		return NewInvalidCheckError(c.Key, "soft threshold must not be negative")
	}
	return nil
}

// withTTL fills a zero TTL from capacity and refill rate.
func (c Check) withTTL() Check {
	if c.TTL <= 0 {
		c.TTL = CalcExpiration(c.Capacity, c.RefillRate)
	}
	return c
}

// CalcExpiration returns the key TTL for a bucket of the given size and
// refill rate, with a minimum of one second.
func CalcExpiration(capacity int, rate float64) time.Duration {
	expirationSeconds := (float64(capacity) / rate) * TTLFactor
	if expirationSeconds < 1 {
		expirationSeconds = 1
	}
	return time.Duration(expirationSeconds) * time.Second
}

// ResetEpoch returns the epoch second at which a bucket holding tokens
// refills back to capacity, assuming no further consumption. Rounds up.
func ResetEpoch(tokens, capacity int, refillRate float64, now time.Time) int64 {
	if refillRate <= 0 || tokens >= capacity {
		return now.Unix()
	}
	secs := math.Ceil(float64(capacity-tokens) / refillRate)
	return now.Unix() + int64(secs)
}

// RetryAfter returns the seconds until a denied call could be admitted
// again: the time for the refill to open up room for one consumption below
// the hard ceiling. Returns 0 when the bucket is already below it.
func RetryAfter(tokens, capacity int, refillRate, hardPct float64) int {
	if refillRate <= 0 {
		return 0
	}
	maxAllowed := float64(capacity) * hardPct / 100
	consumed := float64(capacity - tokens)
	need := consumed + 1 - maxAllowed
	if need <= 0 {
		return 0
	}
	return int(math.Ceil(need / refillRate))
}
