// Package resilience keeps decisions flowing when the bucket store cannot:
// a circuit breaker around store calls and an in-process fallback limiter
// serving while the breaker is open.
package resilience

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/telemetry"
)

// BreakerState encodes the circuit state. The numeric values are exported
// as the circuit_breaker_state gauge: closed 0, half-open 1, open 2.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	}
	return "unknown"
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int32         // consecutive failures before tripping
	Timeout          time.Duration // how long OPEN rejects before probing
	SuccessThreshold int32         // consecutive half-open successes to close
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// Breaker is a three-state circuit breaker built on atomics; the hot path
// takes no locks.
type Breaker struct {
	config   BreakerConfig // read-only after construction
	resource string
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	state       int32 // atomic, holds a BreakerState
	failures    int32 // atomic consecutive failure count
	successes   int32 // atomic consecutive half-open success count
	nextAttempt int64 // atomic, nanoseconds since Unix epoch
}

func NewBreaker(resource string, config BreakerConfig, metrics *telemetry.Metrics, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	b := &Breaker{
		config:   config.withDefaults(),
		resource: resource,
		logger:   logger,
		metrics:  metrics,
	}
	b.metrics.BreakerState.WithLabelValues(resource).Set(float64(BreakerClosed))
	return b
}

// Allow reports whether a call may go to the store. While OPEN it rejects
// until the timeout passes; the first call after that flips to HALF_OPEN
// and goes through as the probe.
func (b *Breaker) Allow() bool {
	if BreakerState(atomic.LoadInt32(&b.state)) != BreakerOpen {
		return true
	}
	if time.Now().UnixNano() < atomic.LoadInt64(&b.nextAttempt) {
		return false
	}
	if atomic.CompareAndSwapInt32(&b.state, int32(BreakerOpen), int32(BreakerHalfOpen)) {
		atomic.StoreInt32(&b.successes, 0)
		b.transitioned(BreakerOpen, BreakerHalfOpen)
		return true
	}
	// Lost the probe race; follow whatever state won.
	return BreakerState(atomic.LoadInt32(&b.state)) != BreakerOpen
}

// RecordSuccess clears the failure streak, and while HALF_OPEN counts
// toward closing the circuit.
func (b *Breaker) RecordSuccess() {
	switch BreakerState(atomic.LoadInt32(&b.state)) {
	case BreakerHalfOpen:
		if atomic.AddInt32(&b.successes, 1) >= b.config.SuccessThreshold {
			if atomic.CompareAndSwapInt32(&b.state, int32(BreakerHalfOpen), int32(BreakerClosed)) {
				atomic.StoreInt32(&b.failures, 0)
				b.transitioned(BreakerHalfOpen, BreakerClosed)
			}
		}
	case BreakerClosed:
		atomic.StoreInt32(&b.failures, 0)
	}
}

// RecordFailure counts toward tripping while CLOSED and trips immediately
// while HALF_OPEN.
func (b *Breaker) RecordFailure() {
	switch BreakerState(atomic.LoadInt32(&b.state)) {
	case BreakerHalfOpen:
		b.trip(BreakerHalfOpen)
	case BreakerClosed:
		if atomic.AddInt32(&b.failures, 1) >= b.config.FailureThreshold {
			b.trip(BreakerClosed)
		}
	}
}

func (b *Breaker) trip(from BreakerState) {
	atomic.StoreInt64(&b.nextAttempt, time.Now().Add(b.config.Timeout).UnixNano())
	if atomic.CompareAndSwapInt32(&b.state, int32(from), int32(BreakerOpen)) {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.successes, 0)
		b.transitioned(from, BreakerOpen)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&b.state))
}

func (b *Breaker) transitioned(from, to BreakerState) {
	if to == BreakerOpen {
		b.logger.Warn("circuit breaker opened",
			zap.String("resource", b.resource),
			zap.String("from", from.String()))
	} else {
		b.logger.Info("circuit breaker state change",
			zap.String("resource", b.resource),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	b.metrics.BreakerTransitions.WithLabelValues(b.resource, from.String(), to.String()).Inc()
	b.metrics.BreakerState.WithLabelValues(b.resource).Set(float64(to))
}
