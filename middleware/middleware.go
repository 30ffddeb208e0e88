// Package middleware applies rate-limit decisions at the HTTP edge:
// identity extraction, decision headers, and mode-dependent blocking.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/bucket"
	"github.com/flowgate/flowgate/decision"
	"github.com/flowgate/flowgate/identity"
	"github.com/flowgate/flowgate/telemetry"
)

// Response headers owned by the limiter.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderMode      = "X-RateLimit-Mode"
	HeaderWarning   = "X-RateLimit-Warning"
	HeaderShadow    = "X-RateLimit-Shadow"
	HeaderExceeded  = "X-RateLimit-Exceeded"
	HeaderError     = "X-RateLimit-Error"
	HeaderRetry     = "Retry-After"
)

// Decider produces the rate-limit verdict for one identity.
type Decider interface {
	Check(ctx context.Context, id identity.Identity) (decision.Decision, error)
}

// Limiter wraps HTTP handlers. Decisions never surface as 5xx: errors fail
// open with a marker header, and only enforcement-mode denials block.
type Limiter struct {
	decider   Decider
	extractor *identity.Extractor
	metrics   *telemetry.Metrics
	logger    *zap.Logger
}

func New(decider Decider, extractor *identity.Extractor, metrics *telemetry.Metrics, logger *zap.Logger) *Limiter {
	if metrics == nil {
		metrics = telemetry.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		decider:   decider,
		extractor: extractor,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handler wraps next with rate limiting. Requests without a usable
// identity pass through untouched.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := l.extractor.FromRequest(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		dec, err := l.decider.Check(r.Context(), id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				l.metrics.RequestsCancelled.Inc()
				return
			}
			l.logger.Error("rate limit check failed, failing open",
				zap.String("tenant_id", id.TenantID),
				zap.String("endpoint", id.Endpoint),
				zap.Error(err))
			w.Header().Set(HeaderError, "true")
			next.ServeHTTP(w, r)
			return
		}

		l.count(id, dec)
		h := w.Header()
		h.Set(HeaderLimit, strconv.Itoa(dec.Limit))
		h.Set(HeaderRemaining, strconv.Itoa(dec.Remaining))
		h.Set(HeaderReset, strconv.FormatInt(dec.ResetEpoch, 10))
		h.Set(HeaderMode, string(dec.Mode))
		if dec.State == bucket.StateSoft && dec.Allowed {
			h.Set(HeaderWarning, "approaching limit for "+string(dec.Scope))
		}

		if dec.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		switch dec.Mode {
		case decision.ModeShadow:
			h.Set(HeaderShadow, "true")
			l.logger.Debug("shadow throttle",
				zap.String("tenant_id", id.TenantID),
				zap.String("endpoint", id.Endpoint),
				zap.String("scope", string(dec.Scope)))
			next.ServeHTTP(w, r)
		case decision.ModeLogging:
			h.Set(HeaderExceeded, "true")
			l.logger.Warn("rate limit exceeded",
				zap.String("tenant_id", id.TenantID),
				zap.String("endpoint", id.Endpoint),
				zap.String("scope", string(dec.Scope)),
				zap.Int("limit", dec.Limit))
			next.ServeHTTP(w, r)
		default:
			l.reject(w, dec)
		}
	})
}

func (l *Limiter) count(id identity.Identity, dec decision.Decision) {
	result := "allowed"
	switch dec.State {
	case bucket.StateSoft:
		result = "throttled_soft"
	case bucket.StateHard:
		result = "throttled_hard"
	}
	l.metrics.Requests.WithLabelValues(
		id.TenantID, id.Endpoint, result, dec.State.String(), string(dec.Mode)).Inc()
}

type rejectBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Reset      int64  `json:"reset"`
	RetryAfter int    `json:"retry_after"`
	Scope      string `json:"scope"`
}

func (l *Limiter) reject(w http.ResponseWriter, dec decision.Decision) {
	h := w.Header()
	if dec.RetryAfter > 0 {
		h.Set(HeaderRetry, strconv.Itoa(dec.RetryAfter))
	}
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	body := rejectBody{
		Error:      "Too Many Requests",
		Message:    "Rate limit exceeded for " + string(dec.Scope),
		Limit:      dec.Limit,
		Remaining:  dec.Remaining,
		Reset:      dec.ResetEpoch,
		RetryAfter: dec.RetryAfter,
		Scope:      string(dec.Scope),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		l.logger.Warn("writing throttle response failed", zap.Error(err))
	}
}
