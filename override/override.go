// Package override implements time-bounded policy overrides: the model, a
// Postgres-backed store with automatic expiry, and a precedence-aware cache
// in front of it.
package override

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Type selects how an override reshapes the effective policy.
type Type string

const (
	TypeBan         Type = "temporary_ban"
	TypeMultiplier  Type = "penalty_multiplier"
	TypeCustomLimit Type = "custom_limit"
)

func (t Type) valid() bool {
	switch t {
	case TypeBan, TypeMultiplier, TypeCustomLimit:
		return true
	}
	return false
}

// Source records who installed an override.
type Source string

const (
	SourceOperator Source = "manual_operator"
	SourceDetector Source = "auto_detector"
)

func (s Source) valid() bool {
	return s == SourceOperator || s == SourceDetector
}

// Override is a time-bounded modification of a tenant's effective policy.
// Empty UserID or Endpoint means tenant-wide on that axis. Every override
// carries a finite ExpiresAt; the store stops returning it past that point.
type Override struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Type        Type      `json:"override_type"`
	Multiplier  float64   `json:"penalty_multiplier,omitempty"`
	CustomRate  int       `json:"custom_rate,omitempty"`
	CustomBurst int       `json:"custom_burst,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Source      Source    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (o *Override) Validate() error {
	if o.TenantID == "" {
		return NewInvalidOverrideError("tenant_id must not be empty")
	}
	if !o.Type.valid() {
		return NewInvalidOverrideError("unknown override_type")
	}
	if !o.Source.valid() {
		return NewInvalidOverrideError("unknown source")
	}
	if o.Type == TypeMultiplier && (o.Multiplier <= 0 || o.Multiplier > 1) {
		return NewInvalidOverrideError("penalty_multiplier must be in (0, 1]")
	}
	if o.Type == TypeCustomLimit && (o.CustomRate <= 0 || o.CustomBurst <= 0) {
		return NewInvalidOverrideError("custom_limit needs positive custom_rate and custom_burst")
	}
	if o.ExpiresAt.IsZero() {
		return NewInvalidOverrideError("expires_at must be set")
	}
	return nil
}

// Specificity ranks the four override shapes, most specific highest:
// user+endpoint (3), user (2), endpoint (1), tenant-wide (0).
func (o *Override) Specificity() int {
	switch {
	case o.UserID != "" && o.Endpoint != "":
		return 3
	case o.UserID != "":
		return 2
	case o.Endpoint != "":
		return 1
	default:
		return 0
	}
}

// Matches reports whether the override's shape applies to the given user and
// endpoint. An empty axis on the override matches anything.
func (o *Override) Matches(userID, endpoint string) bool {
	if o.UserID != "" && o.UserID != userID {
		return false
	}
	if o.Endpoint != "" && o.Endpoint != endpoint {
		return false
	}
	return true
}

// RetryAfter returns whole seconds until the override expires, rounded up
// and clamped at zero. Ban denials surface this to clients.
func (o *Override) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(o.ExpiresAt.Sub(now).Seconds()))
	if secs < 0 {
		return 0
	}
	return secs
}
