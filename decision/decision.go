// Package decision orchestrates the per-request rate-limit verdict: policy
// and override resolution, check-list construction, bucket dispatch,
// aggregation into a single Decision.
package decision

import (
	"github.com/flowgate/flowgate/bucket"
)

// Mode selects how decisions are acted on at the edge. Shadow and logging
// never block callers; enforcement returns 429s.
type Mode string

const (
	ModeShadow      Mode = "shadow"
	ModeLogging     Mode = "logging"
	ModeEnforcement Mode = "enforcement"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeShadow, ModeLogging, ModeEnforcement:
		return true
	}
	return false
}

// Scope names one level of the check hierarchy, most-local first.
type Scope string

const (
	ScopeUserGlobal     Scope = "user_global"
	ScopeUserEndpoint   Scope = "user_endpoint"
	ScopeTenantGlobal   Scope = "tenant_global"
	ScopeTenantEndpoint Scope = "tenant_endpoint"
	ScopeGlobalEndpoint Scope = "global_endpoint"
	ScopeGlobalSystem   Scope = "global_system"
)

// CheckResult is one scope's bucket outcome, kept on the decision for
// debugging and the check API.
type CheckResult struct {
	Scope  Scope         `json:"scope"`
	Key    string        `json:"key"`
	Result bucket.Result `json:"result"`
}

// Decision is the aggregated verdict for one request. Scope and the
// metadata fields describe the worst check; Fallback marks decisions served
// by the degraded in-process path.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	State      bucket.State  `json:"state"`
	Scope      Scope         `json:"scope"`
	Mode       Mode          `json:"mode"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetEpoch int64         `json:"reset_epoch_s"`
	RetryAfter int           `json:"retry_after_s,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Checks     []CheckResult `json:"checks,omitempty"`
}
