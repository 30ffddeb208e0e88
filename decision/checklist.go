package decision

import (
	"github.com/flowgate/flowgate/bucket"
	"github.com/flowgate/flowgate/identity"
	"github.com/flowgate/flowgate/internal/builderpool"
	"github.com/flowgate/flowgate/policy"
)

// Global checks run with fixed thresholds: the system and shared endpoint
// buckets tolerate 10% debt before hard-denying.
const (
	globalSoftPct = 100.0
	globalHardPct = 110.0
)

const globalSystemKey = "global:bucket"

// Tenant-scoped keys carry a {tenant:T} hash tag so one tenant's buckets
// collocate on a single partition and batch together. Global keys bear no
// tag and route individually.

func userGlobalKey(tenantID, userID string) string {
	sb := builderpool.Get()
	sb.WriteString("{tenant:")
	sb.WriteString(tenantID)
	sb.WriteString("}:user:")
	sb.WriteString(userID)
	sb.WriteString(":bucket")
	return builderpool.Release(sb)
}

func userEndpointKey(tenantID, userID, endpoint string) string {
	sb := builderpool.Get()
	sb.WriteString("{tenant:")
	sb.WriteString(tenantID)
	sb.WriteString("}:user:")
	sb.WriteString(userID)
	sb.WriteString(":endpoint:")
	sb.WriteString(endpoint)
	sb.WriteString(":bucket")
	return builderpool.Release(sb)
}

func tenantGlobalKey(tenantID string) string {
	sb := builderpool.Get()
	sb.WriteString("{tenant:")
	sb.WriteString(tenantID)
	sb.WriteString("}:bucket")
	return builderpool.Release(sb)
}

func tenantEndpointKey(tenantID, endpoint string) string {
	sb := builderpool.Get()
	sb.WriteString("{tenant:")
	sb.WriteString(tenantID)
	sb.WriteString("}:endpoint:")
	sb.WriteString(endpoint)
	sb.WriteString(":bucket")
	return builderpool.Release(sb)
}

func globalEndpointKey(endpoint string) string {
	sb := builderpool.Get()
	sb.WriteString("global:endpoint:")
	sb.WriteString(endpoint)
	sb.WriteString(":bucket")
	return builderpool.Release(sb)
}

// checkItem carries everything one scope's bucket evaluation needs plus
// what the aggregator reports from it.
type checkItem struct {
	scope  Scope
	key    string
	policy policy.BucketPolicy
	soft   float64
	hard   float64
}

func (c checkItem) toCheck() bucket.Check {
	return bucket.Check{
		Key:        c.key,
		Capacity:   c.policy.Burst,
		RefillRate: c.policy.RefillRate,
		SoftPct:    c.soft,
		HardPct:    c.hard,
	}
}

// buildChecklist assembles the ordered scope checks for an identity,
// most-local first, skipping scopes without a configured policy. The two
// tenant-required scopes (tenant_global, global_system) are always present.
func buildChecklist(id identity.Identity, tp *policy.TenantPolicy, gp *policy.GlobalPolicy) []checkItem {
	soft := tp.Throttle.EffectiveSoft()
	hard := tp.Throttle.HardPct

	items := make([]checkItem, 0, 6)
	if tp.User != nil {
		items = append(items, checkItem{
			scope:  ScopeUserGlobal,
			key:    userGlobalKey(id.TenantID, id.UserID),
			policy: *tp.User,
			soft:   soft,
			hard:   hard,
		})
	}
	if bp, ok := tp.UserEndpoints[id.Endpoint]; ok {
		items = append(items, checkItem{
			scope:  ScopeUserEndpoint,
			key:    userEndpointKey(id.TenantID, id.UserID, id.Endpoint),
			policy: bp,
			soft:   soft,
			hard:   hard,
		})
	}
	items = append(items, checkItem{
		scope:  ScopeTenantGlobal,
		key:    tenantGlobalKey(id.TenantID),
		policy: tp.Tenant,
		soft:   soft,
		hard:   hard,
	})
	if bp, ok := tp.TenantEndpoints[id.Endpoint]; ok {
		items = append(items, checkItem{
			scope:  ScopeTenantEndpoint,
			key:    tenantEndpointKey(id.TenantID, id.Endpoint),
			policy: bp,
			soft:   soft,
			hard:   hard,
		})
	}
	if bp, ok := gp.Endpoints[id.Endpoint]; ok {
		items = append(items, checkItem{
			scope:  ScopeGlobalEndpoint,
			key:    globalEndpointKey(id.Endpoint),
			policy: bp,
			soft:   globalSoftPct,
			hard:   globalHardPct,
		})
	}
	items = append(items, checkItem{
		scope:  ScopeGlobalSystem,
		key:    globalSystemKey,
		policy: gp.System,
		soft:   globalSoftPct,
		hard:   globalHardPct,
	})
	return items
}
