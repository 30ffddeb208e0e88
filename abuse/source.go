// Package abuse flags tenants whose recent traffic is mostly throttled and
// writes them temporary penalty overrides.
package abuse

import (
	"context"
	"fmt"
	"math"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// TenantRatio is one tenant's throttled share of recent traffic, 0..1.
type TenantRatio struct {
	TenantID string
	Ratio    float64
}

// RatioSource reports per-tenant throttle ratios over a trailing window.
type RatioSource interface {
	Ratios(ctx context.Context, window time.Duration) ([]TenantRatio, error)
}

// PromSource computes ratios from the Prometheus server that scrapes this
// service, dividing throttled request increase by total increase.
type PromSource struct {
	api promv1.API
}

func NewPromSource(baseURL string) (*PromSource, error) {
	client, err := promapi.NewClient(promapi.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("abuse: prometheus client for '%s': %w", baseURL, err)
	}
	return &PromSource{api: promv1.NewAPI(client)}, nil
}

const ratioQuery = `sum by (tenant_id) (increase(requests_total{result=~"throttled_soft|throttled_hard"}[%s]))` +
	` / sum by (tenant_id) (increase(requests_total[%s]))`

func (s *PromSource) Ratios(ctx context.Context, window time.Duration) ([]TenantRatio, error) {
	rng := model.Duration(window).String()
	val, _, err := s.api.Query(ctx, fmt.Sprintf(ratioQuery, rng, rng), time.Now())
	if err != nil {
		return nil, fmt.Errorf("abuse: ratio query: %w", err)
	}
	vec, ok := val.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("abuse: unexpected query result type %s", val.Type())
	}

	out := make([]TenantRatio, 0, len(vec))
	for _, sample := range vec {
		// Tenants with no traffic in the window divide by zero.
		ratio := float64(sample.Value)
		if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			continue
		}
		tenant := string(sample.Metric["tenant_id"])
		if tenant == "" {
			continue
		}
		out = append(out, TenantRatio{TenantID: tenant, Ratio: ratio})
	}
	return out, nil
}
