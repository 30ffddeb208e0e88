package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/bucket"
	"github.com/flowgate/flowgate/decision"
	"github.com/flowgate/flowgate/identity"
	"github.com/flowgate/flowgate/telemetry"
)

type fakeDecider struct {
	dec decision.Decision
	err error
	got []identity.Identity
}

func (f *fakeDecider) Check(ctx context.Context, id identity.Identity) (decision.Decision, error) {
	f.got = append(f.got, id)
	return f.dec, f.err
}

type spyHandler struct {
	hits int
}

func (s *spyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits++
	w.WriteHeader(http.StatusOK)
}

type fixture struct {
	limiter *Limiter
	decider *fakeDecider
	next    *spyHandler
	metrics *telemetry.Metrics
}

func newFixture(dec decision.Decision, err error) *fixture {
	f := &fixture{
		decider: &fakeDecider{dec: dec, err: err},
		next:    &spyHandler{},
		metrics: telemetry.New(nil),
	}
	f.limiter = New(f.decider, identity.NewExtractor(nil, zap.NewNop()), f.metrics, zap.NewNop())
	return f
}

func (f *fixture) serve(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.limiter.Handler(f.next).ServeHTTP(rec, r)
	return rec
}

func searchRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "http://api.test/v1/search?q=llamas", nil)
	r.Header.Set(identity.HeaderTenantID, "acme")
	r.Header.Set(identity.HeaderUserID, "alice")
	return r
}

func allowedDecision() decision.Decision {
	return decision.Decision{
		Allowed:    true,
		State:      bucket.StateNormal,
		Scope:      decision.ScopeUserGlobal,
		Mode:       decision.ModeEnforcement,
		Limit:      1000,
		Remaining:  950,
		ResetEpoch: 1700000000,
	}
}

func hardDecision(mode decision.Mode) decision.Decision {
	return decision.Decision{
		Allowed:    false,
		State:      bucket.StateHard,
		Scope:      decision.ScopeTenantGlobal,
		Mode:       mode,
		Limit:      100,
		Remaining:  0,
		ResetEpoch: 1700000060,
		RetryAfter: 7,
	}
}

func TestHandlerSetsDecisionHeaders(t *testing.T) {
	f := newFixture(allowedDecision(), nil)

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Equal(t, "1000", rec.Header().Get(HeaderLimit))
	assert.Equal(t, "950", rec.Header().Get(HeaderRemaining))
	assert.Equal(t, "1700000000", rec.Header().Get(HeaderReset))
	assert.Equal(t, "enforcement", rec.Header().Get(HeaderMode))
	assert.Empty(t, rec.Header().Get(HeaderWarning))
	assert.Empty(t, rec.Header().Get(HeaderError))

	require.Len(t, f.decider.got, 1)
	assert.Equal(t, "acme", f.decider.got[0].TenantID)
	assert.Equal(t, "alice", f.decider.got[0].UserID)
	assert.Equal(t, "/v1/search", f.decider.got[0].Endpoint)
}

func TestHandlerSoftWarning(t *testing.T) {
	dec := allowedDecision()
	dec.State = bucket.StateSoft
	dec.Scope = decision.ScopeTenantEndpoint
	f := newFixture(dec, nil)

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(HeaderWarning), "tenant_endpoint")
}

func TestHandlerEnforcementRejects(t *testing.T) {
	f := newFixture(hardDecision(decision.ModeEnforcement), nil)

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Zero(t, f.next.hits)
	assert.Equal(t, "7", rec.Header().Get(HeaderRetry))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "100", rec.Header().Get(HeaderLimit))

	var body rejectBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, "Rate limit exceeded for tenant_global", body.Message)
	assert.Equal(t, 100, body.Limit)
	assert.Zero(t, body.Remaining)
	assert.Equal(t, int64(1700000060), body.Reset)
	assert.Equal(t, 7, body.RetryAfter)
	assert.Equal(t, "tenant_global", body.Scope)
}

func TestHandlerShadowPassesThrough(t *testing.T) {
	f := newFixture(hardDecision(decision.ModeShadow), nil)

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Equal(t, "true", rec.Header().Get(HeaderShadow))
	assert.Empty(t, rec.Header().Get(HeaderRetry))
}

func TestHandlerLoggingPassesThrough(t *testing.T) {
	f := newFixture(hardDecision(decision.ModeLogging), nil)

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Equal(t, "true", rec.Header().Get(HeaderExceeded))
}

func TestHandlerFailsOpenOnError(t *testing.T) {
	f := newFixture(decision.Decision{}, errors.New("policy store down"))

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Equal(t, "true", rec.Header().Get(HeaderError))
	assert.Empty(t, rec.Header().Get(HeaderLimit))
}

func TestHandlerFailsOpenOnUnknownTenant(t *testing.T) {
	f := newFixture(decision.Decision{}, decision.NewPolicyNotFoundError("ghost"))

	rec := f.serve(searchRequest())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Equal(t, "true", rec.Header().Get(HeaderError))
}

func TestHandlerAbandonsCancelledRequests(t *testing.T) {
	f := newFixture(decision.Decision{}, context.Canceled)

	rec := f.serve(searchRequest())

	assert.Zero(t, f.next.hits)
	assert.Empty(t, rec.Header().Get(HeaderError))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RequestsCancelled))
}

func TestHandlerSkipsRootPath(t *testing.T) {
	f := newFixture(allowedDecision(), nil)
	r := httptest.NewRequest(http.MethodGet, "http://api.test/", nil)
	r.Header.Set(identity.HeaderTenantID, "acme")

	rec := f.serve(r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.next.hits)
	assert.Empty(t, f.decider.got)
	assert.Empty(t, rec.Header().Get(HeaderLimit))
}

func TestHandlerCountsByResult(t *testing.T) {
	cases := []struct {
		name   string
		dec    decision.Decision
		result string
		state  string
		mode   string
	}{
		{"allowed", allowedDecision(), "allowed", "normal", "enforcement"},
		{"soft", func() decision.Decision {
			d := allowedDecision()
			d.State = bucket.StateSoft
			return d
		}(), "throttled_soft", "soft", "enforcement"},
		{"hard", hardDecision(decision.ModeLogging), "throttled_hard", "hard", "logging"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.dec, nil)
			f.serve(searchRequest())

			got := testutil.ToFloat64(f.metrics.Requests.WithLabelValues(
				"acme", "/v1/search", tc.result, tc.state, tc.mode))
			assert.Equal(t, 1.0, got)
		})
	}
}
