package identity

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestFromRequestVerifiedToken(t *testing.T) {
	secret := []byte("s3cret")
	e := NewExtractor(secret, nil)

	token := signedToken(t, secret, jwt.MapClaims{"tenant_id": "acme", "user_id": "alice"})
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "/api/search", id.Endpoint)
	assert.Equal(t, TokenVerified, id.Token)
}

func TestFromRequestDecodedToken(t *testing.T) {
	e := NewExtractor([]byte("right-secret"), nil)

	token := signedToken(t, []byte("wrong-secret"), jwt.MapClaims{"tenantId": "acme", "sub": "alice"})
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID, "camelCase claim key is accepted")
	assert.Equal(t, "alice", id.UserID, "sub stands in for a missing user claim")
	assert.Equal(t, TokenDecoded, id.Token)
}

func TestFromRequestUnverifiedWithoutSecret(t *testing.T) {
	e := NewExtractor(nil, nil)

	token := signedToken(t, []byte("whatever"), jwt.MapClaims{"tenant_id": "acme"})
	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, DefaultUser, id.UserID)
	assert.Equal(t, TokenDecoded, id.Token)
}

func TestFromRequestAPIKey(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set(HeaderAPIKey, "acme.alice.supersecret")

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, TokenNone, id.Token)
}

func TestFromRequestMalformedAPIKeyFallsThrough(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set(HeaderAPIKey, "justonepart")
	r.Header.Set(HeaderTenantID, "globex")

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "globex", id.TenantID)
	assert.Equal(t, DefaultUser, id.UserID)
}

func TestFromRequestTenantHeaders(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set(HeaderTenantID, "acme")
	r.Header.Set(HeaderUserID, "bob")

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, "bob", id.UserID)
}

func TestFromRequestRejectsUnsafeTenantHeader(t *testing.T) {
	e := NewExtractor(nil, nil)

	for _, tenant := range []string{
		"{acme}",
		"acme corp",
		"acmé",
		"tenant\x00",
		strings.Repeat("a", 65),
	} {
		r := httptest.NewRequest("GET", "/api/search", nil)
		r.Header.Set(HeaderTenantID, tenant)

		id, ok := e.FromRequest(r)
		require.True(t, ok)
		assert.Equal(t, AnonymousTenant, id.TenantID, "tenant %q should not reach bucket keys", tenant)
	}
}

func TestFromRequestUnsafeUserDowngradesToDefault(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set(HeaderTenantID, "acme")
	r.Header.Set(HeaderUserID, "alice smith")

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "acme", id.TenantID)
	assert.Equal(t, DefaultUser, id.UserID)
}

func TestFromRequestUnsafeAPIKeySegmentFallsThrough(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	r.Header.Set(HeaderAPIKey, "{acme}.alice.secret")
	r.Header.Set(HeaderTenantID, "globex")

	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, "globex", id.TenantID)
}

func TestCleanIdent(t *testing.T) {
	assert.Equal(t, "acme-corp", cleanIdent("acme-corp"))
	assert.Equal(t, "svc:eu.west@2+", cleanIdent("svc:eu.west@2+"))
	assert.Equal(t, strings.Repeat("a", 64), cleanIdent(strings.Repeat("a", 64)))
	assert.Equal(t, "", cleanIdent(""))
	assert.Equal(t, "", cleanIdent(strings.Repeat("a", 65)))
	assert.Equal(t, "", cleanIdent("a b"))
	assert.Equal(t, "", cleanIdent("naïve"))
	assert.Equal(t, "", cleanIdent("{x}"))
}

func TestFromRequestAnonymousFallback(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/api/search", nil)
	id, ok := e.FromRequest(r)
	require.True(t, ok)
	assert.Equal(t, AnonymousTenant, id.TenantID)
	assert.Equal(t, "ip_192_0_2_1", id.UserID)
	assert.Equal(t, "192.0.2.1", id.IP)
}

func TestFromRequestSourceOrder(t *testing.T) {
	secret := []byte("s3cret")
	e := NewExtractor(secret, nil)

	t.Run("token beats api key and headers", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/search", nil)
		r.Header.Set("Authorization", "Bearer "+signedToken(t, secret, jwt.MapClaims{"tenant_id": "token-tenant"}))
		r.Header.Set(HeaderAPIKey, "key-tenant.alice.secret")
		r.Header.Set(HeaderTenantID, "header-tenant")

		id, ok := e.FromRequest(r)
		require.True(t, ok)
		assert.Equal(t, "token-tenant", id.TenantID)
	})

	t.Run("garbage token falls through to api key", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/search", nil)
		r.Header.Set("Authorization", "Bearer not-a-jwt")
		r.Header.Set(HeaderAPIKey, "key-tenant.alice.secret")

		id, ok := e.FromRequest(r)
		require.True(t, ok)
		assert.Equal(t, "key-tenant", id.TenantID)
		assert.Equal(t, "alice", id.UserID)
		assert.Equal(t, TokenNone, id.Token)
	})
}

func TestClientIPSources(t *testing.T) {
	e := NewExtractor(nil, nil)

	t.Run("first forwarded hop wins", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/search", nil)
		r.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.1")

		id, ok := e.FromRequest(r)
		require.True(t, ok)
		assert.Equal(t, "10.0.0.7", id.IP)
		assert.Equal(t, "ip_10_0_0_7", id.UserID)
	})

	t.Run("real ip beats remote addr", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/search", nil)
		r.Header.Set("X-Real-IP", "10.0.0.9")

		id, ok := e.FromRequest(r)
		require.True(t, ok)
		assert.Equal(t, "10.0.0.9", id.IP)
	})
}

func TestFromRequestNoEndpoint(t *testing.T) {
	e := NewExtractor(nil, nil)

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(HeaderTenantID, "acme")

	_, ok := e.FromRequest(r)
	assert.False(t, ok)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/api/search", "/api/search"},
		{"/api/search?q=1&page=2", "/api/search"},
		{"/api/search/", "/api/search"},
		{"/api/search///", "/api/search"},
		{"/api/v2/items.json", "/api/v2/items_json"},
		{"/api/user@home", "/api/user_home"},
		{"/api/a_b-c/d", "/api/a_b-c/d"},
		{"/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeEndpoint(tt.in), "path %q", tt.in)
	}
}

func TestSanitizeIP(t *testing.T) {
	assert.Equal(t, "10_0_0_1", sanitizeIP("10.0.0.1"))
	assert.Equal(t, "__1", sanitizeIP("::1"))
	assert.Equal(t, "2001_db8__7", sanitizeIP("2001:db8::7"))
}

func TestTokenStatusString(t *testing.T) {
	assert.Equal(t, "none", TokenNone.String())
	assert.Equal(t, "decoded", TokenDecoded.String())
	assert.Equal(t, "verified", TokenVerified.String())
}
