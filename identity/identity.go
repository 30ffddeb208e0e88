// Package identity resolves the (tenant, user, endpoint) triple a request
// is limited under, from ordered credential sources with an IP-derived
// anonymous fallback.
package identity

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/builderpool"
)

const (
	HeaderAPIKey   = "X-API-Key"
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"

	AnonymousTenant = "anonymous"
	DefaultUser     = "default"
)

// Identity is what a request resolves to for rate limiting.
type Identity struct {
	TenantID string
	UserID   string
	Endpoint string
	IP       string
	Token    TokenStatus
}

// Extractor pulls identities out of HTTP requests. The secret, when set,
// verifies bearer tokens; without it (or on verification failure) tokens
// are decoded unverified.
type Extractor struct {
	secret []byte
	logger *zap.Logger
}

func NewExtractor(secret []byte, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{secret: secret, logger: logger}
}

// FromRequest resolves an identity, trying bearer claims, API key, then
// explicit headers, and falling back to an anonymous per-IP identity.
// Tenant and user values that cannot embed safely in bucket keys count as
// absent. ok is false when the request cannot be attributed at all, which
// callers treat as a limit-check skip.
func (e *Extractor) FromRequest(r *http.Request) (Identity, bool) {
	endpoint := NormalizeEndpoint(r.URL.Path)
	if endpoint == "" {
		return Identity{}, false
	}
	ip := clientIP(r)

	tenant, user, status := e.fromBearer(r)
	if tenant == "" {
		tenant, user = fromAPIKey(r)
	}
	if tenant == "" {
		tenant, user = fromHeaders(r)
	}
	if tenant == "" {
		if ip == "" {
			return Identity{}, false
		}
		tenant = AnonymousTenant
		user = "ip_" + sanitizeIP(ip)
	}
	if user == "" {
		user = DefaultUser
	}

	return Identity{
		TenantID: tenant,
		UserID:   user,
		Endpoint: endpoint,
		IP:       ip,
		Token:    status,
	}, true
}

func (e *Extractor) fromBearer(r *http.Request) (tenant, user string, status TokenStatus) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", TokenNone
	}
	claims, status := e.parseToken(strings.TrimSpace(auth[len(prefix):]))
	if claims == nil {
		return "", "", status
	}
	tenant = cleanIdent(claimString(claims, "tenant_id", "tenantId"))
	user = cleanIdent(claimString(claims, "user_id", "userId", "sub"))
	if status == TokenDecoded {
		e.logger.Debug("bearer token decoded without verification",
			zap.String("tenant_id", tenant))
	}
	return tenant, user, status
}

// fromAPIKey reads keys of the form tenant.user.secret.
func fromAPIKey(r *http.Request) (string, string) {
	key := r.Header.Get(HeaderAPIKey)
	if key == "" {
		return "", ""
	}
	parts := strings.Split(key, ".")
	if len(parts) < 3 {
		return "", ""
	}
	tenant, user := cleanIdent(parts[0]), cleanIdent(parts[1])
	if tenant == "" || user == "" {
		return "", ""
	}
	return tenant, user
}

func fromHeaders(r *http.Request) (string, string) {
	return cleanIdent(strings.TrimSpace(r.Header.Get(HeaderTenantID))),
		cleanIdent(strings.TrimSpace(r.Header.Get(HeaderUserID)))
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NormalizeEndpoint strips the query, trims trailing slashes and maps any
// byte outside [A-Za-z0-9/_-] to '_' so the result embeds safely in bucket
// keys. An empty result (bare "/" included) means the request carries no
// usable endpoint.
func NormalizeEndpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}

	sb := builderpool.Get()
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '/', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
		}
	}
	return builderpool.Release(sb)
}

// sanitizeIP maps every byte outside [A-Za-z0-9] to '_' for key embedding.
func sanitizeIP(ip string) string {
	sb := builderpool.Get()
	for i := 0; i < len(ip); i++ {
		c := ip[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
		}
	}
	return builderpool.Release(sb)
}
