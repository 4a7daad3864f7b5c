package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// agentKeyPrefix marks a bearer credential as an agent API key.
	agentKeyPrefix = "agt_key_"
	// SessionCookie is the browser session cookie name.
	SessionCookie = "shuttersense_session"
)

// Context is the authenticated identity attached to a request. Exactly one
// of Agent and User is set; IsAdmin is never true for agent or API-token
// contexts regardless of who issued the credential.
type Context struct {
	Tenant     *types.Tenant
	User       *types.User
	Agent      *types.Agent
	Token      *types.ApiToken
	IsAdmin    bool
	IsAPIToken bool
}

// Gate authenticates requests. Three credential shapes are recognized:
// agent API keys (fixed prefix, hash lookup), API-token JWTs, and browser
// session cookies. Admin privilege comes solely from the operator-supplied
// email-hash allowlist checked against session users.
type Gate struct {
	store       storage.Store
	sessions    *SessionManager
	limiter     *IPLimiter
	jwtSecret   []byte
	adminHashes map[string]bool
	logger      zerolog.Logger
}

// NewGate builds the auth gate. adminEmailHashes are hex SHA-256 digests of
// lowercased admin emails.
func NewGate(store storage.Store, jwtSecret []byte, adminEmailHashes []string) *Gate {
	hashes := make(map[string]bool, len(adminEmailHashes))
	for _, h := range adminEmailHashes {
		hashes[strings.ToLower(h)] = true
	}
	return &Gate{
		store:       store,
		sessions:    NewSessionManager(),
		limiter:     NewIPLimiter(),
		jwtSecret:   jwtSecret,
		adminHashes: hashes,
		logger:      log.WithComponent("auth"),
	}
}

// Sessions exposes the session manager for login handlers.
func (g *Gate) Sessions() *SessionManager { return g.sessions }

// HashSecret returns the hex SHA-256 of a credential plaintext.
func HashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// AuthenticateRequest resolves the request's credential to an identity.
// Every failure is deliberately reported as unauthenticated (or the
// specific revoked/rate-limited kind); which part of the credential was
// wrong never leaks.
func (g *Gate) AuthenticateRequest(r *http.Request) (*Context, error) {
	if bearer, ok := bearerToken(r); ok {
		if strings.HasPrefix(bearer, agentKeyPrefix) {
			return g.authenticateAgent(bearer)
		}
		return g.authenticateJWT(bearer, clientIP(r))
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return g.authenticateSession(cookie.Value)
	}
	return nil, errdefs.New(errdefs.KindUnauthenticated, "missing credentials")
}

// authenticateAgent resolves an agent API key by hash. Revoked agents get
// the dedicated kind so the worker process knows to exit rather than retry.
func (g *Gate) authenticateAgent(apiKey string) (*Context, error) {
	agent, err := g.store.GetAgentByAPIKeyHash(HashSecret(apiKey))
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid credentials")
		}
		return nil, err
	}
	if agent.Status == types.AgentStatusRevoked {
		return nil, errdefs.New(errdefs.KindAgentRevoked, "agent has been revoked")
	}
	tenant, err := g.store.GetTenant(agent.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid credentials")
	}
	return &Context{Tenant: tenant, Agent: agent}, nil
}

// tokenClaims is the JWT payload of an API token. The is_api_token and
// is_super_admin fields are fixed at issuance and revalidated here so a
// forged or tampered token cannot escalate.
type tokenClaims struct {
	TokenGUID    string `json:"tok"`
	IsAPIToken   bool   `json:"is_api_token"`
	IsSuperAdmin bool   `json:"is_super_admin"`
	jwt.RegisteredClaims
}

// authenticateJWT verifies an API-token JWT. The signature check alone is
// not enough: the token row must still exist and be active, which is how
// revocation works for stateless JWTs.
func (g *Gate) authenticateJWT(raw, ip string) (*Context, error) {
	if err := g.limiter.Check(ip); err != nil {
		return nil, err
	}

	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdefs.Newf(errdefs.KindUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !parsed.Valid || !claims.IsAPIToken || claims.IsSuperAdmin {
		g.limiter.Failure(ip)
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid credentials")
	}

	token, err := g.store.GetApiTokenByHash(HashSecret(raw))
	if err != nil || !token.Active || time.Now().UTC().After(token.ExpiresAt) {
		g.limiter.Failure(ip)
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid credentials")
	}

	user, err := g.store.GetUser(token.SystemUserID)
	if err != nil {
		return nil, err
	}
	tenant, err := g.store.GetTenant(token.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid credentials")
	}

	g.limiter.Success(ip)
	g.touchToken(token)
	return &Context{Tenant: tenant, User: user, Token: token, IsAPIToken: true}, nil
}

func (g *Gate) touchToken(token *types.ApiToken) {
	now := time.Now().UTC()
	token.LastUsedAt = &now
	if err := g.store.UpdateApiToken(token); err != nil {
		g.logger.Warn().Err(err).Str("token_id", token.GUID).Msg("cannot record token use")
	}
}

// authenticateSession resolves a browser session. Admin privilege is the
// SHA-256 of the user's email appearing in the operator allowlist; it is
// recomputed per request so removing a hash takes effect immediately.
func (g *Gate) authenticateSession(sessionID string) (*Context, error) {
	userID, ok := g.sessions.Lookup(sessionID)
	if !ok {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid session")
	}
	user, err := g.store.GetUser(userID)
	if err != nil {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid session")
	}
	if !user.Active || user.Status != types.UserStatusActive || user.Kind != types.UserKindHuman {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid session")
	}
	tenant, err := g.store.GetTenant(user.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, errdefs.New(errdefs.KindUnauthenticated, "invalid session")
	}
	return &Context{
		Tenant:  tenant,
		User:    user,
		IsAdmin: g.adminHashes[HashSecret(strings.ToLower(user.Email))],
	}, nil
}

// RequireAdmin gates admin-only operations. API tokens never pass, even
// when their issuer is an admin.
func RequireAdmin(ctx *Context) error {
	if ctx.IsAPIToken || !ctx.IsAdmin {
		return errdefs.New(errdefs.KindInsufficientPrivilege, "admin privilege required")
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// clientIP prefers the leftmost X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
