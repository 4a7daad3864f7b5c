package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

type testEnv struct {
	gate   *Gate
	store  storage.Store
	tenant *types.Tenant
	admin  *types.User
}

const adminEmail = "admin@studio.test"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tenant := &types.Tenant{
		GUID:      guid.New(guid.PrefixTenant),
		Name:      "studio",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateTenant(tenant))

	admin := &types.User{
		GUID:      guid.New(guid.PrefixUser),
		TenantID:  tenant.ID,
		Email:     adminEmail,
		Kind:      types.UserKindHuman,
		Status:    types.UserStatusActive,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(admin))

	gate := NewGate(store, []byte("test-jwt-secret"), []string{HashSecret(adminEmail)})
	return &testEnv{gate: gate, store: store, tenant: tenant, admin: admin}
}

func (e *testEnv) addAgent(t *testing.T, name, apiKey string) *types.Agent {
	t.Helper()

	now := time.Now().UTC()
	token := &types.RegistrationToken{
		GUID:          guid.New(guid.PrefixRegToken),
		TenantID:      e.tenant.ID,
		CreatorUserID: e.admin.ID,
		Name:          "tok-" + name,
		SecretHash:    "hash-" + name,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
	}
	require.NoError(t, e.store.CreateRegistrationToken(token))

	sysUser := &types.User{
		GUID:      guid.New(guid.PrefixUser),
		TenantID:  e.tenant.ID,
		Email:     name + "@system.local",
		Kind:      types.UserKindSystem,
		Status:    types.UserStatusActive,
		Active:    true,
		CreatedAt: now,
	}
	agent := &types.Agent{
		GUID:          guid.New(guid.PrefixAgent),
		TenantID:      e.tenant.ID,
		CreatorUserID: e.admin.ID,
		Name:          name,
		Status:        types.AgentStatusOnline,
		APIKeyHash:    HashSecret(apiKey),
		Verified:      true,
		CreatedAt:     now,
	}
	require.NoError(t, e.store.AdmitAgent(token.GUID, sysUser, agent, now))
	return agent
}

func requestWithBearer(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/agent/v1/pool-status", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	r.RemoteAddr = "203.0.113.7:52114"
	return r
}

func TestAuthenticateAgentKey(t *testing.T) {
	env := newTestEnv(t)
	apiKey := "agt_key_0123456789abcdef0123456789abcdef"
	agent := env.addAgent(t, "a1", apiKey)

	ctx, err := env.gate.AuthenticateRequest(requestWithBearer(apiKey))
	require.NoError(t, err)
	require.NotNil(t, ctx.Agent)
	assert.Equal(t, agent.GUID, ctx.Agent.GUID)
	assert.Equal(t, env.tenant.GUID, ctx.Tenant.GUID)
	assert.False(t, ctx.IsAdmin)
}

func TestAuthenticateAgentKeyFailures(t *testing.T) {
	env := newTestEnv(t)
	apiKey := "agt_key_0123456789abcdef0123456789abcdef"
	agent := env.addAgent(t, "a1", apiKey)

	t.Run("unknown key", func(t *testing.T) {
		_, err := env.gate.AuthenticateRequest(requestWithBearer("agt_key_ffffffffffffffffffffffffffffffff"))
		require.Error(t, err)
		assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
	})

	t.Run("revoked agent", func(t *testing.T) {
		_, err := env.store.MutateAgent(agent.GUID, func(a *types.Agent) error {
			a.Status = types.AgentStatusRevoked
			return nil
		})
		require.NoError(t, err)

		_, err = env.gate.AuthenticateRequest(requestWithBearer(apiKey))
		require.Error(t, err)
		assert.Equal(t, errdefs.KindAgentRevoked, errdefs.KindOf(err))
	})
}

func TestAuthenticateAgentKeyInactiveTenant(t *testing.T) {
	env := newTestEnv(t)
	apiKey := "agt_key_0123456789abcdef0123456789abcdef"
	env.addAgent(t, "a1", apiKey)

	require.NoError(t, env.store.SetTenantActive(env.tenant.GUID, false))

	_, err := env.gate.AuthenticateRequest(requestWithBearer(apiKey))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestApiTokenRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	signed, token, err := env.gate.IssueToken(env.tenant, env.admin, "ci", []string{"jobs:read"}, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	ctx, err := env.gate.AuthenticateRequest(requestWithBearer(signed))
	require.NoError(t, err)
	assert.True(t, ctx.IsAPIToken)
	assert.Equal(t, token.GUID, ctx.Token.GUID)
	require.NotNil(t, ctx.User)
	assert.Equal(t, types.UserKindSystem, ctx.User.Kind)

	// Tokens never hold admin privilege, even issued by an admin.
	assert.False(t, ctx.IsAdmin)
	err = RequireAdmin(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInsufficientPrivilege, errdefs.KindOf(err))
}

func TestApiTokenRevocationIsImmediate(t *testing.T) {
	env := newTestEnv(t)

	signed, token, err := env.gate.IssueToken(env.tenant, env.admin, "ci", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, env.gate.RevokeToken(env.tenant, token.GUID))

	_, err = env.gate.AuthenticateRequest(requestWithBearer(signed))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestApiTokenBruteForceBlocked(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < limiterBlockAt; i++ {
		_, err := env.gate.AuthenticateRequest(requestWithBearer("eyJhbGciOiJIUzI1NiJ9.forged.signature"))
		require.Error(t, err)
		assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
	}

	_, err := env.gate.AuthenticateRequest(requestWithBearer("eyJhbGciOiJIUzI1NiJ9.forged.signature"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindRateLimited, errdefs.KindOf(err))

	// A different source address is unaffected.
	r := requestWithBearer("eyJhbGciOiJIUzI1NiJ9.forged.signature")
	r.RemoteAddr = "198.51.100.9:40000"
	_, err = env.gate.AuthenticateRequest(r)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestSuccessClearsFailureRecord(t *testing.T) {
	env := newTestEnv(t)
	signed, _, err := env.gate.IssueToken(env.tenant, env.admin, "ci", nil, time.Hour)
	require.NoError(t, err)

	for i := 0; i < limiterBlockAt-1; i++ {
		_, err := env.gate.AuthenticateRequest(requestWithBearer("eyJhbGciOiJIUzI1NiJ9.forged.signature"))
		require.Error(t, err)
	}

	_, err = env.gate.AuthenticateRequest(requestWithBearer(signed))
	require.NoError(t, err)

	// The slate is clean again.
	_, err = env.gate.AuthenticateRequest(requestWithBearer("eyJhbGciOiJIUzI1NiJ9.forged.signature"))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestSessionAdminAllowlist(t *testing.T) {
	env := newTestEnv(t)

	member := &types.User{
		GUID:      guid.New(guid.PrefixUser),
		TenantID:  env.tenant.ID,
		Email:     "member@studio.test",
		Kind:      types.UserKindHuman,
		Status:    types.UserStatusActive,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateUser(member))

	sessionRequest := func(userID uint64) *http.Request {
		id, err := env.gate.Sessions().Create(userID)
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodGet, "/api/admin/v1/teams", nil)
		r.AddCookie(&http.Cookie{Name: SessionCookie, Value: id})
		return r
	}

	adminCtx, err := env.gate.AuthenticateRequest(sessionRequest(env.admin.ID))
	require.NoError(t, err)
	assert.True(t, adminCtx.IsAdmin)
	require.NoError(t, RequireAdmin(adminCtx))

	memberCtx, err := env.gate.AuthenticateRequest(sessionRequest(member.ID))
	require.NoError(t, err)
	assert.False(t, memberCtx.IsAdmin)
	err = RequireAdmin(memberCtx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInsufficientPrivilege, errdefs.KindOf(err))
}

func TestSessionRevocation(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.gate.Sessions().Create(env.admin.ID)
	require.NoError(t, err)
	env.gate.Sessions().Revoke(id)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: id})
	_, err = env.gate.AuthenticateRequest(r)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestMissingCredentials(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.gate.AuthenticateRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Error(t, err)
	assert.Equal(t, errdefs.KindUnauthenticated, errdefs.KindOf(err))
}

func TestIPLimiterWindowExpiry(t *testing.T) {
	limiter := NewIPLimiter()
	current := time.Now()
	limiter.now = func() time.Time { return current }

	for i := 0; i < limiterBlockAt; i++ {
		limiter.Failure("203.0.113.7")
	}
	require.Error(t, limiter.Check("203.0.113.7"))

	current = current.Add(limiterWindow + time.Second)
	assert.NoError(t, limiter.Check("203.0.113.7"))
}
