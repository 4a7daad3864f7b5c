package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// defaultTokenTTL applies when issuance does not name an expiry.
	defaultTokenTTL = 90 * 24 * time.Hour
	// tokenDisplayLen is how much of the signed token listings may show.
	tokenDisplayLen = 16
)

// IssueToken mints an API-token JWT for programmatic access. The signed
// token is returned exactly once; only its hash is stored. Each token gets
// its own SYSTEM user so the audit trail distinguishes token activity from
// the issuer's interactive activity. The is_super_admin claim is always
// false: API tokens never carry admin privilege.
func (g *Gate) IssueToken(tenant *types.Tenant, issuer *types.User, name string, scopes []string, ttl time.Duration) (string, *types.ApiToken, error) {
	if name == "" {
		return "", nil, errdefs.New(errdefs.KindValidation, "name is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	nonce := make([]byte, 6)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, errdefs.Wrap(err, errdefs.KindInternal, "failed to read randomness")
	}

	now := time.Now().UTC()
	sysUser := &types.User{
		GUID:        guid.New(guid.PrefixUser),
		TenantID:    tenant.ID,
		Email:       "token-" + hex.EncodeToString(nonce) + "@system.local",
		DisplayName: "API Token: " + name,
		Kind:        types.UserKindSystem,
		Status:      types.UserStatusActive,
		Active:      true,
		CreatedAt:   now,
	}
	if err := g.store.CreateUser(sysUser); err != nil {
		return "", nil, err
	}

	tokenGUID := guid.New(guid.PrefixAPIToken)
	expiresAt := now.Add(ttl)
	claims := &tokenClaims{
		TokenGUID:  tokenGUID,
		IsAPIToken: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sysUser.GUID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.jwtSecret)
	if err != nil {
		return "", nil, errdefs.Wrap(err, errdefs.KindInternal, "failed to sign token")
	}

	token := &types.ApiToken{
		GUID:         tokenGUID,
		TenantID:     tenant.ID,
		IssuerUserID: issuer.ID,
		SystemUserID: sysUser.ID,
		Name:         name,
		TokenHash:    HashSecret(signed),
		TokenPrefix:  signed[:tokenDisplayLen],
		Scopes:       scopes,
		ExpiresAt:    expiresAt,
		Active:       true,
		CreatedAt:    now,
	}
	if err := g.store.CreateApiToken(token); err != nil {
		return "", nil, err
	}

	g.logger.Info().
		Str("token_id", token.GUID).
		Str("tenant", tenant.GUID).
		Str("issuer", issuer.GUID).
		Time("expires_at", expiresAt).
		Msg("api token issued")
	return signed, token, nil
}

// RevokeToken deactivates an API token. The signed JWT stops
// authenticating immediately since every request revalidates the row.
func (g *Gate) RevokeToken(tenant *types.Tenant, tokenGUID string) error {
	token, err := g.store.GetApiTokenByGUID(tokenGUID)
	if err != nil {
		return err
	}
	if token.TenantID != tenant.ID {
		return errdefs.New(errdefs.KindNotFound, "api token not found")
	}
	token.Active = false
	return g.store.UpdateApiToken(token)
}

// ListTokens returns a tenant's API tokens.
func (g *Gate) ListTokens(tenant *types.Tenant) ([]*types.ApiToken, error) {
	return g.store.ListApiTokensByTenant(tenant.ID)
}
