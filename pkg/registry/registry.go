package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// apiKeyPrefix is the fixed prefix of every agent API key.
	apiKeyPrefix = "agt_key_"
	// tokenPlaintextPrefix is the fixed prefix of registration token plaintexts.
	tokenPlaintextPrefix = "art_"
	// keyDisplayLen is how much of a credential listings may show.
	keyDisplayLen = 16
	// defaultTokenTTL applies when token creation does not name an expiry.
	defaultTokenTTL = 24 * time.Hour
)

// Service implements agent admission: registration-token lifecycle, the
// attested registration protocol, and release-manifest management.
type Service struct {
	store   storage.Store
	enforce bool // attestation enforcement; disabled only in development
	logger  zerolog.Logger
}

// NewService creates the registration service. enforce=false skips the
// attestation check entirely and marks every new agent unverified.
func NewService(store storage.Store, enforce bool) *Service {
	return &Service{
		store:   store,
		enforce: enforce,
		logger:  log.WithComponent("registry"),
	}
}

// HashSecret returns the hex SHA-256 of a credential plaintext. Exposed so
// the auth gate and tests hash the same way the registry stores.
func HashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindInternal, "failed to read randomness")
	}
	return hex.EncodeToString(buf), nil
}

// CreateToken mints a single-use registration token for a tenant. The
// plaintext is returned exactly once; only its hash is stored.
func (s *Service) CreateToken(tenant *types.Tenant, creator *types.User, name string, expiryHours int) (string, *types.RegistrationToken, error) {
	ttl := defaultTokenTTL
	if expiryHours > 0 {
		ttl = time.Duration(expiryHours) * time.Hour
	}

	secret, err := randomHex(24)
	if err != nil {
		return "", nil, err
	}
	plaintext := tokenPlaintextPrefix + secret

	now := time.Now().UTC()
	token := &types.RegistrationToken{
		GUID:          guid.New(guid.PrefixRegToken),
		TenantID:      tenant.ID,
		CreatorUserID: creator.ID,
		Name:          name,
		SecretHash:    HashSecret(plaintext),
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	if err := s.store.CreateRegistrationToken(token); err != nil {
		return "", nil, err
	}

	s.logger.Info().
		Str("token_id", token.GUID).
		Str("tenant", tenant.GUID).
		Time("expires_at", token.ExpiresAt).
		Msg("registration token created")
	return plaintext, token, nil
}

// ListTokens returns a tenant's registration tokens.
func (s *Service) ListTokens(tenantID uint64) ([]*types.RegistrationToken, error) {
	return s.store.ListRegistrationTokensByTenant(tenantID)
}

// DeleteToken removes a registration token. Cross-tenant GUIDs report
// not_found, never a privilege error.
func (s *Service) DeleteToken(tenantID uint64, tokenGUID string) error {
	token, err := s.store.GetRegistrationTokenByGUID(tokenGUID)
	if err != nil {
		return err
	}
	if token.TenantID != tenantID {
		return errdefs.New(errdefs.KindNotFound, "registration token not found")
	}
	return s.store.DeleteRegistrationToken(tokenGUID)
}

// RegisterInput is the agent-submitted registration payload.
type RegisterInput struct {
	Token           string   `json:"token"`
	Name            string   `json:"name"`
	Hostname        string   `json:"hostname"`
	OSInfo          string   `json:"os_info"`
	Capabilities    []string `json:"capabilities"`
	AuthorizedRoots []string `json:"authorized_roots"`
	Version         string   `json:"version"`
	BinaryChecksum  string   `json:"binary_checksum"`
	Platform        string   `json:"platform"`
}

// RegisterResult carries the one-time credentials of a freshly admitted
// agent. The plaintext API key appears here and nowhere else.
type RegisterResult struct {
	AgentGUID  string `json:"guid"`
	APIKey     string `json:"api_key"`
	Name       string `json:"name"`
	TenantGUID string `json:"team"`
}

// Register admits a new agent. The whole sequence (token validation,
// attestation, SYSTEM user, agent record, token consumption) commits as a
// single transaction; a rejected attestation leaves the token fresh.
func (s *Service) Register(in *RegisterInput) (*RegisterResult, error) {
	if err := validateRegisterInput(in); err != nil {
		return nil, err
	}

	token, err := s.store.GetRegistrationTokenByHash(HashSecret(in.Token))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if token.Used() {
		return nil, errdefs.New(errdefs.KindTokenUsed, "registration token already used")
	}
	if token.Expired(now) {
		return nil, errdefs.New(errdefs.KindTokenExpired, "registration token expired")
	}

	tenant, err := s.store.GetTenant(token.TenantID)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		return nil, errdefs.New(errdefs.KindInvalidToken, "registration token not recognized")
	}

	verified, err := s.attest(in)
	if err != nil {
		return nil, err
	}

	keySecret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	apiKey := apiKeyPrefix + keySecret

	emailNonce, err := randomHex(6)
	if err != nil {
		return nil, err
	}
	sysUser := &types.User{
		GUID:        guid.New(guid.PrefixUser),
		TenantID:    tenant.ID,
		Email:       "agent-" + emailNonce + "@system.local",
		DisplayName: "Agent: " + in.Name,
		Kind:        types.UserKindSystem,
		Status:      types.UserStatusActive,
		Active:      true,
		CreatedAt:   now,
	}

	agent := &types.Agent{
		GUID:            guid.New(guid.PrefixAgent),
		TenantID:        tenant.ID,
		CreatorUserID:   token.CreatorUserID,
		Name:            in.Name,
		Hostname:        in.Hostname,
		OSInfo:          in.OSInfo,
		Status:          types.AgentStatusOffline,
		Capabilities:    in.Capabilities,
		AuthorizedRoots: in.AuthorizedRoots,
		APIKeyHash:      HashSecret(apiKey),
		APIKeyPrefix:    apiKey[:keyDisplayLen],
		Version:         in.Version,
		BinaryChecksum:  in.BinaryChecksum,
		Verified:        verified,
		CreatedAt:       now,
	}

	if err := s.store.AdmitAgent(token.GUID, sysUser, agent, now); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("agent_id", agent.GUID).
		Str("tenant", tenant.GUID).
		Str("name", agent.Name).
		Bool("verified", verified).
		Msg("agent registered")

	return &RegisterResult{
		AgentGUID:  agent.GUID,
		APIKey:     apiKey,
		Name:       agent.Name,
		TenantGUID: tenant.GUID,
	}, nil
}

// attest runs the binary checksum check against the manifest allowlist.
// Manifests are global; if none exist at all, bootstrap mode applies and the
// check is skipped with verified=false.
func (s *Service) attest(in *RegisterInput) (bool, error) {
	if !s.enforce {
		return false, nil
	}
	count, err := s.store.CountManifests()
	if err != nil {
		return false, err
	}
	if count == 0 {
		s.logger.Warn().Str("agent_name", in.Name).Msg("no release manifests exist, admitting unverified (bootstrap mode)")
		return false, nil
	}

	if in.BinaryChecksum == "" || in.Platform == "" {
		return false, errdefs.New(errdefs.KindAttestationRequired, "binary checksum and platform are required")
	}
	manifest, err := s.store.FindActiveManifestByChecksum(in.BinaryChecksum)
	if err != nil {
		if errdefs.IsKind(err, errdefs.KindNotFound) {
			return false, errdefs.New(errdefs.KindAttestationFailed, "binary checksum does not match any active release")
		}
		return false, err
	}
	if !manifest.SupportsPlatform(in.Platform) {
		return false, errdefs.Newf(errdefs.KindAttestationFailed, "release %s does not support platform %q", manifest.Version, in.Platform)
	}
	return true, nil
}

func validateRegisterInput(in *RegisterInput) error {
	if strings.TrimSpace(in.Token) == "" {
		return errdefs.New(errdefs.KindValidation, "token is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errdefs.New(errdefs.KindValidation, "name is required")
	}
	for _, root := range in.AuthorizedRoots {
		if !path.IsAbs(root) {
			return errdefs.Newf(errdefs.KindValidation, "authorized root %q is not absolute", root)
		}
		if containsDotDot(root) {
			return errdefs.Newf(errdefs.KindValidation, "authorized root %q contains parent references", root)
		}
	}
	if in.BinaryChecksum != "" && !checksumHex.MatchString(in.BinaryChecksum) {
		return errdefs.New(errdefs.KindValidation, "binary_checksum must be 64 lowercase hex characters")
	}
	if in.Platform != "" && !knownPlatform(in.Platform) {
		return errdefs.Newf(errdefs.KindValidation, "unknown platform %q", in.Platform)
	}
	return nil
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func knownPlatform(platform string) bool {
	for _, p := range types.KnownPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}
