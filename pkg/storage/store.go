package storage

import (
	"time"

	"github.com/shuttersense/shuttersense/pkg/types"
)

// Store defines the interface for coordinator state storage. Every mutation
// is a committed transaction; the compound operations (AdmitAgent,
// CreateManifest, ClaimNextJob, the Mutate* guards) exist because the
// coordinator's invariants require multi-row changes to land atomically.
type Store interface {
	// Tenants. Tenants are never destroyed: Deactivate blocks login and
	// agent auth but preserves all records.
	CreateTenant(tenant *types.Tenant) error
	GetTenant(id uint64) (*types.Tenant, error)
	GetTenantByGUID(guid string) (*types.Tenant, error)
	ListTenants() ([]*types.Tenant, error)
	SetTenantActive(guid string, active bool) error

	// Users. Email is globally unique and stored lowercased.
	CreateUser(user *types.User) error
	GetUser(id uint64) (*types.User, error)
	GetUserByEmail(email string) (*types.User, error)
	ListUsersByTenant(tenantID uint64) ([]*types.User, error)

	// Registration tokens.
	CreateRegistrationToken(token *types.RegistrationToken) error
	GetRegistrationTokenByHash(secretHash string) (*types.RegistrationToken, error)
	GetRegistrationTokenByGUID(guid string) (*types.RegistrationToken, error)
	ListRegistrationTokensByTenant(tenantID uint64) ([]*types.RegistrationToken, error)
	DeleteRegistrationToken(guid string) error

	// AdmitAgent commits the registration sequence atomically: create the
	// SYSTEM user, create the agent, and mark the token used with the new
	// agent id. Partial success is not acceptable; any failure rolls the
	// whole admission back.
	AdmitAgent(tokenGUID string, sysUser *types.User, agent *types.Agent, usedAt time.Time) error

	// Release manifests. CreateManifest enforces (version, checksum)
	// uniqueness and runs per-platform retention in the same transaction:
	// for each platform the new manifest advertises, only the keepPerPlatform
	// most recent manifests supporting that platform survive; older ones are
	// deleted with their artifacts cascaded.
	CreateManifest(m *types.ReleaseManifest, keepPerPlatform int) ([]string, error)
	GetManifestByGUID(guid string) (*types.ReleaseManifest, error)
	ListManifests() ([]*types.ReleaseManifest, error)
	UpdateManifest(m *types.ReleaseManifest) error
	DeleteManifest(guid string) error
	CountManifests() (int, error)
	FindActiveManifestByChecksum(checksum string) (*types.ReleaseManifest, error)

	// Release artifacts. (manifest, platform) is unique.
	CreateArtifact(a *types.ReleaseArtifact) error
	ListArtifactsByManifest(manifestID uint64) ([]*types.ReleaseArtifact, error)

	// Agents.
	GetAgent(id uint64) (*types.Agent, error)
	GetAgentByGUID(guid string) (*types.Agent, error)
	GetAgentByAPIKeyHash(keyHash string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	ListAgentsByTenant(tenantID uint64) ([]*types.Agent, error)
	DeleteAgent(guid string) error

	// MutateAgent applies fn to the current agent row inside one write
	// transaction. bbolt serializes write transactions, so heartbeats,
	// revokes, and sweeps on the same agent never interleave.
	MutateAgent(guid string, fn func(*types.Agent) error) (*types.Agent, error)

	// Jobs.
	CreateJob(job *types.Job) error
	GetJob(id uint64) (*types.Job, error)
	GetJobByGUID(guid string) (*types.Job, error)
	ListJobsByTenant(tenantID uint64) ([]*types.Job, error)
	ListActiveJobsByAgent(agentID uint64) ([]*types.Job, error)

	// MutateJob applies fn to the current job row inside one write
	// transaction, serializing claim/progress/complete/fail/cancel/release.
	MutateJob(guid string, fn func(*types.Job) error) (*types.Job, error)

	// ClaimNextJob scans this tenant's pending jobs in (priority DESC,
	// created_at ASC) order, bounded by limit, and assigns the first one
	// eligible() accepts to agentID, all within a single write transaction,
	// so no two agents ever receive the same job. Returns nil when no
	// eligible work exists.
	ClaimNextJob(tenantID, agentID uint64, limit int, now time.Time, eligible func(*types.Job) bool) (*types.Job, error)

	// API tokens.
	CreateApiToken(t *types.ApiToken) error
	GetApiTokenByHash(tokenHash string) (*types.ApiToken, error)
	GetApiTokenByGUID(guid string) (*types.ApiToken, error)
	ListApiTokensByTenant(tenantID uint64) ([]*types.ApiToken, error)
	UpdateApiToken(t *types.ApiToken) error
	DeleteApiToken(guid string) error

	// Connectors.
	CreateConnector(c *types.Connector) error
	GetConnectorByGUID(guid string) (*types.Connector, error)
	ListConnectorsByTenant(tenantID uint64) ([]*types.Connector, error)
	DeleteConnector(guid string) error

	// Collections.
	CreateCollection(c *types.Collection) error
	GetCollection(id uint64) (*types.Collection, error)
	GetCollectionByGUID(guid string) (*types.Collection, error)
	ListCollectionsByTenant(tenantID uint64) ([]*types.Collection, error)

	// UpsertCameras inserts any missing identifiers with status TEMPORARY
	// and returns the full set (existing + new) in one transaction, making
	// discovery idempotent across retries.
	UpsertCameras(tenantID uint64, guidFor func() string, identifiers []string) ([]*types.Camera, error)

	Close() error
}
