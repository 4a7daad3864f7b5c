package types

import (
	"encoding/json"
	"time"
)

// Tenant is the administrative boundary. All other entities are scoped to
// exactly one tenant. Tenants are never destroyed; deactivation blocks login
// and agent auth but preserves records.
type Tenant struct {
	ID        uint64
	GUID      string // tea_...
	Name      string
	Active    bool
	CreatedAt time.Time
}

// UserKind distinguishes interactive humans from audit-only identities.
type UserKind string

const (
	UserKindHuman  UserKind = "human"
	UserKindSystem UserKind = "system"
)

// UserStatus represents the lifecycle state of a user account.
type UserStatus string

const (
	UserStatusPending     UserStatus = "pending"
	UserStatusActive      UserStatus = "active"
	UserStatusDeactivated UserStatus = "deactivated"
)

// User is a human or system identity within a tenant. SYSTEM users exist
// solely to provide an audit identity for an agent or API token and cannot
// log in interactively.
type User struct {
	ID          uint64
	GUID        string // usr_...
	TenantID    uint64
	Email       string // globally unique, lowercased
	DisplayName string
	Kind        UserKind
	Status      UserStatus
	Active      bool
	CreatedAt   time.Time
}

// RegistrationToken is a single-use credential that admits one agent into a
// tenant. Only the SHA-256 hash of the plaintext is stored.
type RegistrationToken struct {
	ID            uint64
	GUID          string // art_...
	TenantID      uint64
	CreatorUserID uint64
	Name          string
	SecretHash    string // hex SHA-256 of the plaintext
	ExpiresAt     time.Time
	UsedAt        *time.Time
	AgentID       *uint64 // set together with UsedAt, never separately
	CreatedAt     time.Time
}

// Used reports whether the token has already admitted an agent.
func (t *RegistrationToken) Used() bool { return t.UsedAt != nil }

// Expired reports whether the token is past its expiry at the given instant.
func (t *RegistrationToken) Expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Platform tags form a closed set matching the release pipeline targets.
const (
	PlatformDarwinARM64  = "darwin-arm64"
	PlatformDarwinAMD64  = "darwin-amd64"
	PlatformLinuxAMD64   = "linux-amd64"
	PlatformLinuxARM64   = "linux-arm64"
	PlatformWindowsAMD64 = "windows-amd64"
)

// KnownPlatforms is the closed set of platform tags a manifest may advertise.
var KnownPlatforms = []string{
	PlatformDarwinARM64,
	PlatformDarwinAMD64,
	PlatformLinuxAMD64,
	PlatformLinuxARM64,
	PlatformWindowsAMD64,
}

// ReleaseManifest is an allowlist entry for a released agent binary.
// Manifests are global, not tenant-scoped: attestation at registration time
// checks the submitted checksum against all active manifests.
type ReleaseManifest struct {
	ID        uint64
	GUID      string // rel_...
	Version   string
	Platforms []string
	Checksum  string // 64 lowercase hex chars
	Active    bool
	Notes     string
	CreatedAt time.Time
}

// SupportsPlatform reports whether the manifest lists the given platform tag.
func (m *ReleaseManifest) SupportsPlatform(platform string) bool {
	for _, p := range m.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// ReleaseArtifact is one downloadable binary under a manifest. (manifest,
// platform) is unique; artifacts are cascade-deleted with their manifest.
type ReleaseArtifact struct {
	ID         uint64
	GUID       string // rel_... shares the manifest prefix space
	ManifestID uint64
	Platform   string
	Filename   string // no path separators
	Checksum   string // "[sha256:]<64 hex>"
	SizeBytes  int64  // 0 = unknown
	CreatedAt  time.Time
}

// AgentStatus represents the liveness state machine of an agent.
type AgentStatus string

const (
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusRevoked AgentStatus = "revoked" // terminal until manual delete
)

// Agent is the unit of execution capacity: a worker process on user hardware.
// Every agent owns exactly one SYSTEM user for the audit trail; deleting the
// agent preserves that user.
type Agent struct {
	ID              uint64
	GUID            string // agt_...
	TenantID        uint64
	SystemUserID    uint64
	CreatorUserID   uint64
	Name            string
	Hostname        string
	OSInfo          string
	Status          AgentStatus
	LastHeartbeat   time.Time
	Capabilities    []string // opaque tagged strings, e.g. "tool:photostats:1.0.0"
	AuthorizedRoots []string // absolute paths the agent may read
	APIKeyHash      string   // hex SHA-256 of the plaintext key
	APIKeyPrefix    string   // 16-char display prefix
	Version         string
	BinaryChecksum  string
	Verified        bool // checksum matched an active manifest at registration
	RevokedReason   string
	RevokedAt       *time.Time
	CreatedAt       time.Time
}

// HasCapability reports whether the agent advertises the exact capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is a unit of photo-analysis work dispatched to at most one agent at a
// time. The coordinator treats the tool and mode as opaque strings and the
// progress payload as opaque JSON.
type Job struct {
	ID             uint64
	GUID           string // job_...
	TenantID       uint64
	CollectionID   *uint64
	Tool           string
	Mode           string
	Status         JobStatus
	Priority       int // higher first
	RequiredCaps   []string
	AssignedAgent  *uint64
	RetryCount     int
	RetryLimit     int
	Progress       json.RawMessage
	SigningSecret  string // per-job shared secret for result HMAC
	ResultGUID     string // prior result pointer when completed with no_change
	FailureMessage string
	CreatedAt      time.Time
	ClaimedAt      *time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

// ApiToken is a JWT-backed credential for programmatic access by humans.
// A token context never grants admin privilege regardless of the issuer.
type ApiToken struct {
	ID           uint64
	GUID         string // tok_...
	TenantID     uint64
	IssuerUserID uint64
	SystemUserID uint64
	Name         string
	TokenHash    string // hex SHA-256 of the signed JWT
	TokenPrefix  string // 16-char display prefix
	Scopes       []string
	ExpiresAt    time.Time
	Active       bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
}

// ConnectorProvider identifies the remote storage family a connector fronts.
type ConnectorProvider string

const (
	ConnectorS3  ConnectorProvider = "s3"
	ConnectorGCS ConnectorProvider = "gcs"
	ConnectorSMB ConnectorProvider = "smb"
)

// Connector references a remote photo source. When AgentCredentialed is set
// the credentials live on specific agents, not the server: jobs touching the
// connector require the capability "connector:<guid>".
type Connector struct {
	ID                uint64
	GUID              string // con_...
	TenantID          uint64
	Name              string
	Provider          ConnectorProvider
	AgentCredentialed bool
	CreatedAt         time.Time
}

// Collection is a named set of photos, either a local filesystem path or a
// connector-backed remote prefix.
type Collection struct {
	ID          uint64
	GUID        string // col_...
	TenantID    uint64
	Name        string
	SourcePath  string  // absolute path for local collections
	ConnectorID *uint64 // set for remote collections
	CreatedAt   time.Time
}

// CameraStatus marks how a discovered camera identifier entered the catalog.
type CameraStatus string

const (
	CameraStatusTemporary CameraStatus = "temporary"
	CameraStatusConfirmed CameraStatus = "confirmed"
)

// Camera is an opaque camera identifier reported by agents during job
// execution. Discovery is an idempotent per-tenant upsert.
type Camera struct {
	ID         uint64
	GUID       string // fld_...
	TenantID   uint64
	Identifier string
	Status     CameraStatus
	CreatedAt  time.Time
}

// PoolStatus is the public snapshot broadcast on the pool channel and served
// by GET /pool-status.
type PoolStatus struct {
	TenantGUID    string    `json:"tenant"`
	AgentsOnline  int       `json:"agents_online"`
	AgentsBusy    int       `json:"agents_busy"`
	AgentsOffline int       `json:"agents_offline"`
	AgentsError   int       `json:"agents_error"`
	JobsPending   int       `json:"jobs_pending"`
	JobsRunning   int       `json:"jobs_running"`
	GeneratedAt   time.Time `json:"generated_at"`
}
