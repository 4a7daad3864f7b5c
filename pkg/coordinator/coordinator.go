package coordinator

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/guid"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// defaultRetryLimit applies when job creation does not set one.
	defaultRetryLimit = 3
	// claimScanLimit bounds how many pending jobs one claim considers.
	claimScanLimit = 100
	// capLocalFilesystem gates jobs that read the agent's local disk.
	capLocalFilesystem = "local_filesystem"
)

// Coordinator owns the job lifecycle: creation, the atomic claim, progress,
// completion with result-signature verification, failure with retry
// accounting, cancellation, and the release of jobs held by vanished agents.
type Coordinator struct {
	store           storage.Store
	broker          *broadcast.Broker
	uploads         *uploadManager
	logger          zerolog.Logger
	allowUnverified bool
}

// NewCoordinator wires the coordinator to its store and broadcaster.
func NewCoordinator(store storage.Store, broker *broadcast.Broker) *Coordinator {
	return &Coordinator{
		store:   store,
		broker:  broker,
		uploads: newUploadManager(),
		logger:  log.WithComponent("coordinator"),
	}
}

// AllowUnverified lets unverified agents claim work unconditionally. Set
// when attestation is disabled for development deployments.
func (c *Coordinator) AllowUnverified() {
	c.allowUnverified = true
}

// CreateJobInput is the payload for enqueueing work.
type CreateJobInput struct {
	CollectionGUID string   `json:"collection,omitempty"`
	Tool           string   `json:"tool"`
	Mode           string   `json:"mode"`
	Priority       int      `json:"priority"`
	RequiredCaps   []string `json:"required_capabilities"`
	RetryLimit     int      `json:"retry_limit"`
}

// CreateJob enqueues a PENDING job for the tenant. Collection references are
// resolved tenant-scoped; paths with parent references are rejected here so
// the claim path never sees them.
func (c *Coordinator) CreateJob(tenant *types.Tenant, in *CreateJobInput) (*types.Job, error) {
	if strings.TrimSpace(in.Tool) == "" {
		return nil, errdefs.New(errdefs.KindValidation, "tool is required")
	}
	retryLimit := in.RetryLimit
	if retryLimit <= 0 {
		retryLimit = defaultRetryLimit
	}

	var collectionID *uint64
	if in.CollectionGUID != "" {
		col, err := c.store.GetCollectionByGUID(in.CollectionGUID)
		if err != nil {
			return nil, err
		}
		if col.TenantID != tenant.ID {
			return nil, errdefs.New(errdefs.KindNotFound, "collection not found")
		}
		if col.SourcePath != "" && pathHasDotDot(col.SourcePath) {
			return nil, errdefs.New(errdefs.KindValidation, "collection path contains parent references")
		}
		collectionID = &col.ID
	}

	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}

	job := &types.Job{
		GUID:          guid.New(guid.PrefixJob),
		TenantID:      tenant.ID,
		CollectionID:  collectionID,
		Tool:          in.Tool,
		Mode:          in.Mode,
		Status:        types.JobStatusPending,
		Priority:      in.Priority,
		RequiredCaps:  in.RequiredCaps,
		RetryLimit:    retryLimit,
		SigningSecret: secret,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.store.CreateJob(job); err != nil {
		return nil, err
	}

	c.publishJob(tenant.GUID, job, "job.created")
	c.publishPool(tenant)
	return job, nil
}

// GetJob returns a job visible to the tenant. Cross-tenant GUIDs are
// reported as not_found.
func (c *Coordinator) GetJob(tenant *types.Tenant, jobGUID string) (*types.Job, error) {
	job, err := c.store.GetJobByGUID(jobGUID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenant.ID {
		return nil, errdefs.New(errdefs.KindNotFound, "job not found")
	}
	return job, nil
}

// Claim hands the agent at most one eligible job, atomically moved to
// ASSIGNED. Returns (nil, nil) when no work is available.
func (c *Coordinator) Claim(agent *types.Agent) (*types.Job, error) {
	if !agent.Verified && !c.allowUnverified {
		// Before the first release manifest exists there is nothing to
		// verify against; bootstrap-admitted agents may still claim. Once a
		// manifest is published the fleet must re-register to verify.
		count, err := c.store.CountManifests()
		if err != nil {
			return nil, err
		}
		if count > 0 {
			return nil, errdefs.New(errdefs.KindUnverifiedAgent, "agent binary is not verified against any release")
		}
	}

	// Collections are prefetched so eligibility checks need no reads inside
	// the claim transaction.
	collections, err := c.store.ListCollectionsByTenant(agent.TenantID)
	if err != nil {
		return nil, err
	}
	collByID := make(map[uint64]*types.Collection, len(collections))
	for _, col := range collections {
		collByID[col.ID] = col
	}

	now := time.Now().UTC()
	job, err := c.store.ClaimNextJob(agent.TenantID, agent.ID, claimScanLimit, now, func(job *types.Job) bool {
		return eligible(agent, job, collByID)
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	tenant, err := c.store.GetTenant(agent.TenantID)
	if err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("job_id", job.GUID).
		Str("agent_id", agent.GUID).
		Str("tool", job.Tool).
		Msg("job claimed")
	c.publishJob(tenant.GUID, job, "job.assigned")
	c.publishPool(tenant)
	return job, nil
}

// eligible implements the capability-constrained matching rules. Every
// required capability must be present on the agent verbatim; that covers
// connector:<guid> bindings too, since credentials live on agents. Local
// filesystem jobs additionally require the collection's path to sit under
// one of the agent's authorized roots.
func eligible(agent *types.Agent, job *types.Job, collections map[uint64]*types.Collection) bool {
	for _, required := range job.RequiredCaps {
		if !agent.HasCapability(required) {
			return false
		}
	}
	if requiresCap(job, capLocalFilesystem) {
		if job.CollectionID == nil {
			return false
		}
		col, ok := collections[*job.CollectionID]
		if !ok || col.SourcePath == "" {
			return false
		}
		if !pathUnderRoots(col.SourcePath, agent.AuthorizedRoots) {
			return false
		}
	}
	return true
}

func requiresCap(job *types.Job, cap string) bool {
	for _, c := range job.RequiredCaps {
		if c == cap {
			return true
		}
	}
	return false
}

// Start marks an assigned job as RUNNING. The transition is idempotent so
// agents can fold it into their first progress report.
func (c *Coordinator) Start(agent *types.Agent, jobGUID string) (*types.Job, error) {
	job, err := c.mutateOwned(agent, jobGUID, func(job *types.Job) error {
		switch job.Status {
		case types.JobStatusRunning:
			return nil // already started
		case types.JobStatusAssigned:
			now := time.Now().UTC()
			job.Status = types.JobStatusRunning
			job.StartedAt = &now
			return nil
		default:
			return errdefs.Newf(errdefs.KindConflict, "job is %s, not startable", job.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	c.publishForTenant(job, "job.running")
	return job, nil
}

// Progress persists an opaque progress payload and fans it out. Only the
// assigned agent may report.
func (c *Coordinator) Progress(agent *types.Agent, jobGUID string, progress json.RawMessage) (*types.Job, error) {
	job, err := c.mutateOwned(agent, jobGUID, func(job *types.Job) error {
		if job.Status != types.JobStatusAssigned && job.Status != types.JobStatusRunning {
			return errdefs.Newf(errdefs.KindConflict, "job is %s, progress not accepted", job.Status)
		}
		job.Progress = progress
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.publishForTenant(job, "job.progress")
	return job, nil
}

// CompleteInput is the agent's terminal success report.
type CompleteInput struct {
	Result     json.RawMessage `json:"result"`
	Signature  string          `json:"signature"`
	NoChange   bool            `json:"no_change"`
	PriorGUID  string          `json:"prior_result,omitempty"`
}

// Complete finalizes a job. The result signature is verified over the
// canonicalized JSON with the per-job secret; a mismatch leaves the job
// running. Completion of a CANCELLED job is accepted and discarded so
// agents that missed the cancellation signal terminate cleanly.
func (c *Coordinator) Complete(agent *types.Agent, jobGUID string, in *CompleteInput) (*types.Job, error) {
	// Verify outside the row transaction: hashing large results under the
	// store's write lock would stall every other transition.
	current, err := c.store.GetJobByGUID(jobGUID)
	if err != nil {
		return nil, err
	}
	if current.TenantID != agent.TenantID {
		return nil, errdefs.New(errdefs.KindNotFound, "job not found")
	}
	if !in.NoChange && current.Status != types.JobStatusCancelled {
		ok, err := VerifyResult(current.SigningSecret, in.Result, in.Signature)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errdefs.New(errdefs.KindResultSignatureInvalid, "result signature does not match")
		}
	}

	discarded := false
	job, err := c.mutateOwned(agent, jobGUID, func(job *types.Job) error {
		if job.Status == types.JobStatusCancelled {
			// Terminal report accepted, payload discarded.
			discarded = true
			return nil
		}
		if job.Status != types.JobStatusRunning && job.Status != types.JobStatusAssigned {
			return errdefs.Newf(errdefs.KindConflict, "job is %s, not completable", job.Status)
		}
		now := time.Now().UTC()
		job.Status = types.JobStatusCompleted
		job.FinishedAt = &now
		if in.NoChange {
			job.ResultGUID = in.PriorGUID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !discarded {
		c.logger.Info().Str("job_id", job.GUID).Bool("no_change", in.NoChange).Msg("job completed")
		c.publishForTenant(job, "job.completed")
	}
	return job, nil
}

// Fail records an agent-reported failure. With retries remaining the job
// returns to PENDING unassigned; otherwise it lands in FAILED.
func (c *Coordinator) Fail(agent *types.Agent, jobGUID string, message string) (*types.Job, error) {
	discarded := false
	job, err := c.mutateOwned(agent, jobGUID, func(job *types.Job) error {
		if job.Status == types.JobStatusCancelled {
			// Terminal report accepted, nothing to record.
			discarded = true
			return nil
		}
		if job.Status != types.JobStatusRunning && job.Status != types.JobStatusAssigned {
			return errdefs.Newf(errdefs.KindConflict, "job is %s, failure not accepted", job.Status)
		}
		applyFailure(job, message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if discarded {
		return job, nil
	}
	event := "job.retrying"
	if job.Status == types.JobStatusFailed {
		event = "job.failed"
	}
	c.logger.Warn().
		Str("job_id", job.GUID).
		Str("agent_id", agent.GUID).
		Int("retry_count", job.RetryCount).
		Str("status", string(job.Status)).
		Msg("job failure reported")
	c.publishForTenant(job, event)
	return job, nil
}

// applyFailure is the single retry-policy implementation, shared by
// agent-reported failures and liveness releases.
func applyFailure(job *types.Job, message string) {
	if job.RetryCount < job.RetryLimit {
		job.RetryCount++
		job.Status = types.JobStatusPending
		job.AssignedAgent = nil
		job.ClaimedAt = nil
		job.StartedAt = nil
		return
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusFailed
	job.FailureMessage = message
	job.AssignedAgent = nil
	job.FinishedAt = &now
}

// Cancel is admin-only. PENDING jobs cancel immediately; ASSIGNED or
// RUNNING jobs cancel and a cancellation signal is broadcast for the
// holding agent to observe.
func (c *Coordinator) Cancel(tenant *types.Tenant, jobGUID string) (*types.Job, error) {
	job, err := c.store.MutateJob(jobGUID, func(job *types.Job) error {
		if job.TenantID != tenant.ID {
			return errdefs.New(errdefs.KindNotFound, "job not found")
		}
		switch job.Status {
		case types.JobStatusPending, types.JobStatusAssigned, types.JobStatusRunning:
			now := time.Now().UTC()
			job.Status = types.JobStatusCancelled
			job.FinishedAt = &now
			return nil
		case types.JobStatusCancelled:
			return nil // idempotent
		default:
			return errdefs.Newf(errdefs.KindConflict, "job is %s, not cancellable", job.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("job_id", job.GUID).Msg("job cancelled")
	c.publishJob(tenant.GUID, job, "job.cancelled")
	c.publishPool(tenant)
	return job, nil
}

// ReleaseAgentJobs returns a vanished agent's in-flight jobs to the queue
// with retry accounting, or fails them when retries are exhausted. The
// operation is idempotent per job: a second sweep finds nothing to release.
func (c *Coordinator) ReleaseAgentJobs(agentID uint64, reason string) (int, error) {
	jobs, err := c.store.ListActiveJobsByAgent(agentID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, j := range jobs {
		job, err := c.store.MutateJob(j.GUID, func(job *types.Job) error {
			// Re-check under the write transaction: the job may have been
			// completed, cancelled, or re-claimed since the listing.
			if job.AssignedAgent == nil || *job.AssignedAgent != agentID {
				return errdefs.New(errdefs.KindConflict, "job no longer held by this agent")
			}
			if job.Status != types.JobStatusAssigned && job.Status != types.JobStatusRunning {
				return errdefs.New(errdefs.KindConflict, "job no longer in flight")
			}
			applyFailure(job, reason)
			return nil
		})
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				continue
			}
			return released, err
		}
		released++
		event := "job.retrying"
		if job.Status == types.JobStatusFailed {
			event = "job.failed"
		}
		c.publishForTenant(job, event)
	}
	if released > 0 {
		c.logger.Info().Uint64("agent", agentID).Int("released", released).Msg("released in-flight jobs")
	}
	return released, nil
}

// DiscoverCameras upserts a batch of opaque camera identifiers for the
// tenant, inserting missing ones as TEMPORARY, and returns the full set.
// Idempotent across retries.
func (c *Coordinator) DiscoverCameras(tenant *types.Tenant, identifiers []string) ([]*types.Camera, error) {
	for _, ident := range identifiers {
		if strings.TrimSpace(ident) == "" {
			return nil, errdefs.New(errdefs.KindValidation, "camera identifiers must be non-empty")
		}
	}
	return c.store.UpsertCameras(tenant.ID, func() string { return guid.New(guid.PrefixCamera) }, identifiers)
}

// ListAgentConnectors returns the tenant's connectors whose credentials
// live on agents, for GET /connectors.
func (c *Coordinator) ListAgentConnectors(tenant *types.Tenant) ([]*types.Connector, error) {
	connectors, err := c.store.ListConnectorsByTenant(tenant.ID)
	if err != nil {
		return nil, err
	}
	var filtered []*types.Connector
	for _, conn := range connectors {
		if conn.AgentCredentialed {
			filtered = append(filtered, conn)
		}
	}
	return filtered, nil
}

// PoolStatus computes the tenant's public pool snapshot: agent counts by
// status plus queue depth.
func (c *Coordinator) PoolStatus(tenant *types.Tenant) (*types.PoolStatus, error) {
	agents, err := c.store.ListAgentsByTenant(tenant.ID)
	if err != nil {
		return nil, err
	}
	jobs, err := c.store.ListJobsByTenant(tenant.ID)
	if err != nil {
		return nil, err
	}

	ps := &types.PoolStatus{TenantGUID: tenant.GUID, GeneratedAt: time.Now().UTC()}
	for _, a := range agents {
		switch a.Status {
		case types.AgentStatusOnline:
			ps.AgentsOnline++
		case types.AgentStatusBusy:
			ps.AgentsBusy++
		case types.AgentStatusError:
			ps.AgentsError++
		case types.AgentStatusOffline:
			ps.AgentsOffline++
		}
	}
	for _, j := range jobs {
		switch j.Status {
		case types.JobStatusPending:
			ps.JobsPending++
		case types.JobStatusRunning, types.JobStatusAssigned:
			ps.JobsRunning++
		}
	}
	return ps, nil
}

// PublishPool recomputes and broadcasts the tenant's pool snapshot. The
// liveness tracker calls this after status transitions.
func (c *Coordinator) PublishPool(tenant *types.Tenant) {
	c.publishPool(tenant)
}

// mutateOwned guards a job transition on ownership: cross-tenant callers see
// not_found, same-tenant non-owners see a conflict.
func (c *Coordinator) mutateOwned(agent *types.Agent, jobGUID string, fn func(*types.Job) error) (*types.Job, error) {
	return c.store.MutateJob(jobGUID, func(job *types.Job) error {
		if job.TenantID != agent.TenantID {
			return errdefs.New(errdefs.KindNotFound, "job not found")
		}
		if job.AssignedAgent == nil || *job.AssignedAgent != agent.ID {
			return errdefs.New(errdefs.KindConflict, "job is not assigned to this agent")
		}
		return fn(job)
	})
}

// JobSnapshot is the public wire shape of a job, published on broadcast
// channels and returned by the REST surface.
type JobSnapshot struct {
	GUID           string          `json:"guid"`
	Tool           string          `json:"tool"`
	Mode           string          `json:"mode,omitempty"`
	Status         types.JobStatus `json:"status"`
	Priority       int             `json:"priority"`
	RequiredCaps   []string        `json:"required_capabilities,omitempty"`
	RetryCount     int             `json:"retry_count"`
	RetryLimit     int             `json:"retry_limit"`
	Progress       json.RawMessage `json:"progress,omitempty"`
	ResultGUID     string          `json:"result,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// Snapshot builds the public job shape. The per-job signing secret and all
// internal integer ids stay out of it.
func Snapshot(job *types.Job) *JobSnapshot {
	return &JobSnapshot{
		GUID:           job.GUID,
		Tool:           job.Tool,
		Mode:           job.Mode,
		Status:         job.Status,
		Priority:       job.Priority,
		RequiredCaps:   job.RequiredCaps,
		RetryCount:     job.RetryCount,
		RetryLimit:     job.RetryLimit,
		Progress:       job.Progress,
		ResultGUID:     job.ResultGUID,
		FailureMessage: job.FailureMessage,
		CreatedAt:      job.CreatedAt,
		ClaimedAt:      job.ClaimedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
	}
}

type jobEvent struct {
	Type string       `json:"type"`
	Job  *JobSnapshot `json:"job"`
}

// publishForTenant resolves the tenant GUID, then publishes the job event
// and a refreshed pool snapshot.
func (c *Coordinator) publishForTenant(job *types.Job, eventType string) {
	tenant, err := c.store.GetTenant(job.TenantID)
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.GUID).Msg("cannot resolve tenant for broadcast")
		return
	}
	c.publishJob(tenant.GUID, job, eventType)
	c.publishPool(tenant)
}

// publishJob computes the payload once and hands it to the broker for the
// tenant-wide jobs channel and the per-job channel.
func (c *Coordinator) publishJob(tenantGUID string, job *types.Job, eventType string) {
	payload, err := json.Marshal(&jobEvent{Type: eventType, Job: Snapshot(job)})
	if err != nil {
		c.logger.Error().Err(err).Str("job_id", job.GUID).Msg("cannot encode job event")
		return
	}
	c.broker.Publish(broadcast.JobsChannel(tenantGUID), payload)
	c.broker.Publish(broadcast.JobChannel(job.GUID), payload)
}

func (c *Coordinator) publishPool(tenant *types.Tenant) {
	ps, err := c.PoolStatus(tenant)
	if err != nil {
		c.logger.Error().Err(err).Str("tenant", tenant.GUID).Msg("cannot compute pool status")
		return
	}
	payload, err := json.Marshal(ps)
	if err != nil {
		c.logger.Error().Err(err).Str("tenant", tenant.GUID).Msg("cannot encode pool status")
		return
	}
	c.broker.Publish(broadcast.PoolChannel(tenant.GUID), payload)
}

func pathHasDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// pathUnderRoots reports whether p sits under at least one root, matching on
// directory boundaries so /photos-archive never matches root /photos. Parent
// references anywhere disqualify the path outright.
func pathUnderRoots(p string, roots []string) bool {
	if pathHasDotDot(p) {
		return false
	}
	cleaned := strings.TrimRight(p, "/")
	for _, root := range roots {
		if root == "" {
			continue
		}
		r := strings.TrimRight(root, "/")
		if r == "" {
			// Root "/" authorizes the whole filesystem.
			return true
		}
		if cleaned == r || strings.HasPrefix(cleaned, r+"/") {
			return true
		}
	}
	return false
}
