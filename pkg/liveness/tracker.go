package liveness

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/metrics"
	"github.com/shuttersense/shuttersense/pkg/storage"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// heartbeatTimeout is how long an agent may stay silent before the sweep
	// marks it offline. Three missed 30-second heartbeats.
	heartbeatTimeout = 90 * time.Second
	// sweepInterval is the background sweep cadence, chosen so a vanished
	// agent is caught within 30 seconds of crossing the timeout.
	sweepInterval = 30 * time.Second
	// cancelledHoldDeadline is how long a cancelled job stays attributed to
	// its agent waiting for the terminal report before the sweep detaches it.
	cancelledHoldDeadline = 10 * time.Minute
)

// Tracker owns agent liveness: heartbeat ingestion, graceful disconnect,
// revocation, and the offline sweep that returns a vanished agent's jobs to
// the queue.
type Tracker struct {
	store  storage.Store
	coord  *coordinator.Coordinator
	logger zerolog.Logger
}

// NewTracker wires the tracker to the store and the job coordinator.
func NewTracker(store storage.Store, coord *coordinator.Coordinator) *Tracker {
	return &Tracker{
		store:  store,
		coord:  coord,
		logger: log.WithComponent("liveness"),
	}
}

// HeartbeatInput is the agent-reported state accompanying a heartbeat.
// Capabilities and AuthorizedRoots replace the stored sets wholesale when
// non-nil; nil leaves them untouched. A busy agent may piggyback its current
// job's progress instead of making a separate progress call.
type HeartbeatInput struct {
	Status             string          `json:"status"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	Capabilities       []string        `json:"capabilities"`
	AuthorizedRoots    []string        `json:"authorized_roots"`
	Version            string          `json:"version"`
	CurrentJobGUID     string          `json:"current_job,omitempty"`
	CurrentJobProgress json.RawMessage `json:"current_job_progress,omitempty"`
}

// heartbeatStatuses are the states an agent may self-report. OFFLINE is
// reached only through disconnect or the sweep, REVOKED only through
// revocation.
var heartbeatStatuses = map[string]types.AgentStatus{
	"":       types.AgentStatusOnline,
	"online": types.AgentStatusOnline,
	"busy":   types.AgentStatusBusy,
	"error":  types.AgentStatusError,
}

// Heartbeat records a liveness report. The stored timestamp is the server
// clock, never the agent's, so skewed agent clocks cannot dodge the sweep.
func (tr *Tracker) Heartbeat(agentGUID string, in *HeartbeatInput) (*types.Agent, error) {
	status, ok := heartbeatStatuses[in.Status]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindValidation, "unknown status %q", in.Status)
	}

	agent, err := tr.store.MutateAgent(agentGUID, func(a *types.Agent) error {
		if a.Status == types.AgentStatusRevoked {
			return errdefs.New(errdefs.KindAgentRevoked, "agent has been revoked")
		}
		a.Status = status
		a.LastHeartbeat = time.Now().UTC()
		if in.Capabilities != nil {
			a.Capabilities = in.Capabilities
		}
		if in.AuthorizedRoots != nil {
			a.AuthorizedRoots = in.AuthorizedRoots
		}
		if in.Version != "" {
			a.Version = in.Version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tr.publishPool(agent.TenantID)

	if in.ErrorMessage != "" {
		tr.logger.Warn().
			Str("agent_id", agent.GUID).
			Str("error", in.ErrorMessage).
			Msg("agent reported an error")
	}
	if in.CurrentJobGUID != "" && len(in.CurrentJobProgress) > 0 {
		// Piggybacked progress rides the same path as a progress report:
		// persisted and fanned out, with ownership checked there. A report
		// for a job the agent no longer holds is dropped, not an error;
		// the heartbeat itself already succeeded.
		if _, err := tr.coord.Progress(agent, in.CurrentJobGUID, in.CurrentJobProgress); err != nil {
			tr.logger.Debug().
				Err(err).
				Str("agent_id", agent.GUID).
				Str("job_id", in.CurrentJobGUID).
				Msg("heartbeat progress dropped")
		}
	}
	return agent, nil
}

// Disconnect handles a graceful shutdown notice: the agent goes OFFLINE
// immediately and its in-flight jobs return to the queue without waiting for
// the timeout.
func (tr *Tracker) Disconnect(agentGUID string) error {
	agent, err := tr.store.MutateAgent(agentGUID, func(a *types.Agent) error {
		if a.Status == types.AgentStatusRevoked {
			return errdefs.New(errdefs.KindAgentRevoked, "agent has been revoked")
		}
		a.Status = types.AgentStatusOffline
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := tr.coord.ReleaseAgentJobs(agent.ID, "agent disconnected"); err != nil {
		return err
	}
	tr.logger.Info().Str("agent_id", agent.GUID).Msg("agent disconnected")
	tr.publishPool(agent.TenantID)
	return nil
}

// Revoke terminates an agent's access permanently. Its API key stops
// authenticating, in-flight jobs return to the queue, and only manual
// deletion clears the record. Idempotent.
func (tr *Tracker) Revoke(tenant *types.Tenant, agentGUID, reason string) (*types.Agent, error) {
	agent, err := tr.store.MutateAgent(agentGUID, func(a *types.Agent) error {
		if a.TenantID != tenant.ID {
			return errdefs.New(errdefs.KindNotFound, "agent not found")
		}
		if a.Status == types.AgentStatusRevoked {
			return nil
		}
		now := time.Now().UTC()
		a.Status = types.AgentStatusRevoked
		a.RevokedReason = reason
		a.RevokedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := tr.coord.ReleaseAgentJobs(agent.ID, "agent revoked"); err != nil {
		return nil, err
	}
	tr.logger.Warn().Str("agent_id", agent.GUID).Str("reason", reason).Msg("agent revoked")
	tr.publishPool(agent.TenantID)
	return agent, nil
}

// Sweep marks every agent silent past the timeout as OFFLINE and returns
// its jobs to the queue. The status re-check happens inside the write
// transaction, so a heartbeat racing the sweep wins cleanly and a second
// sweep finds nothing to do. Also detaches cancelled jobs whose agent never
// sent the terminal report within the hold deadline.
func (tr *Tracker) Sweep(now time.Time) (int, error) {
	agents, err := tr.store.ListAgents()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, a := range agents {
		if !sweepable(a, now) {
			continue
		}
		agent, err := tr.store.MutateAgent(a.GUID, func(a *types.Agent) error {
			if !sweepable(a, now) {
				return errdefs.New(errdefs.KindConflict, "agent no longer stale")
			}
			a.Status = types.AgentStatusOffline
			return nil
		})
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindConflict) {
				continue
			}
			return swept, err
		}

		released, err := tr.coord.ReleaseAgentJobs(agent.ID, "agent heartbeat timed out")
		if err != nil {
			return swept, err
		}
		swept++
		metrics.AgentsSwept.Inc()
		tr.logger.Warn().
			Str("agent_id", agent.GUID).
			Time("last_heartbeat", agent.LastHeartbeat).
			Int("jobs_released", released).
			Msg("agent marked offline")
		tr.publishPool(agent.TenantID)
	}

	if err := tr.detachStaleCancelled(now); err != nil {
		return swept, err
	}
	return swept, nil
}

func sweepable(a *types.Agent, now time.Time) bool {
	switch a.Status {
	case types.AgentStatusOnline, types.AgentStatusBusy, types.AgentStatusError:
		return now.Sub(a.LastHeartbeat) > heartbeatTimeout
	default:
		return false
	}
}

// detachStaleCancelled clears the agent attribution from cancelled jobs
// whose terminal report never arrived, so listings stop showing the job as
// held long after the agent went away.
func (tr *Tracker) detachStaleCancelled(now time.Time) error {
	tenants, err := tr.store.ListTenants()
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		jobs, err := tr.store.ListJobsByTenant(tenant.ID)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.Status != types.JobStatusCancelled || j.AssignedAgent == nil {
				continue
			}
			if j.FinishedAt == nil || now.Sub(*j.FinishedAt) <= cancelledHoldDeadline {
				continue
			}
			_, err := tr.store.MutateJob(j.GUID, func(job *types.Job) error {
				if job.Status != types.JobStatusCancelled {
					return errdefs.New(errdefs.KindConflict, "job no longer cancelled")
				}
				job.AssignedAgent = nil
				return nil
			})
			if err != nil && !errdefs.IsKind(err, errdefs.KindConflict) {
				return err
			}
		}
	}
	return nil
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (tr *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	tr.logger.Info().Dur("interval", sweepInterval).Msg("offline sweep started")
	for {
		select {
		case <-ctx.Done():
			tr.logger.Info().Msg("offline sweep stopped")
			return
		case <-ticker.C:
			if _, err := tr.Sweep(time.Now().UTC()); err != nil {
				tr.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

func (tr *Tracker) publishPool(tenantID uint64) {
	tenant, err := tr.store.GetTenant(tenantID)
	if err != nil {
		tr.logger.Error().Err(err).Uint64("tenant", tenantID).Msg("cannot resolve tenant for broadcast")
		return
	}
	tr.coord.PublishPool(tenant)
}
