package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/types"
)

// requireNonAgent guards tenant operations agents have no business calling.
func requireNonAgent(ctx *auth.Context) error {
	if ctx.Agent != nil {
		return errdefs.New(errdefs.KindInsufficientPrivilege, "not available to agent credentials")
	}
	return nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := requireNonAgent(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in coordinator.CreateJobInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.coord.CreateJob(ctx.Tenant, &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, coordinator.Snapshot(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	jobs, err := s.store.ListJobsByTenant(ctx.Tenant.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*coordinator.JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, coordinator.Snapshot(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	job, err := s.coord.GetJob(ctx.Tenant, mux.Vars(r)["guid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := requireNonAgent(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.coord.Cancel(ctx.Tenant, mux.Vars(r)["guid"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
}

// agentView is the public agent shape. The API key appears only as its
// display prefix.
type agentView struct {
	GUID          string            `json:"guid"`
	Name          string            `json:"name"`
	Hostname      string            `json:"hostname,omitempty"`
	Status        types.AgentStatus `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	APIKeyPrefix  string            `json:"api_key_prefix"`
	Version       string            `json:"version,omitempty"`
	Verified      bool              `json:"verified"`
	RevokedReason string            `json:"revoked_reason,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	// Listing doubles as a sweep trigger so a stale fleet view is corrected
	// even if the background ticker is behind.
	if _, err := s.tracker.Sweep(time.Now().UTC()); err != nil {
		s.logger.Warn().Err(err).Msg("sweep on list failed")
	}

	agents, err := s.store.ListAgentsByTenant(ctx.Tenant.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, &agentView{
			GUID:          a.GUID,
			Name:          a.Name,
			Hostname:      a.Hostname,
			Status:        a.Status,
			LastHeartbeat: a.LastHeartbeat,
			Capabilities:  a.Capabilities,
			APIKeyPrefix:  a.APIKeyPrefix,
			Version:       a.Version,
			Verified:      a.Verified,
			RevokedReason: a.RevokedReason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	ps, err := s.coord.PoolStatus(ctx.Tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Name        string   `json:"name"`
		Scopes      []string `json:"scopes"`
		ExpiryHours int      `json:"expiry_hours"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	signed, token, err := s.gate.IssueToken(ctx.Tenant, ctx.User, in.Name, in.Scopes, time.Duration(in.ExpiryHours)*time.Hour)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The signed token appears here exactly once.
	writeJSON(w, http.StatusCreated, map[string]any{
		"guid":       token.GUID,
		"name":       token.Name,
		"token":      signed,
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	tokens, err := s.gate.ListTokens(ctx.Tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, map[string]any{
			"guid":         t.GUID,
			"name":         t.Name,
			"token_prefix": t.TokenPrefix,
			"scopes":       t.Scopes,
			"active":       t.Active,
			"expires_at":   t.ExpiresAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := s.gate.RevokeToken(ctx.Tenant, mux.Vars(r)["guid"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
