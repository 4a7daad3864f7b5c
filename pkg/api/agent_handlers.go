package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/liveness"
	"github.com/shuttersense/shuttersense/pkg/metrics"
	"github.com/shuttersense/shuttersense/pkg/registry"
	"github.com/shuttersense/shuttersense/pkg/types"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in registry.RegisterInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.registry.Register(&in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type heartbeatResponse struct {
	Acknowledged  bool   `json:"acknowledged"`
	ServerTime    string `json:"server_time"`
	LatestVersion string `json:"latest_version,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in liveness.HeartbeatInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.tracker.Heartbeat(ctx.Agent.GUID, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	metrics.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, heartbeatResponse{
		Acknowledged:  true,
		ServerTime:    time.Now().UTC().Format(time.RFC3339),
		LatestVersion: s.latestReleaseVersion(),
	})
}

// latestReleaseVersion is advisory; agents surface a warning when their own
// version trails it. Failures degrade to an empty field.
func (s *Server) latestReleaseVersion() string {
	manifests, err := s.store.ListManifests()
	if err != nil {
		return ""
	}
	for _, m := range manifests {
		if m.Active {
			return m.Version
		}
	}
	return ""
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	if err := s.tracker.Disconnect(ctx.Agent.GUID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

// claimResponse reveals the per-job signing secret to the claiming agent,
// the only place it ever leaves the server.
type claimResponse struct {
	Job           *coordinator.JobSnapshot `json:"job"`
	SigningSecret string                   `json:"signing_secret"`
	Collection    *collectionRef           `json:"collection,omitempty"`
}

type collectionRef struct {
	GUID       string `json:"guid"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	timer := metrics.NewTimer()
	job, err := s.coord.Claim(ctx.Agent)
	timer.ObserveDuration(metrics.ClaimLatency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.JobsClaimed.Inc()

	resp := claimResponse{Job: coordinator.Snapshot(job), SigningSecret: job.SigningSecret}
	if job.CollectionID != nil {
		if col, err := s.store.GetCollection(*job.CollectionID); err == nil {
			resp.Collection = &collectionRef{GUID: col.GUID, Name: col.Name, SourcePath: col.SourcePath}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Progress json.RawMessage `json:"progress"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	guid := mux.Vars(r)["guid"]

	// The first progress report doubles as the start signal.
	if _, err := s.coord.Start(ctx.Agent, guid); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.coord.Progress(ctx.Agent, guid, in.Progress)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in coordinator.CompleteInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.coord.Complete(ctx.Agent, mux.Vars(r)["guid"], &in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.coord.Fail(ctx.Agent, mux.Vars(r)["guid"], in.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Status == types.JobStatusPending {
		metrics.JobsRetried.Inc()
	}
	writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
}

// handleUpload drives a chunked result upload through its three phases,
// keyed by the session token the begin phase hands out.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Phase     string `json:"phase"` // begin, chunk, finalize
		Token     string `json:"token,omitempty"`
		Data      []byte `json:"data,omitempty"` // base64 on the wire
		Signature string `json:"signature,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	guid := mux.Vars(r)["guid"]

	switch in.Phase {
	case "begin":
		token, err := s.coord.BeginUpload(ctx.Agent, guid)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	case "chunk":
		if err := s.coord.AppendUpload(ctx.Agent, in.Token, in.Data); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
	case "finalize":
		job, err := s.coord.FinalizeUpload(ctx.Agent, in.Token, in.Signature)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, coordinator.Snapshot(job))
	default:
		s.writeError(w, r, errdefs.Newf(errdefs.KindValidation, "unknown phase %q", in.Phase))
	}
}

func (s *Server) handleDiscoverCameras(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	var in struct {
		Identifiers []string `json:"identifiers"`
	}
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	cameras, err := s.coord.DiscoverCameras(ctx.Tenant, in.Identifiers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(cameras))
	for _, cam := range cameras {
		out = append(out, map[string]string{
			"guid":       cam.GUID,
			"identifier": cam.Identifier,
			"status":     string(cam.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cameras": out})
}

func (s *Server) handleAgentConnectors(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	connectors, err := s.coord.ListAgentConnectors(ctx.Tenant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(connectors))
	for _, c := range connectors {
		out = append(out, map[string]string{
			"guid":     c.GUID,
			"name":     c.Name,
			"provider": string(c.Provider),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": out})
}
