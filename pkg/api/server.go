package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/liveness"
	"github.com/shuttersense/shuttersense/pkg/log"
	"github.com/shuttersense/shuttersense/pkg/metrics"
	"github.com/shuttersense/shuttersense/pkg/registry"
	"github.com/shuttersense/shuttersense/pkg/storage"
)

// Server is the coordinator's HTTP surface: the agent API, the tenant API,
// the admin API, websocket streams, and the operational endpoints.
type Server struct {
	store    storage.Store
	gate     *auth.Gate
	registry *registry.Service
	coord    *coordinator.Coordinator
	tracker  *liveness.Tracker
	broker   *broadcast.Broker
	http     *http.Server
	logger   zerolog.Logger
}

// Config carries the server wiring.
type Config struct {
	ListenAddr string
	Store      storage.Store
	Gate       *auth.Gate
	Registry   *registry.Service
	Coord      *coordinator.Coordinator
	Tracker    *liveness.Tracker
	Broker     *broadcast.Broker
}

// NewServer builds the HTTP server and its route table.
func NewServer(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		gate:     cfg.Gate,
		registry: cfg.Registry,
		coord:    cfg.Coord,
		tracker:  cfg.Tracker,
		broker:   cfg.Broker,
		logger:   log.WithComponent("api"),
	}

	r := mux.NewRouter()
	r.Use(s.instrument)

	// Agent surface. Registration is the only unauthenticated route; token
	// possession is the gate.
	agent := r.PathPrefix("/api/agent/v1").Subrouter()
	agent.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	agent.Handle("/heartbeat", s.requireAgent(s.handleHeartbeat)).Methods(http.MethodPost)
	agent.Handle("/disconnect", s.requireAgent(s.handleDisconnect)).Methods(http.MethodPost)
	agent.Handle("/jobs/claim", s.requireAgent(s.handleClaim)).Methods(http.MethodPost)
	agent.Handle("/jobs/{guid}/progress", s.requireAgent(s.handleProgress)).Methods(http.MethodPost)
	agent.Handle("/jobs/{guid}/complete", s.requireAgent(s.handleComplete)).Methods(http.MethodPost)
	agent.Handle("/jobs/{guid}/fail", s.requireAgent(s.handleFail)).Methods(http.MethodPost)
	agent.Handle("/jobs/{guid}/results/upload", s.requireAgent(s.handleUpload)).Methods(http.MethodPost)
	agent.Handle("/cameras/discover", s.requireAgent(s.handleDiscoverCameras)).Methods(http.MethodPost)
	agent.Handle("/connectors", s.requireAgent(s.handleAgentConnectors)).Methods(http.MethodGet)
	agent.Handle("/pool-status", s.requireTenant(s.handlePoolStatus)).Methods(http.MethodGet)

	// Tenant surface: humans and API tokens, scoped to their own tenant.
	tenant := r.PathPrefix("/api/v1").Subrouter()
	tenant.Handle("/jobs", s.requireTenant(s.handleCreateJob)).Methods(http.MethodPost)
	tenant.Handle("/jobs", s.requireTenant(s.handleListJobs)).Methods(http.MethodGet)
	tenant.Handle("/jobs/{guid}", s.requireTenant(s.handleGetJob)).Methods(http.MethodGet)
	tenant.Handle("/jobs/{guid}/cancel", s.requireTenant(s.handleCancelJob)).Methods(http.MethodPost)
	tenant.Handle("/agents", s.requireTenant(s.handleListAgents)).Methods(http.MethodGet)
	tenant.Handle("/pool-status", s.requireTenant(s.handlePoolStatus)).Methods(http.MethodGet)
	tenant.Handle("/tokens", s.requireSession(s.handleIssueToken)).Methods(http.MethodPost)
	tenant.Handle("/tokens", s.requireTenant(s.handleListTokens)).Methods(http.MethodGet)
	tenant.Handle("/tokens/{guid}", s.requireSession(s.handleRevokeToken)).Methods(http.MethodDelete)

	// Websocket streams: session holders only.
	r.Handle("/ws/pool", s.requireSession(s.handleWSPool)).Methods(http.MethodGet)
	r.Handle("/ws/jobs", s.requireSession(s.handleWSJobs)).Methods(http.MethodGet)

	// Admin surface: session plus the email-hash allowlist.
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Handle("/release-manifests", s.requireAdmin(s.handleCreateManifest)).Methods(http.MethodPost)
	admin.Handle("/release-manifests", s.requireAdmin(s.handleListManifests)).Methods(http.MethodGet)
	admin.Handle("/release-manifests/{guid}", s.requireAdmin(s.handleGetManifest)).Methods(http.MethodGet)
	admin.Handle("/release-manifests/{guid}", s.requireAdmin(s.handlePatchManifest)).Methods(http.MethodPatch)
	admin.Handle("/release-manifests/{guid}", s.requireAdmin(s.handleDeleteManifest)).Methods(http.MethodDelete)
	admin.Handle("/release-manifests/{guid}/artifacts", s.requireAdmin(s.handleAddArtifact)).Methods(http.MethodPost)
	admin.Handle("/teams", s.requireAdmin(s.handleCreateTeam)).Methods(http.MethodPost)
	admin.Handle("/teams", s.requireAdmin(s.handleListTeams)).Methods(http.MethodGet)
	admin.Handle("/teams/{guid}", s.requireAdmin(s.handleDeactivateTeam)).Methods(http.MethodDelete)
	admin.Handle("/agent/v1/tokens", s.requireAdmin(s.handleCreateRegToken)).Methods(http.MethodPost)
	admin.Handle("/agent/v1/tokens", s.requireAdmin(s.handleListRegTokens)).Methods(http.MethodGet)
	admin.Handle("/agent/v1/tokens/{guid}", s.requireAdmin(s.handleDeleteRegToken)).Methods(http.MethodDelete)
	admin.Handle("/agent/v1/{guid}", s.requireAdmin(s.handleRevokeAgent)).Methods(http.MethodDelete)

	// Operational endpoints, unauthenticated.
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/healthz", metrics.HealthHandler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
