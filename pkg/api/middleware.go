package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/metrics"
)

// handlerFunc is a handler that has already passed the auth gate.
type handlerFunc func(w http.ResponseWriter, r *http.Request, ctx *auth.Context)

// statusRecorder captures the response status for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request counts and latency per method.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

// requireAgent admits only agent API-key credentials.
func (s *Server) requireAgent(next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.gate.AuthenticateRequest(r)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, err)
			return
		}
		if ctx.Agent == nil {
			s.writeError(w, r, errdefs.New(errdefs.KindUnauthenticated, "agent credentials required"))
			return
		}
		next(w, r, ctx)
	})
}

// requireTenant admits sessions, API tokens, and agents: anything with a
// tenant scope.
func (s *Server) requireTenant(next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.gate.AuthenticateRequest(r)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, err)
			return
		}
		next(w, r, ctx)
	})
}

// requireSession admits interactive sessions only; API tokens and agents
// are rejected.
func (s *Server) requireSession(next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := s.gate.AuthenticateRequest(r)
		if err != nil {
			metrics.AuthFailuresTotal.Inc()
			s.writeError(w, r, err)
			return
		}
		if ctx.User == nil || ctx.IsAPIToken || ctx.Agent != nil {
			s.writeError(w, r, errdefs.New(errdefs.KindInsufficientPrivilege, "interactive session required"))
			return
		}
		next(w, r, ctx)
	})
}

// requireAdmin is requireSession plus the allowlist check.
func (s *Server) requireAdmin(next handlerFunc) http.Handler {
	return s.requireSession(func(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
		if err := auth.RequireAdmin(ctx); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, ctx)
	})
}

// writeError translates a domain error into {detail} with the kind's
// status. Internal causes are logged, never echoed.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	status := errdefs.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"detail": errdefs.Detail(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON rejects malformed bodies and unknown fields with a
// validation error.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errdefs.Wrap(err, errdefs.KindValidation, "malformed request body")
	}
	return nil
}
