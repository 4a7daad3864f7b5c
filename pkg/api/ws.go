package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shuttersense/shuttersense/pkg/auth"
	"github.com/shuttersense/shuttersense/pkg/broadcast"
	"github.com/shuttersense/shuttersense/pkg/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the UI origin; cross-origin policy is
	// enforced by the session cookie, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWSPool(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	s.serveStream(w, r, broadcast.PoolChannel(ctx.Tenant.GUID))
}

// handleWSJobs streams either the tenant-wide job feed or, with ?job=<guid>,
// a single job's updates.
func (s *Server) handleWSJobs(w http.ResponseWriter, r *http.Request, ctx *auth.Context) {
	channel := broadcast.JobsChannel(ctx.Tenant.GUID)
	if jobGUID := r.URL.Query().Get("job"); jobGUID != "" {
		// Resolve tenant-scoped so a foreign GUID cannot be observed.
		if _, err := s.coord.GetJob(ctx.Tenant, jobGUID); err != nil {
			s.writeError(w, r, err)
			return
		}
		channel = broadcast.JobChannel(jobGUID)
	}
	s.serveStream(w, r, channel)
}

// serveStream upgrades the connection and pumps broker payloads until the
// client goes away or falls too far behind.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, channel string) {
	sub, err := s.broker.Subscribe(channel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.broker.Unsubscribe(sub)
		return
	}

	metrics.StreamSubscribers.Inc()
	defer func() {
		metrics.StreamSubscribers.Dec()
		s.broker.Unsubscribe(sub)
		_ = conn.Close()
	}()

	// Reader exists only to observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case payload := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-sub.Done():
			// Dropped by the broker (slow consumer or shutdown).
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
