package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shuttersense/shuttersense/pkg/liveness"
	"github.com/shuttersense/shuttersense/pkg/log"
)

// Tool executes one job and returns its JSON result. report streams
// opaque progress payloads back to the coordinator.
type Tool interface {
	Run(ctx context.Context, job *ClaimedJob, report func(progress any)) (json.RawMessage, error)
}

// heartbeatJitter spreads agent heartbeats so a fleet restarted together
// does not beat in lockstep.
const heartbeatJitter = 2 * time.Second

// Runtime is the worker process: a heartbeat loop and a claim loop over
// the agent API, dispatching claimed jobs to registered tools.
type Runtime struct {
	cfg    *Config
	client *Client
	tools  map[string]Tool
	logger zerolog.Logger

	mu       sync.Mutex
	lastBeat *HeartbeatResponse
	busy     bool
}

// NewRuntime builds the worker runtime around a loaded config.
func NewRuntime(cfg *Config, client *Client) *Runtime {
	return &Runtime{
		cfg:    cfg,
		client: client,
		tools:  make(map[string]Tool),
		logger: log.WithComponent("agent"),
	}
}

// RegisterTool makes a tool claimable by name.
func (rt *Runtime) RegisterTool(name string, tool Tool) {
	rt.tools[name] = tool
}

// LastHeartbeat returns the most recent server acknowledgement, for the
// outdated-version warning.
func (rt *Runtime) LastHeartbeat() *HeartbeatResponse {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.lastBeat
}

// Run drives both loops until the context is cancelled or the server
// revokes this agent. On clean shutdown it sends a disconnect so the
// coordinator releases state immediately instead of waiting for the sweep.
func (rt *Runtime) Run(ctx context.Context) error {
	rt.logger.Info().
		Str("server", rt.cfg.ServerURL).
		Str("agent_id", rt.cfg.AgentGUID).
		Msg("agent runtime starting")

	// First heartbeat up front so the fleet view flips to online without
	// waiting a full interval.
	if err := rt.beat(ctx); err != nil && errors.Is(err, ErrRevoked) {
		return ErrRevoked
	}

	errCh := make(chan error, 2)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { errCh <- rt.heartbeatLoop(loopCtx) }()
	go func() { errCh <- rt.claimLoop(loopCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	// Graceful disconnect on the way out, revocation excepted.
	if !errors.Is(runErr, ErrRevoked) {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := rt.client.Disconnect(shutdownCtx); err != nil {
			rt.logger.Warn().Err(err).Msg("disconnect failed")
		}
	}
	return runErr
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) error {
	interval := time.Duration(rt.cfg.HeartbeatIntervalSeconds) * time.Second
	for {
		jitter := time.Duration(rand.Int63n(int64(2*heartbeatJitter))) - heartbeatJitter
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval + jitter):
			if err := rt.beat(ctx); err != nil {
				if errors.Is(err, ErrRevoked) {
					return ErrRevoked
				}
				rt.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (rt *Runtime) beat(ctx context.Context) error {
	rt.mu.Lock()
	status := "online"
	if rt.busy {
		status = "busy"
	}
	rt.mu.Unlock()

	resp, err := rt.client.Heartbeat(ctx, &liveness.HeartbeatInput{
		Status:          status,
		Capabilities:    rt.capabilities(),
		AuthorizedRoots: rt.cfg.AuthorizedRoots,
		Version:         Version,
	})
	if err != nil {
		return err
	}

	rt.mu.Lock()
	prev := rt.lastBeat
	rt.lastBeat = resp
	rt.mu.Unlock()

	if resp.LatestVersion != "" && resp.LatestVersion != Version &&
		(prev == nil || prev.LatestVersion != resp.LatestVersion) {
		rt.logger.Warn().
			Str("running", Version).
			Str("latest", resp.LatestVersion).
			Msg("a newer agent release is available")
	}
	return nil
}

// capabilities is the advertised set: configured extras plus one tag per
// registered tool.
func (rt *Runtime) capabilities() []string {
	caps := append([]string(nil), rt.cfg.Capabilities...)
	for name := range rt.tools {
		caps = append(caps, "tool:"+name+":"+Version)
	}
	if len(rt.cfg.AuthorizedRoots) > 0 {
		caps = append(caps, "local_filesystem")
	}
	return caps
}

// claimLoop polls for work with backoff on an empty queue.
func (rt *Runtime) claimLoop(ctx context.Context) error {
	poll := time.Duration(rt.cfg.PollIntervalSeconds) * time.Second
	backoff := poll
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		claimed, err := rt.client.Claim(ctx)
		if err != nil {
			if errors.Is(err, ErrRevoked) {
				return ErrRevoked
			}
			rt.logger.Warn().Err(err).Msg("claim failed")
			backoff = nextBackoff(backoff, poll)
			continue
		}
		if claimed == nil {
			backoff = nextBackoff(backoff, poll)
			continue
		}

		backoff = poll
		rt.execute(ctx, claimed)
	}
}

// nextBackoff doubles up to 4x the poll interval.
func nextBackoff(current, base time.Duration) time.Duration {
	next := current * 2
	if max := 4 * base; next > max {
		next = max
	}
	return next
}

// execute runs one claimed job through its tool, reporting the outcome.
func (rt *Runtime) execute(ctx context.Context, claimed *ClaimedJob) {
	jobLog := rt.logger.With().Str("job_id", claimed.Job.GUID).Str("tool", claimed.Job.Tool).Logger()

	rt.mu.Lock()
	rt.busy = true
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.busy = false
		rt.mu.Unlock()
	}()

	tool, ok := rt.tools[claimed.Job.Tool]
	if !ok {
		jobLog.Error().Msg("claimed a job for an unknown tool")
		_ = rt.client.Fail(ctx, claimed.Job.GUID, "tool not available on this agent")
		return
	}

	jobLog.Info().Msg("job started")
	report := func(progress any) {
		if err := rt.client.Progress(ctx, claimed.Job.GUID, progress); err != nil {
			jobLog.Warn().Err(err).Msg("progress report failed")
		}
	}

	result, err := tool.Run(ctx, claimed, report)
	if err != nil {
		jobLog.Error().Err(err).Msg("job failed")
		_ = rt.client.Fail(ctx, claimed.Job.GUID, err.Error())
		return
	}
	if err := rt.client.Complete(ctx, claimed.Job.GUID, claimed.SigningSecret, result); err != nil {
		jobLog.Error().Err(err).Msg("result submission failed")
		return
	}
	jobLog.Info().Msg("job completed")
}

// Version is the agent build version, set via ldflags.
var Version = "dev"

// Platform returns this build's platform tag.
func Platform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// SnapshotTool adapts a plain function into a Tool.
type SnapshotTool func(ctx context.Context, job *ClaimedJob, report func(progress any)) (json.RawMessage, error)

func (f SnapshotTool) Run(ctx context.Context, job *ClaimedJob, report func(progress any)) (json.RawMessage, error) {
	return f(ctx, job, report)
}
