package coordinator

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
	"github.com/shuttersense/shuttersense/pkg/types"
)

const (
	// uploadTTL is how long an idle upload session survives.
	uploadTTL = 15 * time.Minute
	// uploadMaxBytes bounds a single result upload.
	uploadMaxBytes = 32 << 20
)

// uploadSession accumulates a chunked result upload from one agent. Sessions
// are in-memory only; a coordinator restart aborts in-flight uploads and the
// agent starts over.
type uploadSession struct {
	token     string
	jobGUID   string
	agentID   uint64
	buf       []byte
	expiresAt time.Time
}

type uploadManager struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession
}

func newUploadManager() *uploadManager {
	return &uploadManager{sessions: make(map[string]*uploadSession)}
}

// begin opens a session and returns its opaque token. Expired sessions are
// reaped lazily here rather than by a background timer.
func (u *uploadManager) begin(jobGUID string, agentID uint64) string {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	for token, s := range u.sessions {
		if now.After(s.expiresAt) {
			delete(u.sessions, token)
		}
	}

	token := uuid.NewString()
	u.sessions[token] = &uploadSession{
		token:     token,
		jobGUID:   jobGUID,
		agentID:   agentID,
		expiresAt: now.Add(uploadTTL),
	}
	return token
}

func (u *uploadManager) lookup(token string, agentID uint64) (*uploadSession, error) {
	s, ok := u.sessions[token]
	if !ok || time.Now().After(s.expiresAt) {
		delete(u.sessions, token)
		return nil, errdefs.New(errdefs.KindNotFound, "upload session not found or expired")
	}
	if s.agentID != agentID {
		return nil, errdefs.New(errdefs.KindNotFound, "upload session not found or expired")
	}
	return s, nil
}

// append adds a chunk, extending the session's deadline.
func (u *uploadManager) append(token string, agentID uint64, chunk []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, err := u.lookup(token, agentID)
	if err != nil {
		return err
	}
	if len(s.buf)+len(chunk) > uploadMaxBytes {
		delete(u.sessions, token)
		return errdefs.Newf(errdefs.KindValidation, "upload exceeds %d bytes", uploadMaxBytes)
	}
	s.buf = append(s.buf, chunk...)
	s.expiresAt = time.Now().Add(uploadTTL)
	return nil
}

// take closes the session and returns the accumulated payload.
func (u *uploadManager) take(token string, agentID uint64) ([]byte, string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	s, err := u.lookup(token, agentID)
	if err != nil {
		return nil, "", err
	}
	delete(u.sessions, token)
	return s.buf, s.jobGUID, nil
}

// BeginUpload opens a chunked result upload for a job the agent holds.
func (c *Coordinator) BeginUpload(agent *types.Agent, jobGUID string) (string, error) {
	job, err := c.store.GetJobByGUID(jobGUID)
	if err != nil {
		return "", err
	}
	if job.TenantID != agent.TenantID {
		return "", errdefs.New(errdefs.KindNotFound, "job not found")
	}
	if job.AssignedAgent == nil || *job.AssignedAgent != agent.ID {
		return "", errdefs.New(errdefs.KindConflict, "job is not assigned to this agent")
	}
	if job.Status != types.JobStatusRunning && job.Status != types.JobStatusAssigned && job.Status != types.JobStatusCancelled {
		return "", errdefs.Newf(errdefs.KindConflict, "job is %s, uploads not accepted", job.Status)
	}
	return c.uploads.begin(jobGUID, agent.ID), nil
}

// AppendUpload adds a chunk to an open session.
func (c *Coordinator) AppendUpload(agent *types.Agent, token string, chunk []byte) error {
	return c.uploads.append(token, agent.ID, chunk)
}

// FinalizeUpload closes the session and completes its job with the
// accumulated payload as the result.
func (c *Coordinator) FinalizeUpload(agent *types.Agent, token, signature string) (*types.Job, error) {
	payload, jobGUID, err := c.uploads.take(token, agent.ID)
	if err != nil {
		return nil, err
	}
	return c.Complete(agent, jobGUID, &CompleteInput{
		Result:    json.RawMessage(payload),
		Signature: signature,
	})
}

// randomSecret mints the per-job signing secret.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindInternal, "failed to read randomness")
	}
	return hex.EncodeToString(buf), nil
}
