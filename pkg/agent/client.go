package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shuttersense/shuttersense/pkg/coordinator"
	"github.com/shuttersense/shuttersense/pkg/liveness"
	"github.com/shuttersense/shuttersense/pkg/registry"
)

// ErrRevoked is returned once the server reports this agent as revoked.
// The runtime must stop and never retry.
var ErrRevoked = errors.New("agent revoked")

// Client is the worker's HTTP client against the coordinator's agent API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client. apiKey may be empty for registration.
func NewClient(serverURL, apiKey string) *Client {
	return &Client{
		baseURL: serverURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode >= 400 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		if resp.StatusCode == http.StatusForbidden && detail.Detail == "agent has been revoked" {
			return ErrRevoked
		}
		return &apiError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Register admits this worker with a registration token. The response
// carries the API key exactly once.
func (c *Client) Register(ctx context.Context, in *registry.RegisterInput) (*registry.RegisterResult, error) {
	var result registry.RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/register", in, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HeartbeatResponse is the server's acknowledgement, cached locally so the
// CLI can warn about outdated versions between beats.
type HeartbeatResponse struct {
	Acknowledged  bool   `json:"acknowledged"`
	ServerTime    string `json:"server_time"`
	LatestVersion string `json:"latest_version,omitempty"`
}

func (c *Client) Heartbeat(ctx context.Context, in *liveness.HeartbeatInput) (*HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/api/agent/v1/heartbeat", in, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/agent/v1/disconnect", struct{}{}, nil)
}

// ClaimedJob is the server's claim response.
type ClaimedJob struct {
	Job           *coordinator.JobSnapshot `json:"job"`
	SigningSecret string                   `json:"signing_secret"`
	Collection    *struct {
		GUID       string `json:"guid"`
		Name       string `json:"name"`
		SourcePath string `json:"source_path"`
	} `json:"collection"`
}

// Claim asks for work. Returns (nil, nil) when the queue has nothing for
// this agent.
func (c *Client) Claim(ctx context.Context) (*ClaimedJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agent/v1/jobs/claim", bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 400:
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		if resp.StatusCode == http.StatusForbidden && detail.Detail == "agent has been revoked" {
			return nil, ErrRevoked
		}
		return nil, &apiError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	var claimed ClaimedJob
	if err := json.NewDecoder(resp.Body).Decode(&claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (c *Client) Progress(ctx context.Context, jobGUID string, progress any) error {
	return c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/progress", map[string]any{
		"progress": progress,
	}, nil)
}

// Complete signs the result with the per-job secret and submits it.
func (c *Client) Complete(ctx context.Context, jobGUID, signingSecret string, result []byte) error {
	sig, err := coordinator.SignResult(signingSecret, result)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/complete", map[string]any{
		"result":    json.RawMessage(result),
		"signature": sig,
	}, nil)
}

func (c *Client) Fail(ctx context.Context, jobGUID, message string) error {
	return c.do(ctx, http.MethodPost, "/api/agent/v1/jobs/"+jobGUID+"/fail", map[string]string{
		"message": message,
	}, nil)
}

// DiscoverCameras reports camera identifiers found while processing.
func (c *Client) DiscoverCameras(ctx context.Context, identifiers []string) error {
	return c.do(ctx, http.MethodPost, "/api/agent/v1/cameras/discover", map[string][]string{
		"identifiers": identifiers,
	}, nil)
}
