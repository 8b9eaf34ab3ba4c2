package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/model"
)

// Client talks to the control plane's agent poll gateway. All traffic is
// outbound from the node; the control plane never dials back.
type Client struct {
	baseURL    string
	nodeID     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(baseURL, nodeID string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		nodeID:  nodeID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "api-client").Logger(),
	}
}

// CheckInPayload is the identity report sent on every check-in.
type CheckInPayload struct {
	Hostname   string          `json:"hostname"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func (c *Client) CheckIn(ctx context.Context, p CheckInPayload) error {
	return c.postJSON(ctx, fmt.Sprintf("/agent/v1/nodes/%s/checkin", c.nodeID), p)
}

// NextJob polls for a claimable job instance. Returns nil when nothing is
// pending.
func (c *Client) NextJob(ctx context.Context) (*model.PendingJob, error) {
	var pj model.PendingJob
	ok, err := c.getJSON(ctx, fmt.Sprintf("/agent/v1/nodes/%s/jobs/pending", c.nodeID), &pj)
	if err != nil || !ok {
		return nil, err
	}
	return &pj, nil
}

// JobResultPayload is the terminal report for a job instance.
type JobResultPayload struct {
	InstanceID string `json:"instance_id"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

func (c *Client) ReportJobResult(ctx context.Context, p JobResultPayload) error {
	return c.postJSON(ctx, fmt.Sprintf("/agent/v1/nodes/%s/jobs/result", c.nodeID), p)
}

// NextDeployment polls for an eligible deployment action. Returns nil when
// nothing is pending.
func (c *Client) NextDeployment(ctx context.Context) (*model.PendingDeployment, error) {
	var pd model.PendingDeployment
	ok, err := c.getJSON(ctx, fmt.Sprintf("/agent/v1/nodes/%s/deployments/pending", c.nodeID), &pd)
	if err != nil || !ok {
		return nil, err
	}
	return &pd, nil
}

// DeploymentStatusPayload reports deployment progress or a terminal outcome.
type DeploymentStatusPayload struct {
	DeploymentStatusID string `json:"deployment_status_id"`
	Status             string `json:"status"`
	Output             string `json:"output"`
	ErrorMessage       string `json:"error_message"`
}

func (c *Client) ReportDeploymentStatus(ctx context.Context, p DeploymentStatusPayload) error {
	return c.postJSON(ctx, fmt.Sprintf("/agent/v1/nodes/%s/deployments/status", c.nodeID), p)
}

// getJSON decodes a 200 response into v; a 204 returns ok=false.
func (c *Client) getJSON(ctx context.Context, path string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("decode %s response: %w", path, err)
	}
	return true, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("POST %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}
