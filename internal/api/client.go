package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/thatjpcsguy/minipaas/internal/autoscale"
	"github.com/thatjpcsguy/minipaas/internal/deploy"
	"github.com/thatjpcsguy/minipaas/internal/docker"
)

// Client talks to a running daemon
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a client for the daemon at baseURL. Deploys can take
// minutes, so requests are bounded only by their context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// Deploy builds and starts a workload
func (c *Client) Deploy(ctx context.Context, req deploy.Request) (deploy.Result, error) {
	var resp DeployResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workloads", req, &resp, &resp.APIResponse); err != nil {
		return deploy.Result{}, err
	}
	return *resp.Result, nil
}

// Redeploy rebuilds a workload from its recorded source
func (c *Client) Redeploy(ctx context.Context, name string, env map[string]string, limits docker.Limits) (deploy.Result, error) {
	var resp DeployResponse
	body := RedeployRequest{Env: env, Limits: limits}
	if err := c.do(ctx, http.MethodPost, workloadPath(name, "redeploy"), body, &resp, &resp.APIResponse); err != nil {
		return deploy.Result{}, err
	}
	return *resp.Result, nil
}

// Rollback runs a previously published version
func (c *Client) Rollback(ctx context.Context, name, target string) (deploy.Result, error) {
	var resp DeployResponse
	body := RollbackRequest{Version: target}
	if err := c.do(ctx, http.MethodPost, workloadPath(name, "rollback"), body, &resp, &resp.APIResponse); err != nil {
		return deploy.Result{}, err
	}
	return *resp.Result, nil
}

// StartMonitor starts autoscaling a workload
func (c *Client) StartMonitor(ctx context.Context, name string, threshold int, logPath string) (autoscale.MonitorInfo, error) {
	var resp MonitorResponse
	body := MonitorRequest{Threshold: threshold, LogPath: logPath}
	if err := c.do(ctx, http.MethodPost, workloadPath(name, "monitor"), body, &resp, &resp.APIResponse); err != nil {
		return autoscale.MonitorInfo{}, err
	}
	return *resp.Monitor, nil
}

// StopMonitor stops autoscaling a workload
func (c *Client) StopMonitor(ctx context.Context, name string) error {
	var resp APIResponse
	return c.do(ctx, http.MethodDelete, workloadPath(name, "monitor"), nil, &resp, &resp)
}

// List returns every registered workload
func (c *Client) List(ctx context.Context) ([]WorkloadStatus, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/workloads", nil, &resp, &resp.APIResponse); err != nil {
		return nil, err
	}
	return resp.Workloads, nil
}

// Get returns one workload
func (c *Client) Get(ctx context.Context, name string) (WorkloadStatus, error) {
	var resp WorkloadResponse
	if err := c.do(ctx, http.MethodGet, workloadPath(name, ""), nil, &resp, &resp.APIResponse); err != nil {
		return WorkloadStatus{}, err
	}
	return *resp.Workload, nil
}

func workloadPath(name, action string) string {
	p := "/v1/workloads/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

// do sends body as JSON and decodes the response into out. base is the
// APIResponse embedded in out.
func (c *Client) do(ctx context.Context, method, path string, body, out any, base *APIResponse) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach minipaas daemon at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if base.Error != nil {
		return &Error{Status: resp.StatusCode, APIError: *base.Error}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &Error{Status: resp.StatusCode, APIError: APIError{Code: CodeInternal, Message: resp.Status}}
	}
	return nil
}
