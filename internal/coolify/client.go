// Package coolify is the HTTP client for the pool backend's application API.
// Every pool slot is one backend application; the client covers the create /
// start / stop / delete / describe surface the slot manager needs.
package coolify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meeboter/meeboter/internal/logging"
)

const (
	defaultTimeout = 30 * time.Second

	// Start calls hit the backend's deploy pipeline and see transient 429s
	// under load; they are retried with backoff.
	startRetries      = 3
	startRetryBackoff = 2 * time.Second
)

// Config holds connection settings for the pool backend.
type Config struct {
	BaseURL         string
	APIToken        string
	ProjectUUID     string
	ServerUUID      string
	EnvironmentName string
	Timeout         time.Duration
}

// Client talks to the pool backend API.
type Client struct {
	cfg  Config
	http *http.Client
}

// New builds a Client. BaseURL and APIToken are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pool backend base URL is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("pool backend API token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Application is the backend's view of one container application.
type Application struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Image       string `json:"docker_registry_image_name"`
}

// Deployment is one entry in an application's deployment history.
type Deployment struct {
	UUID      string    `json:"deployment_uuid"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateApplicationRequest describes a new docker-image application.
type CreateApplicationRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"docker_registry_image_name"`
	Tag         string            `json:"docker_registry_image_tag"`
	Env         map[string]string `json:"-"`
}

// CreateApplication creates a container application and returns its uuid.
func (c *Client) CreateApplication(ctx context.Context, req CreateApplicationRequest) (string, error) {
	body := map[string]any{
		"project_uuid":               c.cfg.ProjectUUID,
		"server_uuid":                c.cfg.ServerUUID,
		"environment_name":           c.cfg.EnvironmentName,
		"name":                       req.Name,
		"description":                req.Description,
		"docker_registry_image_name": req.Image,
		"docker_registry_image_tag":  req.Tag,
		"instant_deploy":             false,
	}

	var resp struct {
		UUID string `json:"uuid"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/applications/dockerimage", body, &resp); err != nil {
		return "", fmt.Errorf("create application %s: %w", req.Name, err)
	}
	if resp.UUID == "" {
		return "", fmt.Errorf("create application %s: backend returned no uuid", req.Name)
	}

	// Environment variables go in one bulk call after creation.
	if len(req.Env) > 0 {
		if err := c.SetEnv(ctx, resp.UUID, req.Env); err != nil {
			return "", fmt.Errorf("set env for application %s: %w", resp.UUID, err)
		}
	}
	return resp.UUID, nil
}

// SetEnv replaces the application's environment variables.
func (c *Client) SetEnv(ctx context.Context, appUUID string, env map[string]string) error {
	vars := make([]map[string]any, 0, len(env))
	for k, v := range env {
		vars = append(vars, map[string]any{"key": k, "value": v, "is_preview": false})
	}
	body := map[string]any{"data": vars}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/applications/"+appUUID+"/envs/bulk", body, nil); err != nil {
		return fmt.Errorf("bulk env update: %w", err)
	}
	return nil
}

// StartApplication starts (deploys) the application. Transient backend
// errors are retried with backoff.
func (c *Client) StartApplication(ctx context.Context, appUUID string) error {
	var lastErr error
	for attempt := 0; attempt < startRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(startRetryBackoff * time.Duration(attempt)):
			}
		}
		err := c.do(ctx, http.MethodGet, "/api/v1/applications/"+appUUID+"/start", nil, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		logging.Op().Warn("transient backend error on start, retrying",
			"application", appUUID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("start application %s: %w", appUUID, lastErr)
}

// StopApplication stops the application's container. Missing applications
// are treated as already stopped.
func (c *Client) StopApplication(ctx context.Context, appUUID string) error {
	err := c.do(ctx, http.MethodGet, "/api/v1/applications/"+appUUID+"/stop", nil, nil)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop application %s: %w", appUUID, err)
	}
	return nil
}

// DeleteApplication removes the application. Missing applications are
// treated as already deleted.
func (c *Client) DeleteApplication(ctx context.Context, appUUID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/applications/"+appUUID, nil, nil)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete application %s: %w", appUUID, err)
	}
	return nil
}

// GetApplication describes one application. Returns nil when it no longer
// exists on the backend.
func (c *Client) GetApplication(ctx context.Context, appUUID string) (*Application, error) {
	var app Application
	err := c.do(ctx, http.MethodGet, "/api/v1/applications/"+appUUID, nil, &app)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get application %s: %w", appUUID, err)
	}
	return &app, nil
}

// UpdateDescription sets the application's displayed description, used to
// show which bot a slot is serving.
func (c *Client) UpdateDescription(ctx context.Context, appUUID, description string) error {
	body := map[string]any{"description": description}
	if err := c.do(ctx, http.MethodPatch, "/api/v1/applications/"+appUUID, body, nil); err != nil {
		return fmt.Errorf("update description for %s: %w", appUUID, err)
	}
	return nil
}

// ListApplications returns all applications visible to the token. The orphan
// reconciler filters them by the pool naming prefix.
func (c *Client) ListApplications(ctx context.Context) ([]Application, error) {
	var apps []Application
	if err := c.do(ctx, http.MethodGet, "/api/v1/applications", nil, &apps); err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

// RecentDeployment reports whether a deployment for the application was
// queued or started within the given window. Used to skip redundant start
// calls.
func (c *Client) RecentDeployment(ctx context.Context, appUUID string, window time.Duration) (bool, error) {
	var resp struct {
		Deployments []Deployment `json:"deployments"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/deployments/applications/"+appUUID, nil, &resp)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list deployments for %s: %w", appUUID, err)
	}

	cutoff := time.Now().Add(-window)
	for _, d := range resp.Deployments {
		switch strings.ToLower(d.Status) {
		case "queued", "in_progress":
			if d.CreatedAt.After(cutoff) {
				return true, nil
			}
		}
	}
	return false, nil
}

// IsRunning reports whether the application's container is in a running
// state on the backend.
func (c *Client) IsRunning(ctx context.Context, appUUID string) (bool, error) {
	app, err := c.GetApplication(ctx, appUUID)
	if err != nil {
		return false, err
	}
	if app == nil {
		return false, nil
	}
	// Backend status strings look like "running:healthy" or "exited".
	return strings.HasPrefix(strings.ToLower(app.Status), "running"), nil
}

// apiError carries the backend's status code for classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	ae, ok := err.(*apiError)
	return ok && ae.status == http.StatusNotFound
}

func isTransient(err error) bool {
	ae, ok := err.(*apiError)
	if !ok {
		// Network-level failures are transient by definition.
		return true
	}
	return ae.status == http.StatusTooManyRequests || ae.status >= 500
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
