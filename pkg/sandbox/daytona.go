package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// DaytonaClient is the HTTP client for the sandbox provider API.
type DaytonaClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewDaytonaClient creates a provider client.
func NewDaytonaClient(cfg Config) *DaytonaClient {
	return &DaytonaClient{
		baseURL: cfg.ServerURL,
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Create provisions a new sandbox from a snapshot.
func (c *DaytonaClient) Create(ctx context.Context, req CreateRequest) (*Instance, error) {
	var inst Instance
	if err := c.do(ctx, http.MethodPost, "/sandbox", req, &inst); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return &inst, nil
}

// Get fetches one sandbox.
func (c *DaytonaClient) Get(ctx context.Context, sandboxID string) (*Instance, error) {
	var inst Instance
	if err := c.do(ctx, http.MethodGet, "/sandbox/"+sandboxID, nil, &inst); err != nil {
		return nil, fmt.Errorf("failed to get sandbox %s: %w", sandboxID, err)
	}
	return &inst, nil
}

// List returns all sandboxes visible to this API key.
func (c *DaytonaClient) List(ctx context.Context) ([]*Instance, error) {
	var instances []*Instance
	if err := c.do(ctx, http.MethodGet, "/sandbox", nil, &instances); err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	return instances, nil
}

// Start asks the provider to start a stopped sandbox.
func (c *DaytonaClient) Start(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodPost, "/sandbox/"+sandboxID+"/start", nil, nil); err != nil {
		return fmt.Errorf("failed to start sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// Stop asks the provider to stop a running sandbox.
func (c *DaytonaClient) Stop(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodPost, "/sandbox/"+sandboxID+"/stop", nil, nil); err != nil {
		return fmt.Errorf("failed to stop sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// Delete terminates a sandbox.
func (c *DaytonaClient) Delete(ctx context.Context, sandboxID string) error {
	if err := c.do(ctx, http.MethodDelete, "/sandbox/"+sandboxID, nil, nil); err != nil {
		return fmt.Errorf("failed to delete sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// Exec runs a shell command inside the sandbox.
func (c *DaytonaClient) Exec(ctx context.Context, sandboxID, command, cwd string) (*ExecResult, error) {
	payload := map[string]string{"command": command}
	if cwd != "" {
		payload["cwd"] = cwd
	}
	var result ExecResult
	if err := c.do(ctx, http.MethodPost, "/toolbox/"+sandboxID+"/process/execute", payload, &result); err != nil {
		return nil, fmt.Errorf("failed to exec in sandbox %s: %w", sandboxID, err)
	}
	return &result, nil
}

// UploadFile writes contents to a path inside the sandbox.
func (c *DaytonaClient) UploadFile(ctx context.Context, sandboxID, path string, contents []byte) error {
	endpoint := fmt.Sprintf("/toolbox/%s/files/upload?path=%s", sandboxID, url.QueryEscape(path))
	if err := c.doRaw(ctx, http.MethodPost, endpoint, contents, nil); err != nil {
		return fmt.Errorf("failed to upload %s to sandbox %s: %w", path, sandboxID, err)
	}
	return nil
}

// DownloadFile reads a file from the sandbox.
func (c *DaytonaClient) DownloadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	endpoint := fmt.Sprintf("/toolbox/%s/files/download?path=%s", sandboxID, url.QueryEscape(path))
	var out []byte
	if err := c.doRaw(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to download %s from sandbox %s: %w", path, sandboxID, err)
	}
	return out, nil
}

// DeleteFile removes a file inside the sandbox.
func (c *DaytonaClient) DeleteFile(ctx context.Context, sandboxID, path string) error {
	endpoint := fmt.Sprintf("/toolbox/%s/files?path=%s", sandboxID, url.QueryEscape(path))
	if err := c.doRaw(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s in sandbox %s: %w", path, sandboxID, err)
	}
	return nil
}

// PreviewURL resolves the public preview link for a sandbox port.
func (c *DaytonaClient) PreviewURL(ctx context.Context, sandboxID string, port int) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	endpoint := fmt.Sprintf("/sandbox/%s/ports/%d/preview", sandboxID, port)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return "", fmt.Errorf("failed to resolve preview URL for sandbox %s: %w", sandboxID, err)
	}
	return out.URL, nil
}

// do issues a JSON request/response round trip.
func (c *DaytonaClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request: %w", err)
		}
	}
	raw, err := c.roundTrip(ctx, method, endpoint, payload, "application/json")
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// doRaw issues a request carrying/returning raw bytes.
func (c *DaytonaClient) doRaw(ctx context.Context, method, endpoint string, body []byte, out *[]byte) error {
	raw, err := c.roundTrip(ctx, method, endpoint, body, "application/octet-stream")
	if err != nil {
		return err
	}
	if out != nil {
		*out = raw
	}
	return nil
}

func (c *DaytonaClient) roundTrip(ctx context.Context, method, endpoint string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}
