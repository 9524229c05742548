package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the gateway's admin endpoint. The gateway is a black box:
// the control plane only asks it to test a candidate configuration, apply it,
// and reload. Every call carries a bounded timeout so a stuck gateway cannot
// block the scheduler.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway admin client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Ping checks whether the gateway admin endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health returned status %d", resp.StatusCode)
	}
	return nil
}

// Test asks the gateway to validate the configuration currently staged in the
// artifact directory without activating it.
func (c *Client) Test(ctx context.Context, artifactDir string) error {
	return c.post(ctx, "/config/test", artifactDir)
}

// Apply activates the staged configuration.
func (c *Client) Apply(ctx context.Context, artifactDir string) error {
	return c.post(ctx, "/config/apply", artifactDir)
}

// Reload asks the gateway to re-read its active configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.post(ctx, "/config/reload", "")
}

func (c *Client) post(ctx context.Context, path, artifactDir string) error {
	var body io.Reader
	if artifactDir != "" {
		payload, err := json.Marshal(map[string]string{"dir": artifactDir})
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway %s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
