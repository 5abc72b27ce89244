// Package client is an HTTP client for the autoscaled control-plane
// monitoring API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Instance mirrors the control plane's view of one worker container.
type Instance struct {
	Name                string    `json:"name"`
	CreatedAt           time.Time `json:"createdAt"`
	ActiveRequests      int       `json:"activeRequests"`
	CurrentCPU          float64   `json:"currentCpu"`
	CurrentMemory       float64   `json:"currentMemory"`
	CurrentDisk         float64   `json:"currentDisk"`
	Healthy             bool      `json:"healthy"`
	HealthCheckFailures int       `json:"healthCheckFailures"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	Draining            bool      `json:"draining"`
}

// Snapshot is the monitoring endpoint payload.
type Snapshot struct {
	InstanceCount int        `json:"instanceCount"`
	CurrentCount  int        `json:"currentCount"`
	MaxCount      int        `json:"maxCount"`
	Instances     []Instance `json:"instances"`
}

// Client talks to a running control plane.
type Client struct {
	baseURL            string
	monitoringEndpoint string
	httpClient         *http.Client
}

// New creates a client for the given base URL. monitoringEndpoint must
// match the control plane's configured endpoint (default "/healthz").
func New(baseURL, monitoringEndpoint string) *Client {
	return &Client{
		baseURL:            baseURL,
		monitoringEndpoint: monitoringEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Snapshot fetches the fleet snapshot.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.monitoringEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &snap, nil
}
