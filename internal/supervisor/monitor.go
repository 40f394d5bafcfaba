package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultMonitorTimeout = 5 * time.Second

// monitorResponse is the body served by the supervisor's monitoring endpoint.
type monitorResponse struct {
	Processes []Process `json:"processes"`
}

// MonitorClient fetches the supervisor's process list over HTTP.
type MonitorClient struct {
	client *resty.Client
}

// NewMonitorClient creates a client for the endpoint at baseURL.
// A zero timeout selects the default of five seconds.
func NewMonitorClient(baseURL string, timeout time.Duration) *MonitorClient {
	if timeout <= 0 {
		timeout = defaultMonitorTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &MonitorClient{client: client}
}

// GetMonitorData returns the current process list. Failures are not retried.
func (c *MonitorClient) GetMonitorData(ctx context.Context) ([]Process, error) {
	var body monitorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&body).
		Get("/")
	if err != nil {
		return nil, fmt.Errorf("monitor request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("monitor request: HTTP %d", resp.StatusCode())
	}
	return body.Processes, nil
}
