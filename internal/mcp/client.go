package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout bounds a forwarded tool call.
	DefaultCallTimeout = 30 * time.Second

	// DefaultHealthTimeout bounds a single health probe.
	DefaultHealthTimeout = 10 * time.Second

	toolCallPath = "/mcp/tools/call"
	healthPath   = "/health"
)

// HTTPClient talks to a single MCP worker over HTTP.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a client for the worker at baseURL. The timeout
// applies to forwarded tool calls; health probes are bounded by the
// caller's context instead.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// toolCallRequest is the wire format of the forwarding contract.
type toolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CallTool forwards a tool invocation to the worker.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	body, err := json.Marshal(toolCallRequest{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+toolCallPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.client.Do(req)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		return &CallResult{Success: false, Error: err.Error(), LatencyMs: latencyMs}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Debug("tool call rejected by worker",
			zap.String("tool", name),
			zap.Int("status", resp.StatusCode))
		return &CallResult{
			Success:   false,
			Error:     fmt.Sprintf("worker returned status %d: %s", resp.StatusCode, string(detail)),
			LatencyMs: latencyMs,
		}, nil
	}

	output, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallResult{Success: false, Error: err.Error(), LatencyMs: latencyMs}, nil
	}
	if !json.Valid(output) {
		return &CallResult{Success: false, Error: "worker returned malformed JSON", LatencyMs: latencyMs}, nil
	}

	return &CallResult{Success: true, Output: output, LatencyMs: latencyMs}, nil
}

// healthResponse is the body of the worker's health endpoint.
type healthResponse struct {
	Status string `json:"status"`
}

// CheckHealth probes GET /health and measures round-trip latency.
func (c *HTTPClient) CheckHealth(ctx context.Context) (*HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create health request: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	switch HealthState(body.Status) {
	case HealthStateHealthy, HealthStateDegraded:
		return &HealthReport{Status: HealthState(body.Status), Latency: latency}, nil
	default:
		return nil, fmt.Errorf("health endpoint reported status %q", body.Status)
	}
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
