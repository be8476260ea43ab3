// Package mcp implements the client side of the MCP worker contract:
// tool invocation over HTTP and the structured health endpoint consumed
// by the control plane's prober.
package mcp

import (
	"context"
	"encoding/json"
	"time"
)

// HealthState is the status value a worker reports from its health endpoint.
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateDegraded HealthState = "degraded"
)

// CallResult represents the outcome of a forwarded tool call.
type CallResult struct {
	Success   bool            `json:"success"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	LatencyMs int64           `json:"latency_ms"`
}

// HealthReport is the parsed result of a successful health probe.
type HealthReport struct {
	Status  HealthState   `json:"status"`
	Latency time.Duration `json:"-"`
}

// Degraded reports whether the worker flagged itself as degraded.
func (h *HealthReport) Degraded() bool {
	return h.Status == HealthStateDegraded
}

// Client is the transport used to reach a single backend worker.
type Client interface {
	// CallTool invokes a tool on the worker. Transport and upstream
	// failures are reported through CallResult.Success/Error rather
	// than the error return, which is reserved for request
	// construction problems.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error)

	// CheckHealth probes the worker's health endpoint. It returns an
	// error for any outcome that does not qualify as a probe success:
	// non-2xx status, malformed body, unknown status value, or timeout.
	CheckHealth(ctx context.Context) (*HealthReport, error)
}
