// Package orchestrator implements the control plane that distributes
// tool-execution requests across a pool of MCP workers: per-server
// health state, circuit breaking, pluggable load-balancing strategies,
// and session affinity.
package orchestrator

import (
	"fmt"
	"time"
)

// ServerStatus is the probe-driven availability state of a server.
type ServerStatus string

const (
	StatusOffline   ServerStatus = "offline"
	StatusHealthy   ServerStatus = "healthy"
	StatusDegraded  ServerStatus = "degraded"
	StatusUnhealthy ServerStatus = "unhealthy"
)

// Available reports whether the server may receive traffic.
func (s ServerStatus) Available() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// CircuitState is the fault-isolation state of a server's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Strategy selects how the balancer picks among available servers.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted_round_robin"
	StrategyResponseTime     Strategy = "response_time"
	StrategyRandom           Strategy = "random"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted,
		StrategyResponseTime, StrategyRandom:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown load-balancing strategy: %q", s)
	}
}

// ServerDef is the immutable registration-time configuration of a server.
type ServerDef struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	URL               string `json:"url"`
	Weight            int    `json:"weight"`
	MaxConnections    int    `json:"max_connections"`
	FailoverThreshold int    `json:"failover_threshold"`
	RecoveryThreshold int    `json:"recovery_threshold"`
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	TotalServers          int     `json:"total"`
	Healthy               int     `json:"healthy"`
	Degraded              int     `json:"degraded"`
	Unhealthy             int     `json:"unhealthy"`
	Offline               int     `json:"offline"`
	TotalConnections      int64   `json:"totalConnections"`
	AvgResponseTimeMs     float64 `json:"avgResponseTimeMs"`
	Strategy              string  `json:"strategy"`
	StickySessionsEnabled bool    `json:"stickySessionsEnabled"`
	CircuitBreakerEnabled bool    `json:"circuitBreakerEnabled"`
	ActiveSessions        int     `json:"activeSessions"`
}

// ServerDetail is a snapshot of one server's public state.
type ServerDetail struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	URL               string       `json:"url"`
	Status            ServerStatus `json:"status"`
	Connections       int64        `json:"connections"`
	AvgResponseTimeMs float64      `json:"avgResponseTime"`
	ErrorRate         float64      `json:"errorRate"`
	TotalRequests     int64        `json:"totalRequests"`
	LastHealthCheck   time.Time    `json:"lastHealthCheck"`
	Weight            int          `json:"weight"`
	MaxConnections    int          `json:"maxConnections"`
	CircuitState      CircuitState `json:"circuitState"`
}
