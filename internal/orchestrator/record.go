package orchestrator

import (
	"sync"
	"time"
)

// Smoothing weight applied to new response-time samples.
const responseTimeAlpha = 0.1

// ServerRecord holds the live health and performance state of one
// registered server. All mutation goes through the Record* methods;
// status is derived solely from the consecutive-outcome counters.
type ServerRecord struct {
	def ServerDef

	mu                sync.Mutex
	status            ServerStatus
	connections       int64
	consecutiveFails  int
	consecutiveOKs    int
	totalRequests     int64
	totalErrors       int64
	errorRate         float64
	avgResponseTimeMs float64
	lastHealthCheck   time.Time
}

// NewServerRecord creates a record in the OFFLINE state.
func NewServerRecord(def ServerDef) *ServerRecord {
	return &ServerRecord{def: def, status: StatusOffline}
}

// Def returns the immutable registration config.
func (r *ServerRecord) Def() ServerDef { return r.def }

// ID returns the server's identifier.
func (r *ServerRecord) ID() string { return r.def.ID }

// Name returns the server's display name.
func (r *ServerRecord) Name() string { return r.def.Name }

// URL returns the server's base URL.
func (r *ServerRecord) URL() string { return r.def.URL }

// Weight returns the server's static balancing weight.
func (r *ServerRecord) Weight() int { return r.def.Weight }

// Status returns the current availability state.
func (r *ServerRecord) Status() ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Connections returns the approximate in-flight request count.
func (r *ServerRecord) Connections() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connections
}

// AvgResponseTimeMs returns the smoothed response time in milliseconds.
func (r *ServerRecord) AvgResponseTimeMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avgResponseTimeMs
}

// AcquireConn increments the in-flight counter before a forwarded call.
func (r *ServerRecord) AcquireConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections++
}

// ReleaseConn decrements the in-flight counter after a forwarded call.
func (r *ServerRecord) ReleaseConn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections > 0 {
		r.connections--
	}
}

// RecordSuccess feeds a successful probe or request outcome into the
// state machine. latencyMs is the measured round-trip time.
func (r *ServerRecord) RecordSuccess(latencyMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveOKs++
	r.consecutiveFails = 0
	r.totalRequests++
	r.errorRate = float64(r.totalErrors) / float64(r.totalRequests)

	if r.avgResponseTimeMs == 0 {
		r.avgResponseTimeMs = latencyMs
	} else {
		r.avgResponseTimeMs = r.avgResponseTimeMs*(1-responseTimeAlpha) + latencyMs*responseTimeAlpha
	}

	switch {
	case r.consecutiveOKs >= r.def.RecoveryThreshold &&
		(r.status == StatusUnhealthy || r.status == StatusOffline):
		r.status = StatusHealthy
	case r.status == StatusOffline && r.totalRequests == 1:
		// Fast bring-up: a server whose very first outcome succeeds
		// does not wait for the full recovery threshold.
		r.status = StatusHealthy
	}
}

// RoffailureThreshold and friends live on def; see RecordFailure.

// RecordFailure feeds a failed probe or request outcome into the state
// machine.
func (r *ServerRecord) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveFails++
	r.consecutiveOKs = 0
	r.totalRequests++
	r.totalErrors++
	r.errorRate = float64(r.totalErrors) / float64(r.totalRequests)

	if r.consecutiveFails >= r.def.FailoverThreshold {
		r.status = StatusUnhealthy
	}
}

// ApplyProbeStatus records the sub-state a successful probe reported.
// It only applies while the server is in the available family; an
// UNHEALTHY or OFFLINE server must recover through the counter rule.
func (r *ServerRecord) ApplyProbeStatus(degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Available() {
		return
	}
	if degraded {
		r.status = StatusDegraded
	} else {
		r.status = StatusHealthy
	}
}

// MarkChecked stamps the time of the latest health probe.
func (r *ServerRecord) MarkChecked(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHealthCheck = t
}

// Detail returns a snapshot of the record's public fields.
func (r *ServerRecord) Detail() ServerDetail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ServerDetail{
		ID:                r.def.ID,
		Name:              r.def.Name,
		URL:               r.def.URL,
		Status:            r.status,
		Connections:       r.connections,
		AvgResponseTimeMs: r.avgResponseTimeMs,
		ErrorRate:         r.errorRate,
		TotalRequests:     r.totalRequests,
		LastHealthCheck:   r.lastHealthCheck,
		Weight:            r.def.Weight,
		MaxConnections:    r.def.MaxConnections,
	}
}
