package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcplane/internal/mcp"
)

// Sentinel errors for the expected failure modes of Route. Probe
// failures are absorbed internally and never surface here.
var (
	// ErrNoHealthyServer means no candidate passed the health filter.
	ErrNoHealthyServer = errors.New("no healthy servers")

	// ErrCircuitOpen means the selected server's breaker rejected the call.
	ErrCircuitOpen = errors.New("circuit open")
)

// Config holds the process-wide orchestration settings. It is read-only
// after construction.
type Config struct {
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	ForwardTimeout     time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	Strategy           Strategy
	StickySessions     bool
	SessionTimeout     time.Duration
	CircuitBreaker     bool
	BreakerThreshold   int
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = mcp.DefaultHealthTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = mcp.DefaultCallTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 60 * time.Second
	}
	return c
}

// RegistryStore persists server definitions across restarts. The
// orchestrator mirrors registration changes into it when attached.
type RegistryStore interface {
	Save(ctx context.Context, def ServerDef) error
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status ServerStatus) error
}

// entry pairs the state the registry owns for one server. The record
// and breaker are created together at registration and destroyed
// together at deregistration.
type entry struct {
	record  *ServerRecord
	breaker *CircuitBreaker
	client  mcp.Client
}

// Orchestrator owns the server registry, drives the health-probe loop,
// and exposes the routing entry point.
type Orchestrator struct {
	cfg      Config
	logger   *zap.Logger
	balancer *Balancer
	sessions *sessionTable

	newClient func(baseURL string, timeout time.Duration) mcp.Client

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // registration order, keeps selection deterministic

	registry RegistryStore

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator from the given config.
func New(cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	sessions := newSessionTable(cfg.SessionTimeout)
	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		sessions: sessions,
		balancer: NewBalancer(cfg.Strategy, cfg.StickySessions, sessions),
		entries:  make(map[string]*entry),
	}
	o.newClient = func(baseURL string, timeout time.Duration) mcp.Client {
		return mcp.NewHTTPClient(baseURL, timeout, logger.Named("mcp"))
	}
	return o
}

// SetClientFactory overrides how backend clients are constructed. It
// must be called before any server is registered.
func (o *Orchestrator) SetClientFactory(fn func(baseURL string, timeout time.Duration) mcp.Client) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.newClient = fn
}

// AttachRegistry wires a persistent registry store. Registration
// changes and probe-driven status transitions are mirrored into it.
func (o *Orchestrator) AttachRegistry(store RegistryStore) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.registry = store
}

// AddServer registers a backend server and returns its ID. A missing ID
// is generated; missing thresholds and weight get safe defaults.
func (o *Orchestrator) AddServer(ctx context.Context, def ServerDef) (string, error) {
	if def.URL == "" {
		return "", errors.New("server URL required")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	if def.Weight <= 0 {
		def.Weight = 1
	}
	if def.FailoverThreshold <= 0 {
		def.FailoverThreshold = 3
	}
	if def.RecoveryThreshold <= 0 {
		def.RecoveryThreshold = 2
	}

	o.mu.Lock()
	if _, exists := o.entries[def.ID]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("server %q already registered", def.ID)
	}
	o.entries[def.ID] = &entry{
		record:  NewServerRecord(def),
		breaker: NewCircuitBreaker(o.cfg.BreakerThreshold, o.cfg.BreakerOpenTimeout),
		client:  o.newClient(def.URL, o.cfg.ForwardTimeout),
	}
	o.order = append(o.order, def.ID)
	store := o.registry
	o.mu.Unlock()

	if store != nil {
		if err := store.Save(ctx, def); err != nil {
			o.logger.Warn("failed to persist server registration",
				zap.String("server", def.ID), zap.Error(err))
		}
	}

	o.logger.Info("server registered",
		zap.String("server", def.ID),
		zap.String("url", def.URL),
		zap.Int("weight", def.Weight))
	return def.ID, nil
}

// RemoveServer deregisters a server, destroying its record and breaker
// and dropping any session affinities pointing at it.
func (o *Orchestrator) RemoveServer(ctx context.Context, id string) error {
	o.mu.Lock()
	if _, ok := o.entries[id]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("unknown server: %s", id)
	}
	delete(o.entries, id)
	for i, existing := range o.order {
		if existing == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	store := o.registry
	o.mu.Unlock()

	o.sessions.dropServer(id)

	if store != nil {
		if err := store.Delete(ctx, id); err != nil {
			o.logger.Warn("failed to remove server from registry store",
				zap.String("server", id), zap.Error(err))
		}
	}

	o.logger.Info("server deregistered", zap.String("server", id))
	return nil
}

// records returns the registered records in registration order.
func (o *Orchestrator) records() []*ServerRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*ServerRecord, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.entries[id].record)
	}
	return out
}

func (o *Orchestrator) entryFor(id string) *entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[id]
}

// Route selects a server, forwards the tool call, and feeds the outcome
// back into the server's record and breaker. It never retries; retry
// policy belongs to the caller (see RouteWithRetry). The in-flight
// counter is decremented exactly once on every exit path that
// incremented it.
func (o *Orchestrator) Route(ctx context.Context, tool string, args map[string]interface{}, sessionID string) (json.RawMessage, error) {
	rec := o.balancer.Select(o.records(), sessionID)
	if rec == nil {
		return nil, ErrNoHealthyServer
	}

	ent := o.entryFor(rec.ID())
	if ent == nil {
		// Deregistered between selection and dispatch.
		return nil, ErrNoHealthyServer
	}

	if o.cfg.CircuitBreaker && !ent.breaker.CanExecute() {
		return nil, fmt.Errorf("%w for server %s", ErrCircuitOpen, rec.Name())
	}

	rec.AcquireConn()
	defer rec.ReleaseConn()

	res, err := ent.client.CallTool(ctx, tool, args)
	if err != nil {
		rec.RecordFailure()
		if o.cfg.CircuitBreaker {
			ent.breaker.OnFailure()
		}
		return nil, fmt.Errorf("upstream call to %s failed: %w", rec.Name(), err)
	}
	if !res.Success {
		rec.RecordFailure()
		if o.cfg.CircuitBreaker {
			ent.breaker.OnFailure()
		}
		o.logger.Debug("tool call failed upstream",
			zap.String("server", rec.ID()),
			zap.String("tool", tool),
			zap.String("detail", res.Error))
		return nil, fmt.Errorf("upstream call to %s failed: %s", rec.Name(), res.Error)
	}

	rec.RecordSuccess(float64(res.LatencyMs))
	if o.cfg.CircuitBreaker {
		ent.breaker.OnSuccess()
	}
	if o.cfg.StickySessions && sessionID != "" {
		o.sessions.bind(sessionID, rec.ID())
	}
	return res.Output, nil
}

// RouteWithRetry wraps Route with the configured retry budget. Each
// attempt may land on a different server; the last error is returned
// when the budget is exhausted.
func (o *Orchestrator) RouteWithRetry(ctx context.Context, tool string, args map[string]interface{}, sessionID string) (json.RawMessage, error) {
	attempts := o.cfg.MaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.cfg.RetryDelay):
			}
		}
		out, err := o.Route(ctx, tool, args, sessionID)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Start launches the background health-probe loop. It is a no-op if the
// loop is already running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.probeLoop(loopCtx, o.done)
	o.logger.Info("orchestrator started",
		zap.Duration("probe_interval", o.cfg.ProbeInterval),
		zap.String("strategy", string(o.cfg.Strategy)))
}

// Stop stops the probe loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
	o.done = nil
	o.logger.Info("orchestrator stopped")
}

// Stats summarizes the pool. With zero servers or zero response-time
// samples every numeric field is zero rather than an error.
func (o *Orchestrator) Stats() Stats {
	details := o.ServerDetails()

	s := Stats{
		TotalServers:          len(details),
		Strategy:              string(o.cfg.Strategy),
		StickySessionsEnabled: o.cfg.StickySessions,
		CircuitBreakerEnabled: o.cfg.CircuitBreaker,
		ActiveSessions:        o.sessions.active(),
	}

	var sampleSum float64
	var sampled int
	for _, d := range details {
		switch d.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		case StatusUnhealthy:
			s.Unhealthy++
		case StatusOffline:
			s.Offline++
		}
		s.TotalConnections += d.Connections
		if d.AvgResponseTimeMs > 0 {
			sampleSum += d.AvgResponseTimeMs
			sampled++
		}
	}
	if sampled > 0 {
		s.AvgResponseTimeMs = sampleSum / float64(sampled)
	}
	return s
}

// ServerDetails returns a snapshot of every registered server.
func (o *Orchestrator) ServerDetails() []ServerDetail {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.order))
	for _, id := range o.order {
		entries = append(entries, o.entries[id])
	}
	o.mu.RUnlock()

	details := make([]ServerDetail, 0, len(entries))
	for _, ent := range entries {
		d := ent.record.Detail()
		d.CircuitState = ent.breaker.State()
		details = append(details, d)
	}
	return details
}
