package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"mcplane/internal/mcp"
)

func TestMain(m *testing.M) {
	// Idle HTTP keep-alive connections park goroutines that outlive
	// individual tests.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// testBackend is an httptest-backed MCP worker with switchable health
// and tool behavior.
type testBackend struct {
	server *httptest.Server

	mu           sync.Mutex
	healthStatus string // JSON status value; "" means HTTP 500
	toolFails    int    // remaining tool calls to fail with HTTP 500
	toolCalls    []string
}

func newTestBackend(t *testing.T, healthStatus string) *testBackend {
	t.Helper()
	b := &testBackend{healthStatus: healthStatus}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		status := b.healthStatus
		b.mu.Unlock()
		if status == "" {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":%q}`, status)
	})
	mux.HandleFunc("/mcp/tools/call", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		b.mu.Lock()
		b.toolCalls = append(b.toolCalls, req.Name)
		fail := b.toolFails > 0
		if fail {
			b.toolFails--
		}
		b.mu.Unlock()

		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"echo":%q}`, req.Name)
	})

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBackend) url() string { return b.server.URL }

func (b *testBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.toolCalls)
}

func (b *testBackend) failNextToolCalls(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toolFails = n
}

func testConfig() Config {
	return Config{
		ProbeInterval:      time.Hour, // cycles driven manually via ProbeNow
		ProbeTimeout:       2 * time.Second,
		ForwardTimeout:     2 * time.Second,
		RetryDelay:         10 * time.Millisecond,
		Strategy:           StrategyRoundRobin,
		CircuitBreaker:     true,
		BreakerThreshold:   5,
		BreakerOpenTimeout: time.Minute,
	}
}

func addBackend(t *testing.T, o *Orchestrator, id string, b *testBackend) {
	t.Helper()
	_, err := o.AddServer(context.Background(), ServerDef{ID: id, Name: id, URL: b.url()})
	require.NoError(t, err)
}

func TestRouteNoServersRegistered(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	_, err := o.Route(context.Background(), "echo", nil, "")
	assert.ErrorIs(t, err, ErrNoHealthyServer)
}

func TestRouteRoundRobinSequence(t *testing.T) {
	// Servers A and B become healthy via one successful probe each;
	// C's health endpoint fails, so it stays offline and is never
	// selected.
	a := newTestBackend(t, "healthy")
	b := newTestBackend(t, "healthy")
	c := newTestBackend(t, "")

	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "a", a)
	addBackend(t, o, "b", b)
	addBackend(t, o, "c", c)

	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	var sequence []string
	for i := 0; i < 6; i++ {
		out, err := o.Route(ctx, "echo", map[string]interface{}{"i": i}, "")
		require.NoError(t, err)
		require.NotNil(t, out)
		if a.callCount() > countOf(sequence, "a") {
			sequence = append(sequence, "a")
		} else {
			sequence = append(sequence, "b")
		}
	}

	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, sequence)
	assert.Equal(t, 0, c.callCount(), "offline server must never be selected")
}

func countOf(s []string, v string) int {
	n := 0
	for _, x := range s {
		if x == v {
			n++
		}
	}
	return n
}

func TestRouteUpstreamFailure(t *testing.T) {
	b := newTestBackend(t, "healthy")
	b.failNextToolCalls(1)

	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	_, err := o.Route(ctx, "echo", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream call to b failed")

	// The failure was recorded on the server's state.
	d := o.ServerDetails()[0]
	assert.Equal(t, int64(2), d.TotalRequests) // probe + failed call
	assert.Greater(t, d.ErrorRate, 0.0)
}

func TestRouteCircuitOpen(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 1
	b := newTestBackend(t, "healthy")
	b.failNextToolCalls(1)

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	_, err := o.Route(ctx, "echo", nil, "")
	require.Error(t, err)

	// The breaker opened on the first failure; the server is still
	// healthy by probe but may not be called.
	_, err = o.Route(ctx, "echo", nil, "")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, 1, b.callCount(), "open breaker must block the call")
}

func TestRouteBreakerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker = false
	cfg.BreakerThreshold = 1
	b := newTestBackend(t, "healthy")
	b.failNextToolCalls(1)

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	_, err := o.Route(ctx, "echo", nil, "")
	require.Error(t, err)

	// With breaking disabled the next call goes through.
	_, err = o.Route(ctx, "echo", nil, "")
	assert.NoError(t, err)
}

func TestRouteConnectionCounterBalancedOnEveryPath(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 1
	b := newTestBackend(t, "healthy")

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	connections := func() int64 { return o.ServerDetails()[0].Connections }

	// Success path.
	_, err := o.Route(ctx, "echo", nil, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), connections())

	// Upstream-error path.
	b.failNextToolCalls(1)
	_, err = o.Route(ctx, "echo", nil, "")
	require.Error(t, err)
	assert.Equal(t, int64(0), connections())

	// Breaker-open path (no increment happened, still balanced).
	_, err = o.Route(ctx, "echo", nil, "")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(0), connections())
}

func TestRouteStickySessionAffinity(t *testing.T) {
	cfg := testConfig()
	cfg.StickySessions = true
	a := newTestBackend(t, "healthy")
	b := newTestBackend(t, "healthy")

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "a", a)
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	_, err := o.Route(ctx, "echo", nil, "sess-1")
	require.NoError(t, err)
	first := "a"
	if b.callCount() == 1 {
		first = "b"
	}

	// Affinity holds even after the healthy set grows.
	c := newTestBackend(t, "healthy")
	addBackend(t, o, "c", c)
	require.NoError(t, o.ProbeNow(ctx))

	for i := 0; i < 5; i++ {
		_, err := o.Route(ctx, "echo", nil, "sess-1")
		require.NoError(t, err)
	}
	if first == "a" {
		assert.Equal(t, 6, a.callCount())
		assert.Equal(t, 0, b.callCount())
	} else {
		assert.Equal(t, 6, b.callCount())
		assert.Equal(t, 0, a.callCount())
	}
	assert.Equal(t, 0, c.callCount())
	assert.Equal(t, 1, o.Stats().ActiveSessions)
}

func TestRouteWithRetryRecoversFromTransientFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	b := newTestBackend(t, "healthy")
	b.failNextToolCalls(1)

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	out, err := o.RouteWithRetry(ctx, "echo", nil, "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"echo"}`, string(out))
	assert.Equal(t, 2, b.callCount())
}

func TestRemoveServerDestroysState(t *testing.T) {
	b := newTestBackend(t, "healthy")
	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	require.NoError(t, o.RemoveServer(ctx, "b"))
	assert.Empty(t, o.ServerDetails())

	_, err := o.Route(ctx, "echo", nil, "")
	assert.ErrorIs(t, err, ErrNoHealthyServer)

	assert.Error(t, o.RemoveServer(ctx, "b"), "second removal should fail")
}

func TestStatsWithNoServers(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	got := o.Stats()

	want := Stats{
		Strategy:              string(StrategyRoundRobin),
		CircuitBreakerEnabled: true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected stats (-want +got):\n%s", diff)
	}
}

func TestStatsCountsAndAverages(t *testing.T) {
	a := newTestBackend(t, "healthy")
	b := newTestBackend(t, "degraded")
	c := newTestBackend(t, "")

	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "a", a)
	addBackend(t, o, "b", b)
	addBackend(t, o, "c", c)
	require.NoError(t, o.ProbeNow(context.Background()))

	s := o.Stats()
	assert.Equal(t, 3, s.TotalServers)
	assert.Equal(t, 1, s.Healthy)
	assert.Equal(t, 1, s.Degraded)
	assert.Equal(t, 1, s.Offline)
	assert.Equal(t, 0, s.Unhealthy)
	assert.Equal(t, int64(0), s.TotalConnections)
}

func TestProbeDrivesFailoverAndRecovery(t *testing.T) {
	b := newTestBackend(t, "healthy")
	o := New(testConfig(), zap.NewNop())
	_, err := o.AddServer(context.Background(), ServerDef{
		ID: "b", URL: b.url(), FailoverThreshold: 2, RecoveryThreshold: 2,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))
	require.Equal(t, StatusHealthy, o.ServerDetails()[0].Status)

	b.mu.Lock()
	b.healthStatus = ""
	b.mu.Unlock()
	require.NoError(t, o.ProbeNow(ctx))
	assert.Equal(t, StatusHealthy, o.ServerDetails()[0].Status, "one failure is below the failover threshold")
	require.NoError(t, o.ProbeNow(ctx))
	assert.Equal(t, StatusUnhealthy, o.ServerDetails()[0].Status)

	b.mu.Lock()
	b.healthStatus = "healthy"
	b.mu.Unlock()
	require.NoError(t, o.ProbeNow(ctx))
	assert.Equal(t, StatusUnhealthy, o.ServerDetails()[0].Status, "one success is below the recovery threshold")
	require.NoError(t, o.ProbeNow(ctx))
	assert.Equal(t, StatusHealthy, o.ServerDetails()[0].Status)
}

func TestProbeReportsDegradedSubstate(t *testing.T) {
	b := newTestBackend(t, "degraded")
	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "b", b)

	require.NoError(t, o.ProbeNow(context.Background()))
	d := o.ServerDetails()[0]
	assert.Equal(t, StatusDegraded, d.Status)
	assert.False(t, d.LastHealthCheck.IsZero())

	// Degraded still counts as available for routing.
	out, err := o.Route(context.Background(), "echo", nil, "")
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStartStopProbeLoop(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	b := newTestBackend(t, "healthy")

	o := New(cfg, zap.NewNop())
	addBackend(t, o, "b", b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o.Start(ctx)
	require.Eventually(t, func() bool {
		return o.ServerDetails()[0].Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)
	o.Stop()

	// Stop is idempotent and Start can be called again.
	o.Stop()
	o.Start(ctx)
	o.Stop()
}

func TestAddServerValidation(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	ctx := context.Background()

	_, err := o.AddServer(ctx, ServerDef{})
	assert.Error(t, err, "URL is required")

	id, err := o.AddServer(ctx, ServerDef{URL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id, "ID is generated when omitted")

	_, err = o.AddServer(ctx, ServerDef{ID: id, URL: "http://127.0.0.1:1"})
	assert.Error(t, err, "duplicate IDs are rejected")
}

func TestRouteConcurrentCalls(t *testing.T) {
	a := newTestBackend(t, "healthy")
	b := newTestBackend(t, "healthy")

	o := New(testConfig(), zap.NewNop())
	addBackend(t, o, "a", a)
	addBackend(t, o, "b", b)
	ctx := context.Background()
	require.NoError(t, o.ProbeNow(ctx))

	var wg sync.WaitGroup
	errs := make([]error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = o.Route(ctx, "echo", nil, "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 40, a.callCount()+b.callCount())
	assert.Equal(t, int64(0), o.Stats().TotalConnections)
}

// erroringClient fails at the transport layer rather than upstream.
type erroringClient struct{}

func (erroringClient) CallTool(context.Context, string, map[string]interface{}) (*mcp.CallResult, error) {
	return nil, errors.New("wire exploded")
}

func (erroringClient) CheckHealth(context.Context) (*mcp.HealthReport, error) {
	return &mcp.HealthReport{Status: mcp.HealthStateHealthy, Latency: time.Millisecond}, nil
}

func TestRouteTransportErrorCountsAsFailure(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	o.SetClientFactory(func(string, time.Duration) mcp.Client { return erroringClient{} })

	ctx := context.Background()
	_, err := o.AddServer(ctx, ServerDef{ID: "b", URL: "http://b.local"})
	require.NoError(t, err)
	require.NoError(t, o.ProbeNow(ctx))
	require.Equal(t, StatusHealthy, o.ServerDetails()[0].Status)

	_, err = o.Route(ctx, "echo", nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream call to b failed")

	d := o.ServerDetails()[0]
	assert.Greater(t, d.ErrorRate, 0.0)
	assert.Equal(t, int64(0), d.Connections)
}

func TestRouteUnknownErrorsAreNotHealthErrors(t *testing.T) {
	o := New(testConfig(), zap.NewNop())
	_, err := o.Route(context.Background(), "echo", nil, "")
	assert.False(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, errors.Is(err, ErrNoHealthyServer))
}
