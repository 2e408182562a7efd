package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/health"
	"github.com/vyrodovalexey/avalb/internal/loadbalancer"
	"github.com/vyrodovalexey/avalb/internal/metrics"
	"github.com/vyrodovalexey/avalb/internal/observability"
	"github.com/vyrodovalexey/avalb/internal/stats"
)

func healthyProber() health.Prober {
	return health.ProberFunc(func(context.Context, health.Target) error { return nil })
}

func newLB(t *testing.T, backends ...config.BackendConfig) *loadbalancer.LoadBalancer {
	t.Helper()
	cfg := &config.Config{
		Metadata: config.Metadata{Name: "admin-test"},
		Spec: config.Spec{
			Algorithm:      config.AlgorithmRoundRobin,
			Backends:       backends,
			HealthCheck:    config.DefaultHealthCheckConfig(),
			CircuitBreaker: config.DefaultCircuitBreakerConfig(),
		},
	}
	cfg.ApplyDefaults()
	lb, err := loadbalancer.New(cfg, loadbalancer.WithProber(healthyProber()))
	require.NoError(t, err)
	return lb
}

func adminConfig() config.AdminConfig {
	return config.AdminConfig{
		Enabled:             true,
		Address:             "127.0.0.1:0",
		StatsStreamInterval: config.Duration(20 * time.Millisecond),
		ShutdownTimeout:     config.Duration(time.Second),
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func backendA() config.BackendConfig {
	return config.BackendConfig{ID: "a", Host: "10.0.0.1", Port: 8080, Weight: 1}
}

func TestLivenessAndReadiness(t *testing.T) {
	t.Parallel()

	empty := NewServer(adminConfig(), newLB(t)).Handler()
	w := do(t, empty, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = do(t, empty, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready := NewServer(adminConfig(), newLB(t, backendA())).Handler()
	w = do(t, ready, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready","eligibleBackends":1}`, w.Body.String())
}

func TestBackendsCRUD(t *testing.T) {
	t.Parallel()

	h := NewServer(adminConfig(), newLB(t, backendA())).Handler()

	w := do(t, h, http.MethodPost, "/v1/backends", `{"id":"b","host":"10.0.0.2","port":8080}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 1, decode[config.BackendConfig](t, w).Weight)

	w = do(t, h, http.MethodPost, "/v1/backends", `{"id":"b","host":"10.0.0.2","port":8080}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, h, http.MethodPost, "/v1/backends", `{"id":"c","host":"","port":70000,"weight":500}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode[struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}](t, w)
	assert.Equal(t, "invalid backend", body.Error)
	assert.Len(t, body.Details, 3)

	w = do(t, h, http.MethodPost, "/v1/backends", `{"id":"z","host":"10.0.0.9","port":8080,"weight":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decode[struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}](t, w)
	assert.Equal(t, []string{"weight: weight must be between 1 and 100"}, body.Details)

	w = do(t, h, http.MethodPost, "/v1/backends", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/backends", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Backends []config.BackendConfig `json:"backends"`
	}](t, w)
	require.Len(t, list.Backends, 2)
	assert.Equal(t, "b", list.Backends[1].ID)

	w = do(t, h, http.MethodDelete, "/v1/backends/b", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodDelete, "/v1/backends/b", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectAndOutcome(t *testing.T) {
	t.Parallel()

	lb := newLB(t, backendA())
	h := NewServer(adminConfig(), lb).Handler()

	w := do(t, h, http.MethodPost, "/v1/select", `{"clientKey":"198.51.100.1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	sel := decode[loadbalancer.Selection](t, w)
	assert.Equal(t, "a", sel.BackendID)
	assert.Equal(t, "10.0.0.1:8080", sel.Address)

	// No body: the caller address is the client key.
	w = do(t, h, http.MethodPost, "/v1/select", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":12.5,"success":true}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":30,"success":false}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"ghost","latencyMs":1,"success":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":-1,"success":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":1e300,"success":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodPost, "/v1/outcomes", `{"backendId":"a","latencyMs":86400001,"success":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[stats.LoadBalancerStats](t, w)
	assert.Equal(t, uint64(2), st.TotalRequests)
	assert.Equal(t, uint64(1), st.TotalFailures)
	a, ok := st.Backend("a")
	require.True(t, ok)
	assert.InDelta(t, 21.25, a.AvgLatencyMs, 0.001)

	w = do(t, h, http.MethodPost, "/v1/stats/reset", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, lb.GetStats().TotalRequests)
}

func TestSelect_Unavailable(t *testing.T) {
	t.Parallel()

	h := NewServer(adminConfig(), newLB(t)).Handler()

	w := do(t, h, http.MethodPost, "/v1/select", `{"clientKey":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"no backend available"}`, w.Body.String())
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	h := NewServer(adminConfig(), newLB(t)).Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

type panicCore struct {
	Core
}

func (panicCore) GetStats() stats.LoadBalancerStats {
	panic("boom")
}

func TestRecovery(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	logger := observability.NewLoggerFromZap(zap.New(core))
	m := metrics.New("avalb")
	h := NewServer(adminConfig(), panicCore{Core: newLB(t)}, WithLogger(logger), WithMetrics(m)).Handler()

	w := do(t, h, http.MethodGet, "/v1/stats", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1, logs.FilterMessage("panic recovered").Len())

	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	assert.EqualValues(t, http.StatusInternalServerError, completed[0].ContextMap()["status"])
	assert.Equal(t, "/v1/stats", completed[0].ContextMap()["path"])

	expected := `
# HELP avalb_admin_requests_total Total number of admin API requests
# TYPE avalb_admin_requests_total counter
avalb_admin_requests_total{method="GET",route="/v1/stats",status="500"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"avalb_admin_requests_total"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := metrics.New("avalb")
	h := NewServer(adminConfig(), newLB(t, backendA()), WithMetrics(m)).Handler()

	do(t, h, http.MethodPost, "/v1/select", `{"clientKey":"k"}`)
	do(t, h, http.MethodDelete, "/v1/backends/missing", "")
	do(t, h, http.MethodGet, "/nope", "")

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "avalb_admin_requests_total")

	expected := `
# HELP avalb_admin_requests_total Total number of admin API requests
# TYPE avalb_admin_requests_total counter
avalb_admin_requests_total{method="DELETE",route="/v1/backends/:id",status="404"} 1
avalb_admin_requests_total{method="GET",route="/metrics",status="200"} 1
avalb_admin_requests_total{method="GET",route="unmatched",status="404"} 1
avalb_admin_requests_total{method="POST",route="/v1/select",status="200"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"avalb_admin_requests_total"))
}

func TestStatsStream(t *testing.T) {
	t.Parallel()

	lb := newLB(t, backendA())
	s := NewServer(adminConfig(), lb)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stats/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	var first stats.LoadBalancerStats
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, 1, first.TotalBackends)

	require.NoError(t, lb.ReportOutcome("a", time.Millisecond, true))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var next stats.LoadBalancerStats
		require.NoError(t, conn.ReadJSON(&next))
		if next.TotalRequests == 1 {
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var v json.RawMessage
		if err := conn.ReadJSON(&v); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
			break
		}
	}
}

func TestStatsStream_NotWebSocket(t *testing.T) {
	t.Parallel()

	h := NewServer(adminConfig(), newLB(t)).Handler()
	w := do(t, h, http.MethodGet, "/v1/stats/stream", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()

	s := NewServer(adminConfig(), newLB(t, backendA()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()
	require.Eventually(t, s.IsRunning, time.Second, 5*time.Millisecond)

	resp, err := http.Post("http://"+ln.Addr().String()+"/v1/select", "application/json",
		bytes.NewBufferString(`{"clientKey":"k"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-errCh)
	assert.False(t, s.IsRunning())
}
