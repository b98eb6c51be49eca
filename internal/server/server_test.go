package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
)

func TestHealthAndReadiness(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
	health := decode[map[string]any](t, w)
	if health["status"] != "healthy" || health["attributes"] != float64(1) {
		t.Errorf("unexpected health body %v", health)
	}

	if w := ts.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d", w.Code)
	}

	_ = ts.store.Close()
	if w := ts.do(t, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after close: expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)
	classify(t, ts, 25, 3)

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"anomaly_classifications_total", "anomaly_http_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestRateLimitedAPI(t *testing.T) {
	ts := buildTestServer(t, func(c *config.Config) { c.Server.RequestsPerMinute = 2 })

	for i := 0; i < 2; i++ {
		if w := ts.do(t, http.MethodGet, "/api/v1/attributes", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := ts.do(t, http.MethodGet, "/api/v1/attributes", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}

	// health checks are outside the API limiter
	if w := ts.do(t, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := buildTestServer(t, func(c *config.Config) { c.Server.AllowedOrigins = []string{"https://ops.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/attributes", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("expected the origin to be echoed, got %q", got)
	}
}

func TestStreamDeliversOutliers(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.hub.Run(ctx)

	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/v1/stream?asset_id=pump-1&outliers_only=true"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	classify(t, ts, 19, 3) // valid, filtered out
	classify(t, ts, 25, 4)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode stream message: %v", err)
	}
	if msg.Type != "classification" {
		t.Errorf("unexpected message type %q", msg.Type)
	}
	dp := msg.Classification.Datapoint
	if dp.Timestamp != 4 || dp.AnomalyType != anomaly.GlobalOutlier {
		t.Errorf("expected the outlier at 4, got %+v", dp)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ts := buildTestServer(t, func(c *config.Config) {
		c.Server.Port = 0
		c.Server.GRPCPort = 0
	})

	if err := ts.srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ts.srv.IsRunning() {
		t.Fatal("expected server to be running")
	}
	if err := ts.srv.Start(); err == nil {
		t.Error("expected a second Start to fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ts.srv.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if err := ts.srv.Shutdown(ctx); err == nil {
		t.Error("expected Shutdown of a stopped server to fail")
	}
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Error("expected an error without config")
	}
	if _, err := NewServer(Options{Config: config.DefaultConfig()}); err == nil {
		t.Error("expected an error without dispatcher")
	}
}
