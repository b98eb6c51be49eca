package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kubilitics/kubilitics-anomaly/internal/alerting"
	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

type testServer struct {
	srv     *Server
	store   db.Store
	handler http.Handler
}

// buildTestServer wires a server over a live in-memory SQLite store.
func buildTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.DefaultConfig()
	cfg.Server.RequestsPerMinute = 0
	for _, m := range mutate {
		m(cfg)
	}

	alarms := alerting.NewManager(store, nil, nil)
	hub := NewHub([]string{"*"}, nil)
	d, err := dispatcher.New(dispatcher.Options{
		History:     store,
		Predictions: store,
		Sink:        dispatcher.NewFanOut().Add("store", store).Add("alarms", alarms).Add("stream", hub),
	})
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}

	srv, err := NewServer(Options{
		Config:      cfg,
		Dispatcher:  d,
		History:     store,
		Predictions: store,
		Store:       store,
		Alarms:      alarms,
		Hub:         hub,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() {
		if srv.limiter != nil {
			srv.limiter.Stop()
		}
	})
	return &testServer{srv: srv, store: store, handler: srv.Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (ts *testServer) seed(t *testing.T, ref anomaly.AttributeRef, points ...anomaly.ClassifiedDatapoint) {
	t.Helper()
	for _, p := range points {
		if err := ts.store.AppendDatapoint(context.Background(), ref, p); err != nil {
			t.Fatalf("AppendDatapoint: %v", err)
		}
	}
}

var pump = anomaly.AttributeRef{AssetID: "pump-1", Name: "pressure"}

const pumpPath = "/api/v1/attributes/pump-1/pressure"

func globalBody() ConfigurationBody {
	return ConfigurationBody{
		Name:              "pressure-range",
		Kind:              "global",
		Deviation:         10,
		MinimumDatapoints: 3,
		StalenessWindow:   "1h",
		Alarm:             &anomaly.Alarm{Severity: "HIGH", Content: "%ASSET_ID% pressure"},
	}
}

func (ts *testServer) configureScenario(t *testing.T) {
	t.Helper()
	ts.seed(t, pump,
		anomaly.Classified(0, 10, anomaly.Valid),
		anomaly.Classified(1, 20, anomaly.Valid),
		anomaly.Classified(2, 15, anomaly.Valid),
	)
	if w := ts.do(t, http.MethodPut, pumpPath, globalBody()); w.Code != http.StatusOK {
		t.Fatalf("configure: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func classify(t *testing.T, ts *testServer, value float64, timestamp int64) anomaly.ClassifiedDatapoint {
	t.Helper()
	w := ts.do(t, http.MethodPost, pumpPath+"/datapoints", map[string]any{"value": value, "timestamp": timestamp})
	if w.Code != http.StatusOK {
		t.Fatalf("classify: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decode[anomaly.ClassifiedDatapoint](t, w)
}

// ─── Configuration ────────────────────────────────────────────────────────────

func TestConfigureAndGetAttribute(t *testing.T) {
	ts := buildTestServer(t)

	w := ts.do(t, http.MethodPut, pumpPath, globalBody())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, pumpPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	view := decode[AttributeView](t, w)
	if view.AssetID != "pump-1" || view.Name != "pressure" {
		t.Errorf("unexpected attribute %+v", view.AttributeRef)
	}
	if view.Configuration.Kind != "global" || view.Configuration.StalenessWindow != "1h0m0s" {
		t.Errorf("unexpected configuration %+v", view.Configuration)
	}

	list := decode[struct {
		Attributes []AttributeView `json:"attributes"`
		Count      int             `json:"count"`
	}](t, ts.do(t, http.MethodGet, "/api/v1/attributes", nil))
	if list.Count != 1 || len(list.Attributes) != 1 {
		t.Errorf("expected one configured attribute, got %+v", list)
	}
}

func TestConfigureRejectsInvalidBodies(t *testing.T) {
	ts := buildTestServer(t)

	cases := []struct {
		name   string
		mutate func(*ConfigurationBody)
	}{
		{"unknown kind", func(b *ConfigurationBody) { b.Kind = "seasonal" }},
		{"bad window", func(b *ConfigurationBody) { b.StalenessWindow = "soon" }},
		{"zero minimum", func(b *ConfigurationBody) { b.MinimumDatapoints = 0 }},
		{"deviation over 100", func(b *ConfigurationBody) { b.Deviation = 150 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := globalBody()
			tc.mutate(&body)
			if w := ts.do(t, http.MethodPut, pumpPath, body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodPut, pumpPath, bytes.NewBufferString(`{"kind":"global","surprise":1}`))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown fields: expected 400, got %d", w.Code)
	}
}

func TestRemoveAttribute(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	if w := ts.do(t, http.MethodDelete, pumpPath, nil); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodDelete, pumpPath, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: expected 404, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, pumpPath, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", w.Code)
	}
}

// ─── Classification ───────────────────────────────────────────────────────────

func TestClassifyScenario(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	if got := classify(t, ts, 25, 3); got.AnomalyType != anomaly.GlobalOutlier {
		t.Errorf("25@3: expected GLOBAL_OUTLIER, got %s", got.AnomalyType)
	}
	if got := classify(t, ts, 19, 4); got.AnomalyType != anomaly.Valid {
		t.Errorf("19@4: expected VALID, got %s", got.AnomalyType)
	}

	w := ts.do(t, http.MethodGet, pumpPath+"/datapoints?from=0&to=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("datapoints: expected 200, got %d", w.Code)
	}
	stored := decode[struct {
		Datapoints []anomaly.ClassifiedDatapoint `json:"datapoints"`
	}](t, w)
	if len(stored.Datapoints) != 5 {
		t.Fatalf("expected 5 stored readings, got %d", len(stored.Datapoints))
	}
	if stored.Datapoints[1].Timestamp != 3 || stored.Datapoints[1].AnomalyType != anomaly.GlobalOutlier {
		t.Errorf("expected the outlier stored with its tag, got %+v", stored.Datapoints[1])
	}
}

func TestClassifyErrors(t *testing.T) {
	ts := buildTestServer(t)

	w := ts.do(t, http.MethodPost, pumpPath+"/datapoints", map[string]any{"value": 1, "timestamp": 1})
	if w.Code != http.StatusNotFound {
		t.Errorf("unconfigured: expected 404, got %d", w.Code)
	}

	ts.configureScenario(t)
	w = ts.do(t, http.MethodPost, pumpPath+"/datapoints", map[string]any{"timestamp": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing value: expected 400, got %d", w.Code)
	}
}

func TestExplainReturnsBounds(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	w := ts.do(t, http.MethodPost, pumpPath+"/explain", map[string]any{"value": 12, "timestamp": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	b := decode[BoundsView](t, w)
	if b.Lower == nil || b.Upper == nil {
		t.Fatalf("expected finite bounds, got %+v", b)
	}
	if math.Abs(*b.Lower-9) > 0.01 || math.Abs(*b.Upper-21) > 0.01 {
		t.Errorf("expected about [9, 21], got [%v, %v]", *b.Lower, *b.Upper)
	}
}

func TestCalibrationAndRecalibrate(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, pumpPath+"/calibration?timestamp=3", nil))
	if status["needs_recalibration"] != true {
		t.Errorf("expected a fresh configuration to need recalibration, got %v", status)
	}

	if w := ts.do(t, http.MethodPost, pumpPath+"/recalibrate?timestamp=3", nil); w.Code != http.StatusOK {
		t.Fatalf("recalibrate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	status = decode[map[string]any](t, ts.do(t, http.MethodGet, pumpPath+"/calibration?timestamp=3", nil))
	if status["needs_recalibration"] != false {
		t.Errorf("expected calibration to be fresh, got %v", status)
	}

	// only one reading before t=1
	if w := ts.do(t, http.MethodPost, pumpPath+"/recalibrate?timestamp=1", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("insufficient data: expected 422, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, pumpPath+"/calibration?timestamp=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: expected 400, got %d", w.Code)
	}
}

func TestForecastWithUploadedPredictions(t *testing.T) {
	ts := buildTestServer(t)
	body := ConfigurationBody{Kind: "forecast", Deviation: 5, MinimumDatapoints: 2, StalenessWindow: "100ms"}
	if w := ts.do(t, http.MethodPut, pumpPath, body); w.Code != http.StatusOK {
		t.Fatalf("configure: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := ts.do(t, http.MethodPut, pumpPath+"/predictions", []anomaly.Datapoint{
		{Timestamp: 0, Value: 10},
		{Timestamp: 100, Value: 20},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("predictions: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if got := classify(t, ts, 15.5, 50); got.AnomalyType != anomaly.Valid {
		t.Errorf("15.5@50: expected VALID, got %s", got.AnomalyType)
	}
	if got := classify(t, ts, 25, 60); got.AnomalyType != anomaly.ForecastOutlier {
		t.Errorf("25@60: expected FORECAST_OUTLIER, got %s", got.AnomalyType)
	}
}

func TestLimitSeries(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)
	classify(t, ts, 25, 3)

	w := ts.do(t, http.MethodGet, pumpPath+"/limits?from=0&to=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	series := decode[dispatcher.LimitSeries](t, w)
	if len(series.Limits) != 4 {
		t.Fatalf("expected 4 limit points, got %d", len(series.Limits))
	}
	if len(series.Anomalies) != 1 || series.Anomalies[0].Timestamp != 3 {
		t.Errorf("expected the reading at 3 to be an anomaly, got %+v", series.Anomalies)
	}

	if w := ts.do(t, http.MethodGet, pumpPath+"/limits?from=5&to=1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("inverted range: expected 400, got %d", w.Code)
	}
}

// ─── Persistence ──────────────────────────────────────────────────────────────

func TestAnomaliesAndSummary(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)
	classify(t, ts, 25, 3)
	classify(t, ts, 19, 4)

	list := decode[struct {
		Anomalies []db.AnomalyRecord `json:"anomalies"`
		Count     int                `json:"count"`
	}](t, ts.do(t, http.MethodGet, "/api/v1/anomalies?asset_id=pump-1", nil))
	if list.Count != 1 || list.Anomalies[0].Value != 25 {
		t.Errorf("expected the single outlier, got %+v", list)
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/anomalies?type=BOGUS", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad type: expected 400, got %d", w.Code)
	}

	summary := decode[struct {
		Summary map[anomaly.AnomalyType]int `json:"summary"`
	}](t, ts.do(t, http.MethodGet, "/api/v1/anomalies/summary?from=0&to=10", nil))
	if summary.Summary[anomaly.Valid] != 4 || summary.Summary[anomaly.GlobalOutlier] != 1 {
		t.Errorf("unexpected summary %v", summary.Summary)
	}
}

func TestAlarmRoutes(t *testing.T) {
	ts := buildTestServer(t)
	ts.configureScenario(t)
	classify(t, ts, 25, 3)
	classify(t, ts, 30, 4)

	list := decode[struct {
		Alarms []db.AlarmRecord `json:"alarms"`
	}](t, ts.do(t, http.MethodGet, "/api/v1/alarms?status=open", nil))
	if len(list.Alarms) != 1 {
		t.Fatalf("expected one open alarm, got %d", len(list.Alarms))
	}
	alarm := list.Alarms[0]
	if alarm.Title != "pressure-range Detected 2 anomalies" {
		t.Errorf("unexpected title %q", alarm.Title)
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/alarms/"+alarm.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/alarms/"+alarm.ID+"/close", nil); w.Code != http.StatusOK {
		t.Errorf("close: expected 200, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/alarms/"+alarm.ID+"/close", nil); w.Code != http.StatusNotFound {
		t.Errorf("close twice: expected 404, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/alarms/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing alarm: expected 404, got %d", w.Code)
	}
}

func TestPersistenceRoutesNeedStore(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	d, err := dispatcher.New(dispatcher.Options{History: store})
	if err != nil {
		t.Fatalf("dispatcher.New: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Server.RequestsPerMinute = 0
	srv, err := NewServer(Options{Config: cfg, Dispatcher: d, History: store})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	for _, path := range []string{"/api/v1/anomalies", "/api/v1/alarms", "/api/v1/stream"} {
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404 without backing component, got %d", path, w.Code)
		}
	}
}
