package server

// Detection routes (all under /api/v1):
//   GET    /attributes                                   → configured attributes
//   GET    /attributes/{asset}/{attribute}               → configuration
//   PUT    /attributes/{asset}/{attribute}               → install configuration
//   DELETE /attributes/{asset}/{attribute}               → remove configuration
//   POST   /attributes/{asset}/{attribute}/datapoints    → classify a reading
//   GET    /attributes/{asset}/{attribute}/datapoints    → stored readings (from/to)
//   POST   /attributes/{asset}/{attribute}/explain       → acceptance interval
//   GET    /attributes/{asset}/{attribute}/calibration   → staleness check (timestamp)
//   POST   /attributes/{asset}/{attribute}/recalibrate   → forced recalibration
//   PUT    /attributes/{asset}/{attribute}/predictions   → upload predictions
//   GET    /attributes/{asset}/{attribute}/limits        → limit series (from/to)

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
)

const maxBodyBytes = 1 << 20

func (s *Server) registerDetectionRoutes(r *mux.Router) {
	r.HandleFunc("/attributes", s.handleListAttributes).Methods(http.MethodGet)

	a := r.PathPrefix("/attributes/{asset}/{attribute}").Subrouter()
	a.HandleFunc("", s.handleGetAttribute).Methods(http.MethodGet)
	a.HandleFunc("", s.handleConfigureAttribute).Methods(http.MethodPut)
	a.HandleFunc("", s.handleRemoveAttribute).Methods(http.MethodDelete)
	a.HandleFunc("/datapoints", s.handleClassify).Methods(http.MethodPost)
	a.HandleFunc("/datapoints", s.handleDatapoints).Methods(http.MethodGet)
	a.HandleFunc("/explain", s.handleExplain).Methods(http.MethodPost)
	a.HandleFunc("/calibration", s.handleCalibration).Methods(http.MethodGet)
	a.HandleFunc("/recalibrate", s.handleRecalibrate).Methods(http.MethodPost)
	a.HandleFunc("/limits", s.handleLimits).Methods(http.MethodGet)
	if s.predictions != nil {
		a.HandleFunc("/predictions", s.handleSavePredictions).Methods(http.MethodPut)
	}
}

// ─── Wire types ───────────────────────────────────────────────────────────────

// ConfigurationBody is the JSON form of a detection configuration. The
// staleness window is a Go duration string such as "1h30m".
type ConfigurationBody struct {
	Name              string         `json:"name,omitempty"`
	Kind              string         `json:"kind"`
	Deviation         float64        `json:"deviation"`
	MinimumDatapoints int            `json:"minimum_datapoints"`
	StalenessWindow   string         `json:"staleness_window"`
	Disabled          bool           `json:"disabled,omitempty"`
	Alarm             *anomaly.Alarm `json:"alarm,omitempty"`
}

func (b ConfigurationBody) configuration() (anomaly.Configuration, error) {
	kind, err := anomaly.ParseKind(b.Kind)
	if err != nil {
		return anomaly.Configuration{}, err
	}
	window, err := time.ParseDuration(b.StalenessWindow)
	if err != nil {
		return anomaly.Configuration{}, fmt.Errorf("%w: staleness_window: %v", anomaly.ErrInvalidConfiguration, err)
	}
	cfg := anomaly.Configuration{
		Name:              b.Name,
		Kind:              kind,
		Deviation:         b.Deviation,
		MinimumDatapoints: b.MinimumDatapoints,
		StalenessWindow:   window,
		Disabled:          b.Disabled,
		Alarm:             b.Alarm,
	}
	return cfg, cfg.Validate()
}

func bodyOf(cfg anomaly.Configuration) ConfigurationBody {
	return ConfigurationBody{
		Name:              cfg.Name,
		Kind:              string(cfg.Kind),
		Deviation:         cfg.Deviation,
		MinimumDatapoints: cfg.MinimumDatapoints,
		StalenessWindow:   cfg.StalenessWindow.String(),
		Disabled:          cfg.Disabled,
		Alarm:             cfg.Alarm,
	}
}

// AttributeView pairs an attribute with its configuration.
type AttributeView struct {
	anomaly.AttributeRef
	Configuration ConfigurationBody `json:"configuration"`
}

// ReadingBody is a reading to classify or explain. A missing timestamp
// means now.
type ReadingBody struct {
	Value     *float64 `json:"value"`
	Timestamp *int64   `json:"timestamp,omitempty"`
}

// BoundsView is an acceptance interval. Null bounds are unbounded or
// undefined.
type BoundsView struct {
	Lower *float64 `json:"lower"`
	Upper *float64 `json:"upper"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleListAttributes(w http.ResponseWriter, _ *http.Request) {
	refs := s.dispatcher.Attributes()
	views := make([]AttributeView, 0, len(refs))
	for _, ref := range refs {
		cfg, err := s.dispatcher.Configuration(ref)
		if err != nil {
			continue // removed since listing
		}
		views = append(views, AttributeView{AttributeRef: ref, Configuration: bodyOf(cfg)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": views, "count": len(views)})
}

func (s *Server) handleGetAttribute(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	cfg, err := s.dispatcher.Configuration(ref)
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AttributeView{AttributeRef: ref, Configuration: bodyOf(cfg)})
}

func (s *Server) handleConfigureAttribute(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	var body ConfigurationBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := body.configuration()
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	if err := s.dispatcher.Configure(ref, cfg); err != nil {
		writeDetectionError(w, err)
		return
	}
	if s.journal != nil {
		if err := s.journal.LogAttributeConfigured(r.Context(), ref, cfg); err != nil {
			s.logger.Warn("Failed to journal configuration", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, AttributeView{AttributeRef: ref, Configuration: bodyOf(cfg)})
}

func (s *Server) handleRemoveAttribute(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	if !s.dispatcher.Remove(ref) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s is not configured", ref))
		return
	}
	if s.journal != nil {
		if err := s.journal.LogAttributeRemoved(r.Context(), ref); err != nil {
			s.logger.Warn("Failed to journal removal", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	reading, ok := s.decodeReading(w, r)
	if !ok {
		return
	}
	tag, err := s.dispatcher.Classify(r.Context(), ref, reading.Value, reading.Timestamp)
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anomaly.Classified(reading.Timestamp, reading.Value, tag))
}

func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	reading, ok := s.decodeReading(w, r)
	if !ok {
		return
	}
	b, err := s.dispatcher.Explain(r.Context(), ref, reading.Value, reading.Timestamp)
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BoundsView{Lower: finite(b.Lower), Upper: finite(b.Upper)})
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	ts, err := queryInt64(r, "timestamp", time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stale, err := s.dispatcher.NeedsRecalibration(ref, ts)
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timestamp": ts, "needs_recalibration": stale})
}

func (s *Server) handleRecalibrate(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	ts, err := queryInt64(r, "timestamp", time.Now().UnixMilli())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.dispatcher.Recalibrate(r.Context(), ref, ts); err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timestamp": ts, "recalibrated": true})
}

func (s *Server) handleDatapoints(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	points, err := s.history.Datapoints(r.Context(), ref, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"datapoints": points, "count": len(points)})
}

func (s *Server) handleSavePredictions(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	var points []anomaly.Datapoint
	if err := decodeJSON(w, r, &points); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			writeError(w, http.StatusBadRequest, "prediction values must be finite")
			return
		}
	}
	if err := s.predictions.SavePredictions(r.Context(), ref, points); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(points)})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	ref := attributeRef(r)
	from, to, err := timeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	series, err := s.dispatcher.LimitSeries(r.Context(), ref, from, to)
	if err != nil {
		writeDetectionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type reading struct {
	Value     float64
	Timestamp int64
}

func (s *Server) decodeReading(w http.ResponseWriter, r *http.Request) (reading, bool) {
	var body ReadingBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return reading{}, false
	}
	if body.Value == nil {
		writeError(w, http.StatusBadRequest, "value is required")
		return reading{}, false
	}
	out := reading{Value: *body.Value, Timestamp: time.Now().UnixMilli()}
	if body.Timestamp != nil {
		out.Timestamp = *body.Timestamp
	}
	return out, true
}

func attributeRef(r *http.Request) anomaly.AttributeRef {
	vars := mux.Vars(r)
	return anomaly.AttributeRef{AssetID: vars["asset"], Name: vars["attribute"]}
}

// timeRange reads from/to epoch millis, defaulting to the last 24 hours.
func timeRange(r *http.Request) (int64, int64, error) {
	now := time.Now().UnixMilli()
	to, err := queryInt64(r, "to", now)
	if err != nil {
		return 0, 0, err
	}
	from, err := queryInt64(r, "from", to-24*time.Hour.Milliseconds())
	if err != nil {
		return 0, 0, err
	}
	if from > to {
		return 0, 0, fmt.Errorf("from (%d) is after to (%d)", from, to)
	}
	return from, to, nil
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n >= 0 {
		return n
	}
	return def
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// writeDetectionError maps detection errors to HTTP statuses.
func writeDetectionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, anomaly.ErrUnconfiguredAttribute):
		status = http.StatusNotFound
	case errors.Is(err, anomaly.ErrInvalidConfiguration):
		status = http.StatusBadRequest
	case errors.Is(err, anomaly.ErrInsufficientData), errors.Is(err, anomaly.ErrMalformedHistory):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
