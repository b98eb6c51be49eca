package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
)

// Store is the main persistence interface of the detection service.
type Store interface {
	DatapointStore
	PredictionStore
	AlarmStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Datapoints ───────────────────────────────────────────────────────────────

// AnomalyQuery filters stored outliers. Zero fields are ignored.
type AnomalyQuery struct {
	AssetID     string
	Attribute   string
	AnomalyType anomaly.AnomalyType
	From        int64 // epoch millis, inclusive
	To          int64 // epoch millis, inclusive
	Limit       int
	Offset      int
}

// AnomalyRecord is a stored outlier.
type AnomalyRecord struct {
	Ref anomaly.AttributeRef `json:"attribute"`
	anomaly.ClassifiedDatapoint
}

// DatapointStore persists readings together with their classification.
type DatapointStore interface {
	// AppendDatapoint stores a reading, replacing any reading of the same
	// attribute with the same timestamp.
	AppendDatapoint(ctx context.Context, ref anomaly.AttributeRef, p anomaly.ClassifiedDatapoint) error

	// Datapoints returns readings of ref in [from, to], newest first.
	Datapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error)

	// Publish stores a classification; it makes the store a dispatcher sink.
	Publish(ctx context.Context, c dispatcher.Classification) error

	// QueryAnomalies lists outliers, newest first.
	QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error)

	// AnomalySummary counts stored readings per classification in [from, to].
	AnomalySummary(ctx context.Context, from, to int64) (map[anomaly.AnomalyType]int, error)

	// PurgeDatapoints deletes readings and predictions older than before.
	PurgeDatapoints(ctx context.Context, before int64) (int64, error)
}

// ─── Predictions ──────────────────────────────────────────────────────────────

// PredictionStore persists externally produced predicted datapoints.
type PredictionStore interface {
	// SavePredictions upserts predicted points of ref by timestamp.
	SavePredictions(ctx context.Context, ref anomaly.AttributeRef, points []anomaly.Datapoint) error

	// PredictedDatapoints returns predictions of ref in [from, to], newest first.
	PredictedDatapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error)
}

// ─── Alarms ───────────────────────────────────────────────────────────────────

// Alarm statuses.
const (
	AlarmOpen   = "open"
	AlarmClosed = "closed"
)

// AlarmRecord is an alarm raised by a detection configuration.
type AlarmRecord struct {
	ID         string     `json:"id"`
	AssetID    string     `json:"asset_id"`
	Attribute  string     `json:"attribute"`
	ConfigName string     `json:"config_name"`
	Severity   string     `json:"severity"`
	Assignee   string     `json:"assignee,omitempty"`
	Title      string     `json:"title"`
	Content    string     `json:"content"`
	Count      int        `json:"count"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

// AlarmQuery filters alarms. Zero fields are ignored.
type AlarmQuery struct {
	AssetID   string
	Attribute string
	Status    string
	Limit     int
	Offset    int
}

// AlarmStore persists alarms.
type AlarmStore interface {
	// SaveAlarm inserts or updates an alarm by ID.
	SaveAlarm(ctx context.Context, rec *AlarmRecord) error

	// GetAlarm returns sql.ErrNoRows when the alarm does not exist.
	GetAlarm(ctx context.Context, id string) (*AlarmRecord, error)

	// OpenAlarm returns the open alarm of a configuration on an attribute.
	// Returns nil, nil when there is none.
	OpenAlarm(ctx context.Context, ref anomaly.AttributeRef, configName string) (*AlarmRecord, error)

	// ListAlarms lists alarms, most recently updated first.
	ListAlarms(ctx context.Context, q AlarmQuery) ([]*AlarmRecord, error)

	// CloseAlarm marks an alarm closed. Returns sql.ErrNoRows when no open
	// alarm has the ID.
	CloseAlarm(ctx context.Context, id string, at time.Time) error
}
