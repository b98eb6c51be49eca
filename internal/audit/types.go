package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of audit event
type EventType string

const (
	// Detection events
	EventAnomalyDetected     EventType = "anomaly.detected"
	EventRecalibrationFailed EventType = "anomaly.recalibration_failed"

	// Configuration events
	EventAttributeConfigured EventType = "config.attribute_configured"
	EventAttributeRemoved    EventType = "config.attribute_removed"
	EventConfigReload        EventType = "config.reload"

	// Alarm events
	EventAlarmOpened  EventType = "alarm.opened"
	EventAlarmUpdated EventType = "alarm.updated"
	EventAlarmClosed  EventType = "alarm.closed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Event represents a single audit event
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	// Attribute the event concerns
	AssetID   string `json:"asset_id,omitempty"`
	Attribute string `json:"attribute,omitempty"`
	Kind      string `json:"kind,omitempty"`

	// Classified reading, for detection events
	AnomalyType        string   `json:"anomaly_type,omitempty"`
	Value              *float64 `json:"value,omitempty"`
	DatapointTimestamp int64    `json:"datapoint_timestamp,omitempty"`

	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		EventType:     eventType,
		Result:        ResultSuccess,
		Metadata:      make(map[string]interface{}),
	}
}

// WithCorrelationID sets the correlation ID for event tracking
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithAttribute sets the attribute the event concerns
func (e *Event) WithAttribute(assetID, attribute string) *Event {
	e.AssetID = assetID
	e.Attribute = attribute
	return e
}

// WithKind sets the detection kind
func (e *Event) WithKind(kind string) *Event {
	e.Kind = kind
	return e
}

// WithDatapoint records the classified reading
func (e *Event) WithDatapoint(timestamp int64, value float64, anomalyType string) *Event {
	e.DatapointTimestamp = timestamp
	e.Value = &value
	e.AnomalyType = anomalyType
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithError sets error information
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Error = err.Error()
		e.Result = ResultFailure
	}
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
