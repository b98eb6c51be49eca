// Package alerting raises alarms for attributes whose detection
// configuration carries an alarm definition.
//
// One alarm stays open per attribute and configuration. Further anomalies
// are appended to it until an operator closes it; the next anomaly after
// that opens a fresh alarm.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/audit"
	"github.com/kubilitics/kubilitics-anomaly/internal/db"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
)

// Placeholders substituted in alarm content templates.
const (
	AssetIDPlaceholder       = "%ASSET_ID%"
	AttributeNamePlaceholder = "%ATTRIBUTE_NAME%"
)

// Manager opens and updates alarms. It implements dispatcher.Sink.
type Manager struct {
	store   db.AlarmStore
	journal audit.Logger
	logger  *zap.Logger

	mu sync.Mutex
}

// NewManager creates a Manager. journal may be nil.
func NewManager(store db.AlarmStore, journal audit.Logger, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, journal: journal, logger: logger}
}

// Publish raises or updates the alarm of an outlier classification. Other
// classifications, and configurations without an alarm, are ignored.
func (m *Manager) Publish(ctx context.Context, c dispatcher.Classification) error {
	alarm := c.Configuration.Alarm
	if alarm == nil || !c.Datapoint.AnomalyType.IsOutlier() {
		return nil
	}
	at := time.UnixMilli(c.Datapoint.Timestamp).UTC()
	name := c.Configuration.DisplayName()

	// open-or-update must not interleave for the same alarm
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.OpenAlarm(ctx, c.Ref, name)
	if err != nil {
		return fmt.Errorf("look up open alarm for %s: %w", c.Ref, err)
	}

	event := audit.EventAlarmUpdated
	if rec == nil {
		event = audit.EventAlarmOpened
		rec = newAlarm(c.Ref, name, *alarm, at)
		metrics.AlarmsOpenedTotal.WithLabelValues(alarm.Severity).Inc()
	} else {
		rec.Count++
		rec.Title = title(name, rec.Count)
		rec.Content += fmt.Sprintf("\n%d: %s", rec.Count, at.Format(time.RFC3339))
		rec.UpdatedAt = at
		metrics.AlarmsUpdatedTotal.WithLabelValues(rec.Severity).Inc()
	}

	if err := m.store.SaveAlarm(ctx, rec); err != nil {
		return fmt.Errorf("save alarm %s: %w", rec.ID, err)
	}

	m.logger.Info("Alarm raised",
		zap.String("alarm_id", rec.ID),
		zap.String("attribute", c.Ref.String()),
		zap.String("severity", rec.Severity),
		zap.Int("count", rec.Count))
	m.record(ctx, audit.NewEvent(event).
		WithAttribute(c.Ref.AssetID, c.Ref.Name).
		WithKind(string(c.Configuration.Kind)).
		WithMetadata("alarm_id", rec.ID).
		WithMetadata("count", rec.Count).
		WithDescription(rec.Title))
	return nil
}

// List returns alarms matching q, most recently updated first.
func (m *Manager) List(ctx context.Context, q db.AlarmQuery) ([]*db.AlarmRecord, error) {
	return m.store.ListAlarms(ctx, q)
}

// Get returns the alarm with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*db.AlarmRecord, error) {
	return m.store.GetAlarm(ctx, id)
}

// Close closes an open alarm. It returns sql.ErrNoRows when no open alarm
// has the ID.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.CloseAlarm(ctx, id, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.Info("Alarm closed", zap.String("alarm_id", id))
	m.record(ctx, audit.NewEvent(audit.EventAlarmClosed).WithMetadata("alarm_id", id))
	return nil
}

func (m *Manager) record(ctx context.Context, event *audit.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Log(ctx, event); err != nil {
		m.logger.Warn("Failed to journal alarm event", zap.Error(err))
	}
}

func newAlarm(ref anomaly.AttributeRef, name string, alarm anomaly.Alarm, at time.Time) *db.AlarmRecord {
	return &db.AlarmRecord{
		ID:         uuid.NewString(),
		AssetID:    ref.AssetID,
		Attribute:  ref.Name,
		ConfigName: name,
		Severity:   alarm.Severity,
		Assignee:   alarm.Assignee,
		Title:      title(name, 1),
		Content:    RenderContent(alarm.Content, ref) + "\n1: " + at.Format(time.RFC3339),
		Count:      1,
		Status:     db.AlarmOpen,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

// RenderContent substitutes the attribute placeholders in template.
func RenderContent(template string, ref anomaly.AttributeRef) string {
	return strings.NewReplacer(
		AssetIDPlaceholder, ref.AssetID,
		AttributeNamePlaceholder, ref.Name,
	).Replace(template)
}

func title(name string, count int) string {
	if count == 1 {
		return name + " Detected 1 anomaly"
	}
	return fmt.Sprintf("%s Detected %d anomalies", name, count)
}
