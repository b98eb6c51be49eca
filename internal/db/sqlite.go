package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-anomaly/internal/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/dispatcher"
)

// migrations define the schema. Applied versions are tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS datapoints (
    asset_id     TEXT    NOT NULL,
    attribute    TEXT    NOT NULL,
    timestamp    INTEGER NOT NULL,
    value        REAL    NOT NULL,
    anomaly_type TEXT    NOT NULL DEFAULT 'UNCHECKED',
    PRIMARY KEY (asset_id, attribute, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_datapoints_anomaly_type ON datapoints(anomaly_type, timestamp DESC);

CREATE TABLE IF NOT EXISTS predicted_datapoints (
    asset_id   TEXT    NOT NULL,
    attribute  TEXT    NOT NULL,
    timestamp  INTEGER NOT NULL,
    value      REAL    NOT NULL,
    PRIMARY KEY (asset_id, attribute, timestamp)
);
`,
	},
	// Migration 2: alarms
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS alarms (
    id          TEXT PRIMARY KEY,
    asset_id    TEXT NOT NULL,
    attribute   TEXT NOT NULL,
    config_name TEXT NOT NULL,
    severity    TEXT NOT NULL,
    assignee    TEXT NOT NULL DEFAULT '',
    title       TEXT NOT NULL,
    content     TEXT NOT NULL DEFAULT '',
    count       INTEGER NOT NULL DEFAULT 1,
    status      TEXT NOT NULL DEFAULT 'open',
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL,
    closed_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_alarms_lookup ON alarms(asset_id, attribute, config_name, status);
CREATE INDEX IF NOT EXISTS idx_alarms_updated_at ON alarms(updated_at DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Datapoints ───────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendDatapoint(ctx context.Context, ref anomaly.AttributeRef, p anomaly.ClassifiedDatapoint) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO datapoints(asset_id, attribute, timestamp, value, anomaly_type)
        VALUES(?,?,?,?,?)
        ON CONFLICT(asset_id, attribute, timestamp) DO UPDATE SET
            value=excluded.value, anomaly_type=excluded.anomaly_type
    `, ref.AssetID, ref.Name, p.Timestamp, p.Value, string(p.AnomalyType))
	return err
}

func (s *sqliteStore) Datapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT timestamp, value, anomaly_type FROM datapoints
        WHERE asset_id=? AND attribute=? AND timestamp BETWEEN ? AND ?
        ORDER BY timestamp DESC
    `, ref.AssetID, ref.Name, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []anomaly.ClassifiedDatapoint{}
	for rows.Next() {
		p, err := scanClassified(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Publish(ctx context.Context, c dispatcher.Classification) error {
	return s.AppendDatapoint(ctx, c.Ref, c.Datapoint)
}

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error) {
	query := `SELECT asset_id, attribute, timestamp, value, anomaly_type FROM datapoints WHERE anomaly_type NOT IN (?, ?)`
	args := []any{string(anomaly.Unchecked), string(anomaly.Valid)}

	if q.AssetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, q.AssetID)
	}
	if q.Attribute != "" {
		query += ` AND attribute = ?`
		args = append(args, q.Attribute)
	}
	if q.AnomalyType != "" {
		query += ` AND anomaly_type = ?`
		args = append(args, string(q.AnomalyType))
	}
	if q.From != 0 {
		query += ` AND timestamp >= ?`
		args = append(args, q.From)
	}
	if q.To != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, q.To)
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AnomalyRecord
	for rows.Next() {
		rec := &AnomalyRecord{}
		var tag string
		if err := rows.Scan(&rec.Ref.AssetID, &rec.Ref.Name, &rec.Timestamp, &rec.Value, &tag); err != nil {
			return nil, err
		}
		if rec.AnomalyType, err = anomaly.ParseAnomalyType(tag); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to int64) (map[anomaly.AnomalyType]int, error) {
	query := `SELECT anomaly_type, COUNT(*) FROM datapoints WHERE 1=1`
	args := []any{}
	if from != 0 {
		query += ` AND timestamp >= ?`
		args = append(args, from)
	}
	if to != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, to)
	}
	query += ` GROUP BY anomaly_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[anomaly.AnomalyType]int{}
	for rows.Next() {
		var tag string
		var count int
		if err := rows.Scan(&tag, &count); err != nil {
			return nil, err
		}
		t, err := anomaly.ParseAnomalyType(tag)
		if err != nil {
			return nil, err
		}
		summary[t] = count
	}
	return summary, rows.Err()
}

func (s *sqliteStore) PurgeDatapoints(ctx context.Context, before int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"datapoints", "predicted_datapoints"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE timestamp < ?`, before)
		if err != nil {
			return 0, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// ─── Predictions ──────────────────────────────────────────────────────────────

func (s *sqliteStore) SavePredictions(ctx context.Context, ref anomaly.AttributeRef, points []anomaly.Datapoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO predicted_datapoints(asset_id, attribute, timestamp, value)
        VALUES(?,?,?,?)
        ON CONFLICT(asset_id, attribute, timestamp) DO UPDATE SET value=excluded.value
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, ref.AssetID, ref.Name, p.Timestamp, p.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PredictedDatapoints(ctx context.Context, ref anomaly.AttributeRef, from, to int64) ([]anomaly.ClassifiedDatapoint, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT timestamp, value FROM predicted_datapoints
        WHERE asset_id=? AND attribute=? AND timestamp BETWEEN ? AND ?
        ORDER BY timestamp DESC
    `, ref.AssetID, ref.Name, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []anomaly.ClassifiedDatapoint{}
	for rows.Next() {
		p := anomaly.ClassifiedDatapoint{AnomalyType: anomaly.Unchecked}
		if err := rows.Scan(&p.Timestamp, &p.Value); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ─── Alarms ───────────────────────────────────────────────────────────────────

const alarmColumns = `id, asset_id, attribute, config_name, severity, assignee, title, content, count, status, created_at, updated_at, closed_at`

func (s *sqliteStore) SaveAlarm(ctx context.Context, rec *AlarmRecord) error {
	var closedAt any
	if rec.ClosedAt != nil {
		closedAt = rec.ClosedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO alarms(`+alarmColumns+`)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            severity=excluded.severity, assignee=excluded.assignee, title=excluded.title,
            content=excluded.content, count=excluded.count, status=excluded.status,
            updated_at=excluded.updated_at, closed_at=excluded.closed_at
    `,
		rec.ID, rec.AssetID, rec.Attribute, rec.ConfigName, rec.Severity, rec.Assignee,
		rec.Title, rec.Content, rec.Count, rec.Status,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), closedAt,
	)
	return err
}

func (s *sqliteStore) GetAlarm(ctx context.Context, id string) (*AlarmRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alarmColumns+` FROM alarms WHERE id=?`, id)
	return scanAlarm(row)
}

func (s *sqliteStore) OpenAlarm(ctx context.Context, ref anomaly.AttributeRef, configName string) (*AlarmRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+alarmColumns+` FROM alarms
        WHERE asset_id=? AND attribute=? AND config_name=? AND status=?
        ORDER BY created_at DESC LIMIT 1
    `, ref.AssetID, ref.Name, configName, AlarmOpen)
	rec, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListAlarms(ctx context.Context, q AlarmQuery) ([]*AlarmRecord, error) {
	query := `SELECT ` + alarmColumns + ` FROM alarms WHERE 1=1`
	args := []any{}

	if q.AssetID != "" {
		query += ` AND asset_id = ?`
		args = append(args, q.AssetID)
	}
	if q.Attribute != "" {
		query += ` AND attribute = ?`
		args = append(args, q.Attribute)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	query += ` ORDER BY updated_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AlarmRecord
	for rows.Next() {
		rec, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) CloseAlarm(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms SET status=?, closed_at=?, updated_at=? WHERE id=? AND status=?`,
		AlarmClosed, at.UTC(), at.UTC(), id, AlarmOpen)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClassified(row rowScanner) (anomaly.ClassifiedDatapoint, error) {
	var p anomaly.ClassifiedDatapoint
	var tag string
	if err := row.Scan(&p.Timestamp, &p.Value, &tag); err != nil {
		return p, err
	}
	t, err := anomaly.ParseAnomalyType(tag)
	if err != nil {
		return p, err
	}
	p.AnomalyType = t
	return p, nil
}

func scanAlarm(row rowScanner) (*AlarmRecord, error) {
	rec := &AlarmRecord{}
	var created, updated string
	var closed sql.NullString
	if err := row.Scan(&rec.ID, &rec.AssetID, &rec.Attribute, &rec.ConfigName, &rec.Severity,
		&rec.Assignee, &rec.Title, &rec.Content, &rec.Count, &rec.Status,
		&created, &updated, &closed); err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(created)
	rec.UpdatedAt, _ = parseTime(updated)
	if closed.Valid {
		if t, err := parseTime(closed.String); err == nil {
			rec.ClosedAt = &t
		}
	}
	return rec, nil
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
