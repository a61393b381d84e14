package db

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// WaterReading is one water quality sample from a monitored source.
type WaterReading struct {
	ID           int64     `json:"id,omitempty"`
	Source       string    `json:"source"`
	Lat          float64   `json:"lat"`
	Lon          float64   `json:"lon"`
	PH           float64   `json:"pH"`
	Turbidity    float64   `json:"turbidity"`
	Contaminants []string  `json:"contaminants"`
	Timestamp    time.Time `json:"timestamp"`
}

// Report is a community symptom report.
type Report struct {
	ID        int64     `json:"id,omitempty"`
	Location  string    `json:"location"`
	Symptoms  []string  `json:"symptoms"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

type Alert struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Resolved  bool      `json:"resolved"`
	Timestamp time.Time `json:"timestamp"`
}

func joinList(values []string) string { return strings.Join(values, ";") }

func splitList(value string) []string {
	if value == "" {
		return []string{}
	}
	return strings.Split(value, ";")
}

func (d *DB) SaveWaterReading(ctx context.Context, w *WaterReading) error {
	if w.Timestamp.IsZero() {
		w.Timestamp = time.Now()
	}
	return d.withRetry(ctx, func() error {
		res, err := d.sql.ExecContext(ctx, `
            INSERT INTO water_data (source, lat, lon, ph, turbidity, contaminants, timestamp)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.Source, w.Lat, w.Lon, w.PH, w.Turbidity, joinList(w.Contaminants), w.Timestamp.UTC())
		if err != nil {
			return err
		}
		w.ID, err = res.LastInsertId()
		return err
	})
}

func (d *DB) WaterReadingsSince(ctx context.Context, since time.Time) ([]WaterReading, error) {
	if d == nil || d.sql == nil {
		return nil, ErrClosed
	}
	rows, err := d.sql.QueryContext(ctx, `
        SELECT id, source, lat, lon, ph, turbidity, contaminants, timestamp
        FROM water_data
        WHERE timestamp >= ?
        ORDER BY timestamp`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := make([]WaterReading, 0)
	for rows.Next() {
		var w WaterReading
		var contaminants string
		if err := rows.Scan(&w.ID, &w.Source, &w.Lat, &w.Lon, &w.PH, &w.Turbidity, &contaminants, &w.Timestamp); err != nil {
			return nil, err
		}
		w.Contaminants = splitList(contaminants)
		readings = append(readings, w)
	}
	return readings, rows.Err()
}

func (d *DB) SaveReport(ctx context.Context, r *Report) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return d.withRetry(ctx, func() error {
		res, err := d.sql.ExecContext(ctx, `
            INSERT INTO reports (location, symptoms, severity, timestamp)
            VALUES (?, ?, ?, ?)`,
			r.Location, joinList(r.Symptoms), r.Severity, r.Timestamp.UTC())
		if err != nil {
			return err
		}
		r.ID, err = res.LastInsertId()
		return err
	})
}

func (d *DB) CountReportsSince(ctx context.Context, since time.Time) (int, error) {
	if d == nil || d.sql == nil {
		return 0, ErrClosed
	}
	var count int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE timestamp >= ?`, since.UTC()).Scan(&count)
	return count, err
}

func (d *DB) SaveAlert(ctx context.Context, a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	return d.exec(ctx, `
        INSERT OR REPLACE INTO alerts (id, location, type, severity, message, value, resolved, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Location, a.Type, a.Severity, a.Message, a.Value, a.Resolved, a.Timestamp.UTC())
}

// RecentAlerts lists the newest alerts; location filters by substring,
// case-insensitively, when not empty.
func (d *DB) RecentAlerts(ctx context.Context, location string, limit int) ([]Alert, error) {
	if d == nil || d.sql == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if location == "" {
		rows, err = d.sql.QueryContext(ctx, `
            SELECT id, location, type, severity, message, value, resolved, timestamp
            FROM alerts ORDER BY timestamp DESC LIMIT ?`, limit)
	} else {
		rows, err = d.sql.QueryContext(ctx, `
            SELECT id, location, type, severity, message, value, resolved, timestamp
            FROM alerts WHERE LOWER(location) LIKE '%' || LOWER(?) || '%'
            ORDER BY timestamp DESC LIMIT ?`, location, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]Alert, 0)
	for rows.Next() {
		var a Alert
		var value sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.Location, &a.Type, &a.Severity, &a.Message, &value, &a.Resolved, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Value = value.Float64
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
