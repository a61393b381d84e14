package db

import (
	"context"
	"database/sql"
	"time"
)

type ModelRecord struct {
	Name       string    `json:"name"`
	Version    int       `json:"version"`
	Type       string    `json:"type"`
	Path       string    `json:"path"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	DataPoints int       `json:"data_points"`
	CreatedAt  time.Time `json:"created_at"`
}

type TrainingLog struct {
	ModelName  string    `json:"model_name"`
	Version    int       `json:"version"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

type Prediction struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Model     string    `json:"model,omitempty"`
	Version   int       `json:"version,omitempty"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordModel registers a saved model version together with its training log
// entry, when metrics are available.
func (d *DB) RecordModel(ctx context.Context, rec ModelRecord, log *TrainingLog) error {
	return d.tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT OR REPLACE INTO models (name, version, type, path, accuracy, data_points, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.Name, rec.Version, rec.Type, rec.Path, rec.Accuracy, rec.DataPoints, rec.CreatedAt.UTC())
		if err != nil {
			return err
		}
		if log == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO training_log (model_name, version, accuracy, precision, recall, trained_at, data_points)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			log.ModelName, log.Version, log.Accuracy, log.Precision, log.Recall, log.TrainedAt.UTC(), log.DataPoints)
		return err
	})
}

func (d *DB) ModelVersions(ctx context.Context, name string) ([]ModelRecord, error) {
	if d == nil || d.sql == nil {
		return nil, ErrClosed
	}
	rows, err := d.sql.QueryContext(ctx, `
        SELECT name, version, type, path, accuracy, data_points, created_at
        FROM models
        WHERE name = ?
        ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]ModelRecord, 0)
	for rows.Next() {
		var rec ModelRecord
		var accuracy sql.NullFloat64
		if err := rows.Scan(&rec.Name, &rec.Version, &rec.Type, &rec.Path, &accuracy, &rec.DataPoints, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if accuracy.Valid {
			rec.Accuracy = &accuracy.Float64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (d *DB) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if d == nil || d.sql == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, `
        SELECT model_name, version, accuracy, precision, recall, trained_at, data_points
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ModelName, &log.Version, &log.Accuracy, &log.Precision, &log.Recall, &log.TrainedAt, &log.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (d *DB) SavePrediction(ctx context.Context, p Prediction) error {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	var version sql.NullInt64
	if p.Version > 0 {
		version = sql.NullInt64{Int64: int64(p.Version), Valid: true}
	}
	return d.exec(ctx, `
        INSERT INTO predictions (id, operation, model, version, input, output, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Operation, p.Model, version, p.Input, p.Output, p.Timestamp.UTC())
}

func (d *DB) RecentPredictions(ctx context.Context, operation string, limit int) ([]Prediction, error) {
	if d == nil || d.sql == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sql.QueryContext(ctx, `
        SELECT id, operation, COALESCE(model, ''), COALESCE(version, 0), input, output, timestamp
        FROM predictions
        WHERE operation = ?
        ORDER BY timestamp DESC
        LIMIT ?`, operation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	predictions := make([]Prediction, 0)
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.ID, &p.Operation, &p.Model, &p.Version, &p.Input, &p.Output, &p.Timestamp); err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}
