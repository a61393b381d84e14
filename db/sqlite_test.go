package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "data", "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordModel(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	accuracy := 0.9
	now := time.Now()

	require.NoError(t, d.RecordModel(ctx, ModelRecord{
		Name: "outbreak", Version: 1, Type: "gradient_boosting", Path: "models/outbreak/v1.json",
		DataPoints: 10, CreatedAt: now,
	}, nil))
	require.NoError(t, d.RecordModel(ctx, ModelRecord{
		Name: "outbreak", Version: 2, Type: "gradient_boosting", Path: "models/outbreak/v2.json",
		Accuracy: &accuracy, DataPoints: 20, CreatedAt: now,
	}, &TrainingLog{ModelName: "outbreak", Version: 2, Accuracy: 0.9, Precision: 0.8, Recall: 0.85, TrainedAt: now, DataPoints: 20}))

	records, err := d.ModelVersions(ctx, "outbreak")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Version)
	require.NotNil(t, records[0].Accuracy)
	assert.Equal(t, 0.9, *records[0].Accuracy)
	assert.Nil(t, records[1].Accuracy)

	logs, err := d.LoadTrainingLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "outbreak", logs[0].ModelName)
	assert.Equal(t, 2, logs[0].Version)
	assert.Equal(t, 20, logs[0].DataPoints)
}

func TestPredictions(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.SavePrediction(ctx, Prediction{
		ID: "p-1", Operation: "predict", Model: "outbreak", Version: 3,
		Input: `{"populationDensity":1}`, Output: `{"outbreakRisk":1}`,
	}))
	require.NoError(t, d.SavePrediction(ctx, Prediction{
		ID: "p-2", Operation: "anomaly", Input: `{"data":[1]}`, Output: `{"anomalies":[1]}`,
	}))

	predictions, err := d.RecentPredictions(ctx, "predict", 0)
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Equal(t, "outbreak", predictions[0].Model)
	assert.Equal(t, 3, predictions[0].Version)

	anomalies, err := d.RecentPredictions(ctx, "anomaly", 0)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "", anomalies[0].Model)
	assert.Equal(t, 0, anomalies[0].Version)
}

func TestSurveillanceFeeds(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	old := &WaterReading{Source: "well", PH: 7, Turbidity: 1, Timestamp: now.Add(-2 * time.Hour)}
	fresh := &WaterReading{Source: "river", Lat: 26.1, Lon: 91.7, PH: 5.5, Turbidity: 12, Contaminants: []string{"e.coli", "lead"}}
	require.NoError(t, d.SaveWaterReading(ctx, old))
	require.NoError(t, d.SaveWaterReading(ctx, fresh))
	assert.NotZero(t, fresh.ID)

	readings, err := d.WaterReadingsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "river", readings[0].Source)
	assert.Equal(t, []string{"e.coli", "lead"}, readings[0].Contaminants)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.SaveReport(ctx, &Report{Location: "Guwahati", Symptoms: []string{"fever"}, Severity: "high"}))
	}
	require.NoError(t, d.SaveReport(ctx, &Report{Location: "Shillong", Severity: "low", Timestamp: now.Add(-3 * time.Hour)}))
	count, err := d.CountReportsSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAlerts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, d.SaveAlert(ctx, Alert{ID: "a1", Location: "Downtown", Type: "unsafe_water", Severity: "high", Message: "pH 5.5", Value: 5.5, Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, d.SaveAlert(ctx, Alert{ID: "a2", Location: "Suburb A", Type: "report_surge", Severity: "medium", Message: "60 reports", Value: 60, Timestamp: now}))

	alerts, err := d.RecentAlerts(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.False(t, alerts[0].Resolved)

	alerts, err = d.RecentAlerts(ctx, "downtown", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 5.5, alerts[0].Value)
}

func TestNilDB(t *testing.T) {
	var d *DB
	_, err := d.LoadTrainingLog(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.SaveAlert(context.Background(), Alert{}), ErrClosed)
	assert.NoError(t, d.Close())
}

func TestWithRetryRetriesBusy(t *testing.T) {
	d := openTestDB(t)
	d.delay = time.Millisecond

	calls := 0
	err := d.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := errors.New("constraint failed")
	err = d.withRetry(context.Background(), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}
