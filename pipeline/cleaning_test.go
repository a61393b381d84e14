package pipeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsurveil/db"
)

func TestNewDataCleaner(t *testing.T) {
	cleaner := NewDataCleaner()
	require.NotNil(t, cleaner)
	assert.Len(t, cleaner.rules, 5)
}

func TestRangeValidationRule(t *testing.T) {
	rule := NewRangeValidationRule()

	tests := []struct {
		name    string
		reading db.WaterReading
		wantErr bool
	}{
		{name: "valid reading", reading: db.WaterReading{Source: "well", Lat: 12.9, Lon: 77.6, PH: 7.1, Turbidity: 3}},
		{name: "acidic but valid", reading: db.WaterReading{Source: "well", PH: 4.5, Turbidity: 30}},
		{name: "pH too high", reading: db.WaterReading{Source: "well", PH: 14.5}, wantErr: true},
		{name: "negative turbidity", reading: db.WaterReading{Source: "well", PH: 7, Turbidity: -1}, wantErr: true},
		{name: "latitude out of range", reading: db.WaterReading{Source: "well", Lat: 91, PH: 7}, wantErr: true},
		{name: "NaN pH", reading: db.WaterReading{Source: "well", PH: math.NaN()}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading := tt.reading
			_, err := rule.Apply(&reading)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTimestampValidationRule(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rule := NewTimestampValidationRule()
	rule.now = func() time.Time { return now }

	reading := &db.WaterReading{Source: "well"}
	got, err := rule.Apply(reading)
	require.NoError(t, err)
	assert.Equal(t, now, got.Timestamp)

	_, err = rule.Apply(&db.WaterReading{Timestamp: now.Add(2 * time.Minute)})
	assert.NoError(t, err)
	_, err = rule.Apply(&db.WaterReading{Timestamp: now.Add(time.Hour)})
	assert.Error(t, err)
	_, err = rule.Apply(&db.WaterReading{Timestamp: now.AddDate(-2, 0, 0)})
	assert.Error(t, err)
}

func TestContaminantRule(t *testing.T) {
	reading := &db.WaterReading{Contaminants: []string{" Lead", "e.coli", "", "lead"}}
	got, err := ContaminantRule{}.Apply(reading)
	require.NoError(t, err)
	assert.Equal(t, []string{"e.coli", "lead"}, got.Contaminants)

	_, err = ContaminantRule{}.Apply(&db.WaterReading{Contaminants: []string{"a;b"}})
	assert.Error(t, err)
}

func TestDuplicateDetectionRule(t *testing.T) {
	rule := NewDuplicateDetectionRule(16)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := rule.Apply(&db.WaterReading{Source: "well", Timestamp: ts})
	require.NoError(t, err)
	_, err = rule.Apply(&db.WaterReading{Source: "well", Timestamp: ts})
	assert.Error(t, err)
	_, err = rule.Apply(&db.WaterReading{Source: "river", Timestamp: ts})
	assert.NoError(t, err)
}

func TestDataCleaner_Clean(t *testing.T) {
	cleaner := NewDataCleaner()
	ts := time.Now().Add(-time.Minute)
	readings := []*db.WaterReading{
		{Source: "well-1", PH: 7, Turbidity: 1, Timestamp: ts},
		{Source: "  well-2 ", PH: 6.5, Turbidity: 2, Contaminants: []string{"Lead"}, Timestamp: ts},
		{Source: "", PH: 7, Timestamp: ts},
		{Source: "well-3", PH: 20, Timestamp: ts},
		{Source: "well-1", PH: 7.2, Turbidity: 1, Timestamp: ts},
	}

	cleaned, issues := cleaner.Clean(readings)
	require.Len(t, cleaned, 2)
	assert.Equal(t, "well-2", cleaned[1].Source)
	assert.Equal(t, []string{"lead"}, cleaned[1].Contaminants)

	require.Len(t, issues, 3)
	assert.Equal(t, "source_validation", issues[0].Rule)
	assert.Equal(t, "range_validation", issues[1].Rule)
	assert.Equal(t, "duplicate_detection", issues[2].Rule)
	assert.Contains(t, issues[2].Error(), "duplicate reading")

	stats := cleaner.GetStats()
	assert.Equal(t, int64(5), stats.TotalProcessed)
	assert.Equal(t, int64(2), stats.Passed)
	assert.Equal(t, int64(3), stats.Rejected)
	assert.Equal(t, int64(1), stats.Corrected)
	assert.Equal(t, int64(1), stats.Issues["duplicate_detection"])
}

func BenchmarkDataCleaner_Clean(b *testing.B) {
	cleaner := NewDataCleaner()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < b.N; i++ {
		reading := &db.WaterReading{Source: "well", PH: 7, Turbidity: 2, Timestamp: base.Add(time.Duration(i))}
		cleaner.Clean([]*db.WaterReading{reading})
	}
}
