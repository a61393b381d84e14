package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"healthsurveil/config"
	"healthsurveil/db"
	"healthsurveil/ml"
	"healthsurveil/monitoring"
	"healthsurveil/riskmap"
	"healthsurveil/store"
)

type memoryLog struct {
	mu          sync.Mutex
	predictions []db.Prediction
}

func (m *memoryLog) SavePrediction(_ context.Context, p db.Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions = append(m.predictions, p)
	return nil
}

type memoryPublisher struct {
	kinds []monitoring.MessageType
}

func (m *memoryPublisher) Publish(kind monitoring.MessageType, _ any) error {
	m.kinds = append(m.kinds, kind)
	return nil
}

func newRunner(t *testing.T) (*Runner, *memoryLog, *memoryPublisher) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ML.ModelsDir = filepath.Join(dir, "models")
	cfg.ML.Seed = 1
	cfg.ML.NEstimators = 30
	cfg.RiskMap.Output = filepath.Join(dir, "risk_map.png")
	cfg.RiskMap.Width = 4
	cfg.RiskMap.Height = 3

	models, err := store.New(cfg.ML.ModelsDir, cfg.ML.CacheSize, nil, nil)
	require.NoError(t, err)
	log := &memoryLog{}
	pub := &memoryPublisher{}
	return &Runner{Config: cfg, Models: models, Log: log, Publisher: pub, Logger: zaptest.NewLogger(t)}, log, pub
}

func outbreakSamples() []ml.TrainingSample {
	var samples []ml.TrainingSample
	for i := 0; i < 10; i++ {
		low := float64(i)
		samples = append(samples,
			ml.TrainingSample{Features: []float64{100 + 10*low, 0.9 - 0.01*low, 1 + 0.1*low}, Label: 0},
			ml.TrainingSample{Features: []float64{2000 + 50*low, 0.2 + 0.01*low, 20 + low}, Label: 1},
		)
	}
	return samples
}

func ptr(v float64) *float64 { return &v }

func TestAnomalyOperation(t *testing.T) {
	r, log, pub := newRunner(t)
	data := make([]float64, 0, 21)
	for i := 0; i < 20; i++ {
		data = append(data, 10+float64(i)*0.05)
	}
	data = append(data, 100)

	resp, err := r.Anomaly(context.Background(), AnomalyRequest{Data: data})
	require.NoError(t, err)
	require.Len(t, resp.Anomalies, len(data))
	assert.Equal(t, -1, resp.Anomalies[20])
	for _, label := range resp.Anomalies {
		assert.Contains(t, []int{1, -1}, label)
	}
	assert.Equal(t, []monitoring.MessageType{monitoring.AnomalyMessage}, pub.kinds)
	require.Len(t, log.predictions, 1)
	assert.Equal(t, "anomaly", log.predictions[0].Operation)

	_, err = r.Anomaly(context.Background(), AnomalyRequest{})
	assert.True(t, IsInputError(err))
}

func TestPredictNeedsTrainedModel(t *testing.T) {
	r, _, _ := newRunner(t)
	req := PredictRequest{PopulationDensity: ptr(1500), SanitationData: ptr(0.3), HistoricalPatterns: []float64{10, 20}}

	_, err := r.Predict(context.Background(), req)
	require.Error(t, err)
	assert.EqualError(t, err, `model "outbreak" not trained`)
	assert.ErrorIs(t, err, store.ErrModelNotFound)
	assert.False(t, IsInputError(err))

	_, err = r.Assess(context.Background(), AssessRequest{Rainfall: ptr(1), Temperature: ptr(2), HealthData: []float64{1}})
	assert.EqualError(t, err, `model "risk" not trained`)
}

func TestRetrainPredictExplain(t *testing.T) {
	r, log, pub := newRunner(t)
	ctx := context.Background()

	retrained, err := r.Retrain(ctx, RetrainRequest{TrainingData: outbreakSamples()})
	require.NoError(t, err)
	assert.Equal(t, "Model retrained successfully", retrained.Message)
	assert.Equal(t, OutbreakModel, retrained.Model)
	assert.Equal(t, 1, retrained.Version)
	assert.Equal(t, ml.TypeGradientBoosting, retrained.Type)
	assert.Equal(t, 20, retrained.DataPoints)
	require.NotNil(t, retrained.Metrics)
	assert.Equal(t, 4, retrained.Metrics.TestSize)
	assert.Contains(t, pub.kinds, monitoring.ModelMessage)

	high := PredictRequest{PopulationDensity: ptr(2200), SanitationData: ptr(0.25), HistoricalPatterns: []float64{22, 24}}
	predicted, err := r.Predict(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, 1, predicted.OutbreakRisk)

	low := PredictRequest{PopulationDensity: ptr(120), SanitationData: ptr(0.88), HistoricalPatterns: []float64{1, 1.2}}
	predicted, err = r.Predict(ctx, low)
	require.NoError(t, err)
	assert.Equal(t, 0, predicted.OutbreakRisk)

	explained, err := r.Explain(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, 1, explained.Prediction)
	require.Len(t, explained.Explanation, 1)
	require.Len(t, explained.Explanation[0], 3)
	total := 0.0
	for _, v := range explained.Explanation[0] {
		assert.False(t, math.IsNaN(v))
		total += v
	}
	// the high-risk input sits above the average log-odds of the background
	assert.Greater(t, total, 0.0)

	require.Len(t, log.predictions, 3)
	assert.Equal(t, "outbreak", log.predictions[0].Model)
	assert.Equal(t, 1, log.predictions[0].Version)

	again, err := r.Retrain(ctx, RetrainRequest{TrainingData: outbreakSamples(), Model: OutbreakModel})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
}

func threeClassSamples() []ml.TrainingSample {
	var samples []ml.TrainingSample
	for i := 0; i < 10; i++ {
		step := float64(i)
		samples = append(samples,
			ml.TrainingSample{Features: []float64{100 + 10*step, 0.9 - 0.01*step, 1 + 0.1*step}, Label: 0},
			ml.TrainingSample{Features: []float64{800 + 10*step, 0.6 - 0.01*step, 8 + 0.1*step}, Label: 1},
			ml.TrainingSample{Features: []float64{2000 + 50*step, 0.2 + 0.01*step, 20 + step}, Label: 2},
		)
	}
	return samples
}

func TestExplainMulticlass(t *testing.T) {
	for _, modelType := range []string{ml.TypeGradientBoosting, ml.TypeDecisionTree} {
		t.Run(modelType, func(t *testing.T) {
			r, _, _ := newRunner(t)
			r.Config.ML.OutbreakModel = modelType
			ctx := context.Background()

			retrained, err := r.Retrain(ctx, RetrainRequest{TrainingData: threeClassSamples()})
			require.NoError(t, err)
			assert.Equal(t, modelType, retrained.Type)

			req := PredictRequest{PopulationDensity: ptr(2200), SanitationData: ptr(0.25), HistoricalPatterns: []float64{22, 24}}
			explained, err := r.Explain(ctx, req)
			require.NoError(t, err)
			assert.Equal(t, 2, explained.Prediction)
			require.Len(t, explained.Explanation, 1)
			require.Len(t, explained.Explanation[0], 3)

			// the predicted class scores above its background average
			total := 0.0
			for _, v := range explained.Explanation[0] {
				assert.False(t, math.IsNaN(v))
				total += v
			}
			assert.Greater(t, total, 0.0)
		})
	}
}

func TestPredictLogsOutOfRangePositions(t *testing.T) {
	r, _, _ := newRunner(t)
	core, logs := observer.New(zapcore.WarnLevel)
	r.Logger = zap.New(core)
	ctx := context.Background()

	_, err := r.Retrain(ctx, RetrainRequest{TrainingData: outbreakSamples()})
	require.NoError(t, err)

	inRange := PredictRequest{PopulationDensity: ptr(1000), SanitationData: ptr(0.5), HistoricalPatterns: []float64{10}}
	_, err = r.Predict(ctx, inRange)
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("features outside training range").Len())

	// training densities span 100..2450
	far := PredictRequest{PopulationDensity: ptr(5000), SanitationData: ptr(0.5), HistoricalPatterns: []float64{10}}
	_, err = r.Predict(ctx, far)
	require.NoError(t, err)

	entries := logs.FilterMessage("features outside training range").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, []interface{}{"populationDensity"}, fields["features"])
	positions, ok := fields["positions"].([]interface{})
	require.True(t, ok, "%T", fields["positions"])
	require.Len(t, positions, 3)
	assert.InDelta(t, (5000.0-100)/(2450-100), positions[0], 1e-9)
	assert.Greater(t, positions[1], 0.0)
	assert.Less(t, positions[1], 1.0)
}

func TestRetrainRiskAndAssess(t *testing.T) {
	r, _, _ := newRunner(t)
	ctx := context.Background()

	samples := []ml.TrainingSample{
		{Features: []float64{20, 22, 1}, Label: 0},
		{Features: []float64{25, 24, 2}, Label: 0},
		{Features: []float64{30, 23, 1.5}, Label: 0},
		{Features: []float64{220, 31, 9}, Label: 1},
		{Features: []float64{250, 33, 11}, Label: 1},
		{Features: []float64{240, 32, 10}, Label: 1},
	}
	retrained, err := r.Retrain(ctx, RetrainRequest{TrainingData: samples, Model: RiskModel})
	require.NoError(t, err)
	assert.Equal(t, ml.TypeGaussianNB, retrained.Type)

	resp, err := r.Assess(ctx, AssessRequest{Rainfall: ptr(235), Temperature: ptr(32), HealthData: []float64{9, 11}})
	require.NoError(t, err)
	assert.Greater(t, resp.RiskScore, 0.5)
	assert.LessOrEqual(t, resp.RiskScore, 1.0)

	resp, err = r.Assess(ctx, AssessRequest{Rainfall: ptr(22), Temperature: ptr(23), HealthData: []float64{1}})
	require.NoError(t, err)
	assert.Less(t, resp.RiskScore, 0.5)
}

func TestRetrainRejectsBadData(t *testing.T) {
	r, _, _ := newRunner(t)
	ctx := context.Background()

	cases := map[string]RetrainRequest{
		"empty":        {},
		"wrong width":  {TrainingData: []ml.TrainingSample{{Features: []float64{1, 2}, Label: 0}, {Features: []float64{3, 4}, Label: 1}}},
		"single class": {TrainingData: []ml.TrainingSample{{Features: []float64{1, 2, 3}, Label: 1}, {Features: []float64{3, 4, 5}, Label: 1}}},
		"ragged":       {TrainingData: []ml.TrainingSample{{Features: []float64{1, 2, 3}}, {Features: []float64{3, 4}, Label: 1}}},
		"unknown":      {TrainingData: outbreakSamples(), Model: "weather"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Retrain(ctx, req)
			require.Error(t, err)
			assert.True(t, IsInputError(err), "%v", err)
		})
	}
}

func TestRiskMapOperation(t *testing.T) {
	r, _, _ := newRunner(t)
	resp, err := r.RiskMap(context.Background(), RiskMapRequest{SpatialData: []riskmap.Point{
		{Latitude: 26.1, Longitude: 91.7, RiskFactor: 0.9},
		{Latitude: 25.6, Longitude: 91.9, RiskFactor: 0.1},
	}})
	require.NoError(t, err)
	assert.Equal(t, "Risk map generated successfully", resp.Message)
	assert.Equal(t, r.Config.RiskMap.Output, resp.File)
	assert.FileExists(t, resp.File)

	_, err = r.RiskMap(context.Background(), RiskMapRequest{})
	assert.True(t, IsInputError(err))
}

func TestRunContract(t *testing.T) {
	r, _, _ := newRunner(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, r.Run(ctx, OpAnomaly, strings.NewReader(`{"data":[1,2,3,4,100]}`), &out))
	var anomalies AnomalyResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &anomalies))
	assert.Len(t, anomalies.Anomalies, 5)

	payload, err := json.Marshal(RetrainRequest{TrainingData: outbreakSamples()})
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, r.Run(ctx, OpRetrain, bytes.NewReader(payload), &out))
	assert.Contains(t, out.String(), `"message":"Model retrained successfully"`)

	out.Reset()
	require.NoError(t, r.Run(ctx, OpPredict, strings.NewReader(`{"populationDensity":2100,"sanitationData":0.2,"historicalPatterns":[21]}`), &out))
	assert.JSONEq(t, `{"outbreakRisk":1}`, out.String())

	err = r.Run(ctx, OpPredict, strings.NewReader(`{"populationDensity":2100}`), &out)
	assert.True(t, IsInputError(err))
	assert.Contains(t, err.Error(), "sanitationData")

	assert.True(t, IsInputError(r.Run(ctx, OpAssess, strings.NewReader(""), &out)))
	assert.True(t, IsInputError(r.Run(ctx, OpAssess, strings.NewReader("{"), &out)))
	assert.Error(t, r.Run(ctx, Op("unknown"), strings.NewReader("{}"), &out))
}

func TestParseOp(t *testing.T) {
	for _, op := range Ops() {
		parsed, err := ParseOp(string(op))
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}
	_, err := ParseOp("forecast")
	assert.Error(t, err)
}
