// Package analysis implements the surveillance model operations: anomaly
// detection, outbreak prediction and explanation, retraining, risk assessment
// and risk maps.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"healthsurveil/config"
	"healthsurveil/db"
	"healthsurveil/ml"
	"healthsurveil/monitoring"
	"healthsurveil/store"
)

// PredictionLog stores served results; *db.DB implements it.
type PredictionLog interface {
	SavePrediction(ctx context.Context, p db.Prediction) error
}

// Runner executes operations against the model store. Log and Publisher are
// optional.
type Runner struct {
	Config    *config.Config
	Models    *store.ModelStore
	Log       PredictionLog
	Publisher monitoring.Publisher
	Logger    *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) rand() *rand.Rand {
	seed := r.Config.ML.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Run decodes the request for op from in, executes it and writes the JSON
// response to out.
func (r *Runner) Run(ctx context.Context, op Op, in io.Reader, out io.Writer) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	var resp any
	switch op {
	case OpAnomaly:
		var req AnomalyRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.Anomaly(ctx, req)
		}
	case OpPredict:
		var req PredictRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.Predict(ctx, req)
		}
	case OpExplain:
		var req PredictRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.Explain(ctx, req)
		}
	case OpRetrain:
		var req RetrainRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.Retrain(ctx, req)
		}
	case OpAssess:
		var req AssessRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.Assess(ctx, req)
		}
	case OpRiskMap:
		var req RiskMapRequest
		if err = decode(payload, &req); err == nil {
			resp, err = r.RiskMap(ctx, req)
		}
	default:
		return fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(resp)
}

func decode(payload []byte, v any) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return invalid("empty input")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return invalid("invalid JSON input: %v", err)
	}
	return nil
}

// latest loads the newest version of name together with its decoded model.
func (r *Runner) latest(ctx context.Context, name string) (*ml.Artifact, ml.MLModel, error) {
	artifact, err := r.Models.Latest(ctx, name)
	if errors.Is(err, store.ErrModelNotFound) {
		return nil, nil, &NotTrainedError{Model: name}
	}
	if err != nil {
		return nil, nil, err
	}
	model, err := artifact.Model()
	if err != nil {
		return nil, nil, err
	}
	return artifact, model, nil
}

// warnOutOfRange logs the features of vector outside the training range
// together with the min-max position of every feature (0 and 1 are the
// training bounds).
func (r *Runner) warnOutOfRange(artifact *ml.Artifact, vector []float64) {
	p := artifact.Preprocessor()
	names := p.OutOfRange(vector)
	if len(names) == 0 {
		return
	}
	fields := []zap.Field{
		zap.String("model", artifact.Name),
		zap.Int("version", artifact.Version),
		zap.Strings("features", names),
	}
	if positions, err := p.Normalize([][]float64{vector}); err == nil {
		fields = append(fields, zap.Float64s("positions", positions[0]))
	}
	r.logger().Warn("features outside training range", fields...)
}

func (r *Runner) record(ctx context.Context, op Op, artifact *ml.Artifact, req, resp any) {
	if r.Log == nil {
		return
	}
	input, err := json.Marshal(req)
	if err != nil {
		return
	}
	output, err := json.Marshal(resp)
	if err != nil {
		return
	}
	p := db.Prediction{
		ID:        uuid.NewString(),
		Operation: string(op),
		Input:     string(input),
		Output:    string(output),
		Timestamp: time.Now(),
	}
	if artifact != nil {
		p.Model = artifact.Name
		p.Version = artifact.Version
	}
	if err := r.Log.SavePrediction(ctx, p); err != nil {
		r.logger().Warn("save prediction failed", zap.String("operation", string(op)), zap.Error(err))
	}
}

func (r *Runner) publish(kind monitoring.MessageType, data any) {
	if r.Publisher == nil {
		return
	}
	if err := r.Publisher.Publish(kind, data); err != nil {
		r.logger().Warn("publish failed", zap.String("type", string(kind)), zap.Error(err))
	}
}
