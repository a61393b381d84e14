package analysis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"healthsurveil/ml"
	"healthsurveil/monitoring"
	"healthsurveil/riskmap"
)

// Anomaly fits an isolation forest on the series itself and labels each value
// 1 (inlier) or -1 (outlier).
func (r *Runner) Anomaly(ctx context.Context, req AnomalyRequest) (*AnomalyResponse, error) {
	rows, err := ml.Column(req.Data)
	if err != nil {
		return nil, classify("data", err)
	}
	forest := ml.NewIsolationForest(r.Config.Anomaly.NEstimators, r.Config.Anomaly.Contamination, r.Config.ML.Seed)
	labels, err := forest.FitPredict(ctx, rows)
	if err != nil {
		return nil, classify("data", err)
	}
	resp := &AnomalyResponse{Anomalies: labels}

	event := AnomalyEvent{}
	for i, label := range labels {
		if label == -1 {
			event.Indices = append(event.Indices, i)
			event.Values = append(event.Values, req.Data[i])
		}
	}
	if len(event.Indices) > 0 {
		r.logger().Info("anomalies detected", zap.Int("count", len(event.Indices)), zap.Int("samples", len(labels)))
		r.publish(monitoring.AnomalyMessage, event)
	}
	r.record(ctx, OpAnomaly, nil, req, resp)
	return resp, nil
}

func (r *Runner) outbreakVector(req PredictRequest) ([]float64, error) {
	in, err := req.input()
	if err != nil {
		return nil, err
	}
	vector, err := in.FeatureVector()
	return vector, classify("", err)
}

// Predict classifies the outbreak risk with the latest outbreak model.
func (r *Runner) Predict(ctx context.Context, req PredictRequest) (*PredictResponse, error) {
	vector, err := r.outbreakVector(req)
	if err != nil {
		return nil, err
	}
	artifact, model, err := r.latest(ctx, OutbreakModel)
	if err != nil {
		return nil, err
	}
	r.warnOutOfRange(artifact, vector)

	label, _, err := model.Predict(vector)
	if err != nil {
		return nil, classify("", err)
	}
	resp := &PredictResponse{OutbreakRisk: label}
	r.record(ctx, OpPredict, artifact, req, resp)
	return resp, nil
}

// Explain predicts like Predict and attributes the model margin to the three
// features with exact Shapley values over the stored background rows. Binary
// models explain the log-odds of the second class, multiclass models the raw
// score of the predicted class.
func (r *Runner) Explain(ctx context.Context, req PredictRequest) (*ExplainResponse, error) {
	vector, err := r.outbreakVector(req)
	if err != nil {
		return nil, err
	}
	artifact, model, err := r.latest(ctx, OutbreakModel)
	if err != nil {
		return nil, err
	}
	marginModel, ok := model.(ml.MarginModel)
	if !ok {
		return nil, fmt.Errorf("model type %s cannot be explained", model.Type())
	}
	probModel, ok := model.(ml.ProbabilisticModel)
	if !ok {
		return nil, fmt.Errorf("model type %s has no classes", model.Type())
	}
	r.warnOutOfRange(artifact, vector)

	label, _, err := model.Predict(vector)
	if err != nil {
		return nil, classify("", err)
	}
	classes := probModel.Classes()
	target := label
	if len(classes) == 2 {
		target = classes[1]
	}

	background := artifact.Background
	if len(background) == 0 {
		r.logger().Warn("model has no background sample, explaining against the input itself",
			zap.String("model", artifact.Name), zap.Int("version", artifact.Version))
		background = [][]float64{vector}
	}
	explainer, err := ml.NewExplainer(background)
	if err != nil {
		return nil, err
	}
	explanation, err := explainer.Explain(func(z []float64) (float64, error) {
		return marginModel.Margin(z, target)
	}, [][]float64{vector})
	if err != nil {
		return nil, err
	}

	resp := &ExplainResponse{Prediction: label, Explanation: explanation.Values}
	r.record(ctx, OpExplain, artifact, req, resp)
	return resp, nil
}

// Assess returns the probability of the second risk class.
func (r *Runner) Assess(ctx context.Context, req AssessRequest) (*AssessResponse, error) {
	in, err := req.input()
	if err != nil {
		return nil, err
	}
	vector, err := in.FeatureVector()
	if err != nil {
		return nil, classify("", err)
	}
	artifact, model, err := r.latest(ctx, RiskModel)
	if err != nil {
		return nil, err
	}
	probModel, ok := model.(ml.ProbabilisticModel)
	if !ok {
		return nil, fmt.Errorf("model type %s has no probabilities", model.Type())
	}
	r.warnOutOfRange(artifact, vector)

	proba, err := probModel.PredictProba(vector)
	if err != nil {
		return nil, classify("", err)
	}
	if len(proba) < 2 {
		return nil, fmt.Errorf("risk model has %d classes, need 2", len(proba))
	}
	resp := &AssessResponse{RiskScore: proba[1]}
	r.record(ctx, OpAssess, artifact, req, resp)
	return resp, nil
}

// RiskMap renders the points to the configured output file.
func (r *Runner) RiskMap(ctx context.Context, req RiskMapRequest) (*RiskMapResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := r.Config.RiskMap.Output
	opts := riskmap.Options{Width: r.Config.RiskMap.Width, Height: r.Config.RiskMap.Height}
	if err := riskmap.Render(req.SpatialData, path, opts); err != nil {
		if errors.Is(err, riskmap.ErrNoPoints) || errors.Is(err, riskmap.ErrNonFinite) {
			return nil, &InputError{Err: err}
		}
		return nil, err
	}
	r.logger().Info("risk map generated", zap.String("file", path), zap.Int("points", len(req.SpatialData)))
	return &RiskMapResponse{Message: "Risk map generated successfully", File: path}, nil
}
