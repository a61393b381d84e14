package analysis

import (
	"context"
	"errors"
	"math/rand"

	"go.uber.org/zap"

	"healthsurveil/ml"
	"healthsurveil/monitoring"
)

func (r *Runner) modelSpec(name string) (string, []string, error) {
	switch name {
	case OutbreakModel:
		return r.Config.ML.OutbreakModel, ml.OutbreakFeatureNames(), nil
	case RiskModel:
		return ml.TypeGaussianNB, ml.RiskFeatureNames(), nil
	default:
		return "", nil, invalid("unknown model %q, want %q or %q", name, OutbreakModel, RiskModel)
	}
}

func (r *Runner) modelOptions() ml.ModelOptions {
	return ml.ModelOptions{
		NEstimators:  r.Config.ML.NEstimators,
		LearningRate: r.Config.ML.LearningRate,
		MaxDepth:     r.Config.ML.MaxTreeDepth,
	}
}

// Retrain fits the named model on all samples and saves it as a new version.
// When enough samples are present a held-out split is scored first and the
// metrics are stored with the version.
func (r *Runner) Retrain(ctx context.Context, req RetrainRequest) (*RetrainResponse, error) {
	name := req.Model
	if name == "" {
		name = OutbreakModel
	}
	modelType, featureNames, err := r.modelSpec(name)
	if err != nil {
		return nil, err
	}
	features, labels, err := ml.BuildTrainingSet(req.TrainingData)
	if err != nil {
		return nil, classify("trainingData", err)
	}
	if width := len(features[0]); width != len(featureNames) {
		return nil, invalid("trainingData: %s model expects %d features per sample, got %d", name, len(featureNames), width)
	}

	rnd := r.rand()
	metrics, err := r.evaluate(modelType, features, labels, rnd)
	if err != nil {
		return nil, err
	}

	model, err := ml.NewModel(modelType, r.modelOptions())
	if err != nil {
		return nil, err
	}
	if err := model.Train(features, labels); err != nil {
		return nil, classify("trainingData", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifact, err := ml.NewArtifact(name, model, featureNames)
	if err != nil {
		return nil, err
	}
	artifact.DataPoints = len(features)
	artifact.Metrics = metrics
	pre := ml.NewDataPreprocessor(featureNames, nil)
	if err := pre.ComputeStats(features); err != nil {
		return nil, err
	}
	artifact.FeatureStats = pre.FeatureStats()
	artifact.Background = ml.SampleBackground(features, r.Config.ML.BackgroundSize, rnd)

	if err := r.Models.Save(ctx, artifact); err != nil {
		return nil, err
	}

	resp := &RetrainResponse{
		Message:    "Model retrained successfully",
		Model:      name,
		Version:    artifact.Version,
		Type:       modelType,
		DataPoints: artifact.DataPoints,
		Metrics:    metrics,
	}
	fields := []zap.Field{
		zap.String("model", name),
		zap.Int("version", artifact.Version),
		zap.String("type", modelType),
		zap.Int("data_points", artifact.DataPoints),
	}
	if metrics != nil {
		fields = append(fields, zap.Float64("accuracy", metrics.Accuracy))
	}
	r.logger().Info("model retrained", fields...)
	r.publish(monitoring.ModelMessage, resp)
	return resp, nil
}

// evaluate scores a throwaway model on a held-out split. It returns nil
// metrics when the data is too small to split meaningfully.
func (r *Runner) evaluate(modelType string, features [][]float64, labels []int, rnd *rand.Rand) (*ml.Metrics, error) {
	if r.Config.ML.TestRatio <= 0 || len(features) < 5 {
		return nil, nil
	}
	trainX, trainY, testX, testY := ml.SplitDataset(features, labels, r.Config.ML.TestRatio, rnd)
	if len(testX) == 0 || len(trainX) == 0 {
		return nil, nil
	}
	model, err := ml.NewModel(modelType, r.modelOptions())
	if err != nil {
		return nil, err
	}
	if err := model.Train(trainX, trainY); err != nil {
		if errors.Is(err, ml.ErrSingleClass) {
			return nil, nil
		}
		return nil, err
	}
	metrics, err := ml.Evaluate(model, testX, testY)
	if err != nil {
		return nil, err
	}
	return &metrics, nil
}
