package ml

import (
	"encoding/json"
	"fmt"
)

// LoadModel decodes a persisted model payload of the given type.
func LoadModel(modelType string, payload []byte) (MLModel, error) {
	var model MLModel
	switch modelType {
	case TypeGradientBoosting:
		model = &GradientBoosting{}
	case TypeDecisionTree:
		model = &DecisionTree{}
	case TypeGaussianNB:
		model = &GaussianNB{}
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
	if err := json.Unmarshal(payload, model); err != nil {
		return nil, fmt.Errorf("decode %s: %w", modelType, err)
	}
	return model, nil
}

type ModelOptions struct {
	NEstimators  int
	LearningRate float64
	MaxDepth     int
}

// NewModel returns an untrained model of the given type.
func NewModel(modelType string, opts ModelOptions) (MLModel, error) {
	switch modelType {
	case TypeGradientBoosting:
		return NewGradientBoosting(opts.NEstimators, opts.LearningRate, opts.MaxDepth), nil
	case TypeDecisionTree:
		return NewDecisionTree(opts.MaxDepth), nil
	case TypeGaussianNB:
		return NewGaussianNB(), nil
	default:
		return nil, fmt.Errorf("unsupported model type %q", modelType)
	}
}
