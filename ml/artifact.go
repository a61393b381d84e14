package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Artifact is the on-disk envelope of one trained model version.
type Artifact struct {
	Name         string          `json:"name"`
	Version      int             `json:"version"`
	Type         string          `json:"type"`
	FeatureNames []string        `json:"feature_names"`
	CreatedAt    time.Time       `json:"created_at"`
	DataPoints   int             `json:"data_points"`
	Metrics      *Metrics        `json:"metrics,omitempty"`
	FeatureStats [][2]float64    `json:"feature_stats,omitempty"`
	Background   [][]float64     `json:"background,omitempty"`
	Payload      json.RawMessage `json:"model"`

	once  sync.Once
	model MLModel
	err   error
}

func NewArtifact(name string, model MLModel, featureNames []string) (*Artifact, error) {
	payload, err := json.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", model.Type(), err)
	}
	a := &Artifact{
		Name:         name,
		Type:         model.Type(),
		FeatureNames: featureNames,
		CreatedAt:    time.Now().UTC(),
		Payload:      payload,
		model:        model,
	}
	a.once.Do(func() {})
	return a, nil
}

// Model decodes the payload once and returns the same instance afterwards.
func (a *Artifact) Model() (MLModel, error) {
	a.once.Do(func() {
		a.model, a.err = LoadModel(a.Type, a.Payload)
	})
	return a.model, a.err
}

func (a *Artifact) Preprocessor() *DataPreprocessor {
	return NewDataPreprocessor(a.FeatureNames, a.FeatureStats)
}

// Save writes the artifact to a temporary file and hard-links it into place:
// readers never observe a partial file and an existing version is never
// replaced (the error then matches fs.ErrExist).
func (a *Artifact) Save(path string) error {
	if len(a.Payload) == 0 {
		return ErrNotTrained
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}

func LoadArtifact(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if a.Type == "" || len(a.Payload) == 0 {
		return nil, errors.New("artifact has no model")
	}
	return &a, nil
}
