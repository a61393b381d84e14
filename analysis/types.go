package analysis

import (
	"fmt"

	"healthsurveil/ml"
	"healthsurveil/riskmap"
)

type Op string

const (
	OpAnomaly Op = "anomaly"
	OpPredict Op = "predict"
	OpExplain Op = "explain"
	OpRetrain Op = "retrain"
	OpAssess  Op = "assess"
	OpRiskMap Op = "riskmap"
)

func Ops() []Op {
	return []Op{OpAnomaly, OpPredict, OpExplain, OpRetrain, OpAssess, OpRiskMap}
}

func ParseOp(name string) (Op, error) {
	for _, op := range Ops() {
		if string(op) == name {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", name)
}

const (
	OutbreakModel = "outbreak"
	RiskModel     = "risk"
)

type AnomalyRequest struct {
	Data []float64 `json:"data"`
}

type AnomalyResponse struct {
	Anomalies []int `json:"anomalies"`
}

type PredictRequest struct {
	PopulationDensity  *float64  `json:"populationDensity"`
	SanitationData     *float64  `json:"sanitationData"`
	HistoricalPatterns []float64 `json:"historicalPatterns"`
}

func (r PredictRequest) input() (ml.OutbreakInput, error) {
	if r.PopulationDensity == nil {
		return ml.OutbreakInput{}, invalid("missing field populationDensity")
	}
	if r.SanitationData == nil {
		return ml.OutbreakInput{}, invalid("missing field sanitationData")
	}
	if r.HistoricalPatterns == nil {
		return ml.OutbreakInput{}, invalid("missing field historicalPatterns")
	}
	return ml.OutbreakInput{
		PopulationDensity:  *r.PopulationDensity,
		SanitationData:     *r.SanitationData,
		HistoricalPatterns: r.HistoricalPatterns,
	}, nil
}

type PredictResponse struct {
	OutbreakRisk int `json:"outbreakRisk"`
}

type ExplainResponse struct {
	Prediction  int         `json:"prediction"`
	Explanation [][]float64 `json:"explanation"`
}

type RetrainRequest struct {
	TrainingData []ml.TrainingSample `json:"trainingData"`
	Model        string              `json:"model,omitempty"`
}

type RetrainResponse struct {
	Message    string      `json:"message"`
	Model      string      `json:"model"`
	Version    int         `json:"version"`
	Type       string      `json:"type"`
	DataPoints int         `json:"dataPoints"`
	Metrics    *ml.Metrics `json:"metrics,omitempty"`
}

type AssessRequest struct {
	Rainfall    *float64  `json:"rainfall"`
	Temperature *float64  `json:"temperature"`
	HealthData  []float64 `json:"healthData"`
}

func (r AssessRequest) input() (ml.RiskInput, error) {
	if r.Rainfall == nil {
		return ml.RiskInput{}, invalid("missing field rainfall")
	}
	if r.Temperature == nil {
		return ml.RiskInput{}, invalid("missing field temperature")
	}
	if r.HealthData == nil {
		return ml.RiskInput{}, invalid("missing field healthData")
	}
	return ml.RiskInput{Rainfall: *r.Rainfall, Temperature: *r.Temperature, HealthData: r.HealthData}, nil
}

type AssessResponse struct {
	RiskScore float64 `json:"riskScore"`
}

type RiskMapRequest struct {
	SpatialData []riskmap.Point `json:"spatialData"`
}

type RiskMapResponse struct {
	Message string `json:"message"`
	File    string `json:"file"`
}

// AnomalyEvent is published when a request contains outliers.
type AnomalyEvent struct {
	Values  []float64 `json:"values"`
	Indices []int     `json:"indices"`
}
