package ml

import "fmt"

// OutbreakInput is the regional snapshot scored by the outbreak model.
type OutbreakInput struct {
	PopulationDensity  float64
	SanitationData     float64
	HistoricalPatterns []float64
}

// RiskInput is the climate and health snapshot scored by the risk model.
type RiskInput struct {
	Rainfall    float64
	Temperature float64
	HealthData  []float64
}

func OutbreakFeatureNames() []string {
	return []string{
		"populationDensity",
		"sanitationData",
		"historicalPatternsMean",
	}
}

func RiskFeatureNames() []string {
	return []string{
		"rainfall",
		"temperature",
		"healthDataMean",
	}
}

// FeatureVector flattens the series into its mean, giving a fixed width of three.
func (in OutbreakInput) FeatureVector() ([]float64, error) {
	mean, err := Mean(in.HistoricalPatterns)
	if err != nil {
		return nil, fmt.Errorf("historicalPatterns: %w", err)
	}
	vector := []float64{in.PopulationDensity, in.SanitationData, mean}
	if err := checkFinite(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

func (in RiskInput) FeatureVector() ([]float64, error) {
	mean, err := Mean(in.HealthData)
	if err != nil {
		return nil, fmt.Errorf("healthData: %w", err)
	}
	vector := []float64{in.Rainfall, in.Temperature, mean}
	if err := checkFinite(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// Column reshapes a series into one single-feature sample per value.
func Column(values []float64) ([][]float64, error) {
	if len(values) == 0 {
		return nil, ErrEmptyInput
	}
	if err := checkFinite(values); err != nil {
		return nil, err
	}
	rows := make([][]float64, len(values))
	for i, v := range values {
		rows[i] = []float64{v}
	}
	return rows, nil
}
