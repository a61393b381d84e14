package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbreakFeatureVector(t *testing.T) {
	in := OutbreakInput{PopulationDensity: 1500, SanitationData: 0.35, HistoricalPatterns: []float64{4, 8, 12}}
	vector, err := in.FeatureVector()
	require.NoError(t, err)
	assert.Equal(t, []float64{1500, 0.35, 8}, vector)

	_, err = OutbreakInput{PopulationDensity: 1}.FeatureVector()
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = OutbreakInput{PopulationDensity: math.Inf(1), HistoricalPatterns: []float64{1}}.FeatureVector()
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestRiskFeatureVector(t *testing.T) {
	vector, err := RiskInput{Rainfall: 120, Temperature: 31, HealthData: []float64{1, 2}}.FeatureVector()
	require.NoError(t, err)
	assert.Equal(t, []float64{120, 31, 1.5}, vector)
	assert.Len(t, RiskFeatureNames(), len(vector))

	_, err = RiskInput{HealthData: []float64{math.NaN()}}.FeatureVector()
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestColumn(t *testing.T) {
	rows, err := Column([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {2}, {3}}, rows)

	_, err = Column(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNormalizeFeature(t *testing.T) {
	assert.Equal(t, 0.5, NormalizeFeature(15, 10, 20))
	assert.Equal(t, 0.0, NormalizeFeature(5, 5, 5))

	_, err := NormalizeVector([]float64{1}, []float64{0, 0}, []float64{1})
	assert.Error(t, err)
}
