package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

type TrainingSample struct {
	Features []float64 `json:"features"`
	Label    int       `json:"label"`
}

type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	TestSize  int     `json:"test_size"`
}

func BuildTrainingSet(samples []TrainingSample) (features [][]float64, labels []int, err error) {
	if len(samples) == 0 {
		return nil, nil, fmt.Errorf("training data: %w", ErrEmptyInput)
	}
	features = make([][]float64, len(samples))
	labels = make([]int, len(samples))
	for i, sample := range samples {
		features[i] = sample.Features
		labels[i] = sample.Label
	}
	if _, err := checkMatrix(features); err != nil {
		return nil, nil, fmt.Errorf("training data: %w", err)
	}
	return features, labels, nil
}

// SplitDataset shuffles with rnd and holds out testRatio of the rows.
func SplitDataset(features [][]float64, labels []int, testRatio float64, rnd *rand.Rand) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	indices := rnd.Perm(len(features))

	split := int(math.Round(float64(len(features)) * (1 - testRatio)))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}

// Evaluate reports accuracy and precision/recall macro-averaged over the
// classes that appear in testY or in the predictions.
func Evaluate(model MLModel, testX [][]float64, testY []int) (Metrics, error) {
	if len(testX) == 0 {
		return Metrics{}, nil
	}
	if len(testX) != len(testY) {
		return Metrics{}, errors.New("features and labels size mismatch")
	}

	var correct int
	truePositive := make(map[int]int)
	predicted := make(map[int]int)
	actual := make(map[int]int)
	for i, feature := range testX {
		label, _, err := model.Predict(feature)
		if err != nil {
			return Metrics{}, err
		}
		predicted[label]++
		actual[testY[i]]++
		if label == testY[i] {
			correct++
			truePositive[label]++
		}
	}

	classes := make(map[int]struct{})
	for c := range predicted {
		classes[c] = struct{}{}
	}
	for c := range actual {
		classes[c] = struct{}{}
	}
	var precision, recall float64
	for c := range classes {
		if predicted[c] > 0 {
			precision += float64(truePositive[c]) / float64(predicted[c])
		}
		if actual[c] > 0 {
			recall += float64(truePositive[c]) / float64(actual[c])
		}
	}
	return Metrics{
		Accuracy:  float64(correct) / float64(len(testX)),
		Precision: precision / float64(len(classes)),
		Recall:    recall / float64(len(classes)),
		TestSize:  len(testX),
	}, nil
}

// SampleBackground draws at most size rows without replacement.
func SampleBackground(features [][]float64, size int, rnd *rand.Rand) [][]float64 {
	if size <= 0 || size >= len(features) {
		return append([][]float64(nil), features...)
	}
	background := make([][]float64, 0, size)
	for _, idx := range rnd.Perm(len(features))[:size] {
		background = append(background, features[idx])
	}
	return background
}
