package ml

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// ReadTrainingCSV reads rows of numeric features with an integer "label"
// column. The header row is required. charset names any WHATWG encoding
// ("gbk", "windows-1252", ...); empty means UTF-8.
func ReadTrainingCSV(r io.Reader, charset string) ([]TrainingSample, []string, error) {
	if charset != "" && !strings.EqualFold(charset, "utf-8") && !strings.EqualFold(charset, "utf8") {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, nil, fmt.Errorf("unknown charset %q: %w", charset, err)
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, ErrEmptyInput
		}
		return nil, nil, err
	}

	labelCol := -1
	names := make([]string, 0, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if strings.EqualFold(name, "label") {
			labelCol = i
			continue
		}
		names = append(names, name)
	}
	if labelCol < 0 {
		return nil, nil, errors.New(`csv header has no "label" column`)
	}

	var samples []TrainingSample
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, err
		}
		sample := TrainingSample{Features: make([]float64, 0, len(record)-1)}
		for i, field := range record {
			field = strings.TrimSpace(field)
			if i == labelCol {
				label, err := strconv.Atoi(field)
				if err != nil {
					return nil, nil, fmt.Errorf("line %d: label %q: %w", line, field, err)
				}
				sample.Label = label
				continue
			}
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: column %q: %w", line, header[i], err)
			}
			sample.Features = append(sample.Features, value)
		}
		samples = append(samples, sample)
	}
	if len(samples) == 0 {
		return nil, nil, ErrEmptyInput
	}
	return samples, names, nil
}
