// Package pipeline validates and normalises water-quality readings.
package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"healthsurveil/db"
)

// CleaningRule fixes up a reading in place or returns an error to reject it.
type CleaningRule interface {
	Apply(*db.WaterReading) (*db.WaterReading, error)
	Name() string
}

// QualityIssue describes a rejected reading.
type QualityIssue struct {
	Rule      string    `json:"rule"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (q QualityIssue) Error() string {
	return q.Rule + ": " + q.Message
}

// CleaningStats counts cleaned readings.
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// DataCleaner runs readings through its rules in order.
type DataCleaner struct {
	rules []CleaningRule

	mu    sync.Mutex
	stats CleaningStats
}

// NewDataCleaner returns a cleaner with the default rules.
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{stats: CleaningStats{Issues: make(map[string]int64)}}
	cleaner.AddRule(SourceRule{})
	cleaner.AddRule(NewRangeValidationRule())
	cleaner.AddRule(ContaminantRule{})
	cleaner.AddRule(NewTimestampValidationRule())
	cleaner.AddRule(NewDuplicateDetectionRule(4096))
	return cleaner
}

// AddRule appends a rule.
func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean returns the passing readings and one issue per rejected reading. A reading stops at its first failing rule.
func (dc *DataCleaner) Clean(readings []*db.WaterReading) ([]*db.WaterReading, []QualityIssue) {
	var cleaned []*db.WaterReading
	var issues []QualityIssue

	dc.mu.Lock()
	defer dc.mu.Unlock()

	for _, reading := range readings {
		dc.stats.TotalProcessed++
		original := *reading
		original.Contaminants = append([]string(nil), reading.Contaminants...)

		point := reading
		var issue *QualityIssue
		for _, rule := range dc.rules {
			next, err := rule.Apply(point)
			if err != nil {
				issue = &QualityIssue{
					Rule:      rule.Name(),
					Source:    reading.Source,
					Message:   err.Error(),
					Timestamp: time.Now(),
				}
				break
			}
			if next != nil {
				point = next
			}
		}

		if issue != nil {
			dc.stats.Rejected++
			dc.stats.Issues[issue.Rule]++
			issues = append(issues, *issue)
			continue
		}
		if !isEqual(&original, point) {
			dc.stats.Corrected++
		}
		dc.stats.Passed++
		cleaned = append(cleaned, point)
	}
	dc.stats.LastClean = time.Now()
	return cleaned, issues
}

func isEqual(a, b *db.WaterReading) bool {
	if len(a.Contaminants) != len(b.Contaminants) {
		return false
	}
	for i := range a.Contaminants {
		if a.Contaminants[i] != b.Contaminants[i] {
			return false
		}
	}
	return a.Source == b.Source &&
		a.Lat == b.Lat &&
		a.Lon == b.Lon &&
		a.PH == b.PH &&
		a.Turbidity == b.Turbidity &&
		a.Timestamp.Equal(b.Timestamp)
}

// GetStats returns a snapshot of the counters.
func (dc *DataCleaner) GetStats() CleaningStats {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// SourceRule trims the source name and rejects an empty one.
type SourceRule struct{}

func (SourceRule) Name() string { return "source_validation" }

func (SourceRule) Apply(w *db.WaterReading) (*db.WaterReading, error) {
	source := strings.TrimSpace(w.Source)
	if source == "" {
		return nil, fmt.Errorf("source is required")
	}
	w.Source = source
	return w, nil
}

// RangeValidationRule rejects non-finite or out-of-range values.
type RangeValidationRule struct {
	MinPH, MaxPH  float64
	MaxTurbidity  float64
	CheckLocation bool
}

func NewRangeValidationRule() *RangeValidationRule {
	return &RangeValidationRule{MinPH: 0, MaxPH: 14, MaxTurbidity: 4000, CheckLocation: true}
}

func (r *RangeValidationRule) Name() string {
	return "range_validation"
}

func (r *RangeValidationRule) Apply(w *db.WaterReading) (*db.WaterReading, error) {
	fields := []struct {
		name  string
		value float64
	}{{"lat", w.Lat}, {"lon", w.Lon}, {"pH", w.PH}, {"turbidity", w.Turbidity}}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return nil, fmt.Errorf("%s is not a finite number", f.name)
		}
	}
	if w.PH < r.MinPH || w.PH > r.MaxPH {
		return nil, fmt.Errorf("pH %.2f outside [%g, %g]", w.PH, r.MinPH, r.MaxPH)
	}
	if w.Turbidity < 0 || w.Turbidity > r.MaxTurbidity {
		return nil, fmt.Errorf("turbidity %.2f outside [0, %g]", w.Turbidity, r.MaxTurbidity)
	}
	if r.CheckLocation && (w.Lat < -90 || w.Lat > 90 || w.Lon < -180 || w.Lon > 180) {
		return nil, fmt.Errorf("coordinates %.4f,%.4f out of range", w.Lat, w.Lon)
	}
	return w, nil
}

// ContaminantRule lower-cases contaminant names and drops empty and duplicate entries.
type ContaminantRule struct{}

func (ContaminantRule) Name() string { return "contaminant_normalization" }

func (ContaminantRule) Apply(w *db.WaterReading) (*db.WaterReading, error) {
	seen := make(map[string]struct{}, len(w.Contaminants))
	names := make([]string, 0, len(w.Contaminants))
	for _, name := range w.Contaminants {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if strings.Contains(name, ";") {
			return nil, fmt.Errorf("contaminant %q contains ';'", name)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	w.Contaminants = names
	return w, nil
}

// TimestampValidationRule defaults a zero timestamp to now and rejects implausible ones.
type TimestampValidationRule struct {
	MaxFuture time.Duration
	MaxAge    time.Duration
	now       func() time.Time
}

func NewTimestampValidationRule() *TimestampValidationRule {
	return &TimestampValidationRule{
		MaxFuture: 5 * time.Minute, // clock skew
		MaxAge:    365 * 24 * time.Hour,
		now:       time.Now,
	}
}

func (r *TimestampValidationRule) Name() string {
	return "timestamp_validation"
}

func (r *TimestampValidationRule) Apply(w *db.WaterReading) (*db.WaterReading, error) {
	now := r.now()
	if w.Timestamp.IsZero() {
		w.Timestamp = now
		return w, nil
	}
	if w.Timestamp.After(now.Add(r.MaxFuture)) {
		return nil, fmt.Errorf("timestamp %s is too far in the future", w.Timestamp.Format(time.RFC3339))
	}
	if r.MaxAge > 0 && w.Timestamp.Before(now.Add(-r.MaxAge)) {
		return nil, fmt.Errorf("timestamp %s is older than %s", w.Timestamp.Format(time.RFC3339), r.MaxAge)
	}
	return w, nil
}

// DuplicateDetectionRule rejects a second reading with the same source and timestamp.
type DuplicateDetectionRule struct {
	seen *lru.Cache[string, struct{}]
}

func NewDuplicateDetectionRule(size int) *DuplicateDetectionRule {
	seen, _ := lru.New[string, struct{}](size)
	return &DuplicateDetectionRule{seen: seen}
}

func (r *DuplicateDetectionRule) Name() string {
	return "duplicate_detection"
}

func (r *DuplicateDetectionRule) Apply(w *db.WaterReading) (*db.WaterReading, error) {
	key := fmt.Sprintf("%s_%d", w.Source, w.Timestamp.UnixNano())
	if ok, _ := r.seen.ContainsOrAdd(key, struct{}{}); ok {
		return nil, fmt.Errorf("duplicate reading: %s at %s", w.Source, w.Timestamp.Format(time.RFC3339))
	}
	return w, nil
}
