package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"healthsurveil/db"
)

const (
	AlertReportSurge = "report_surge"
	AlertUnsafeWater = "unsafe_water"
)

// SweepSource provides the data a sweep inspects.
type SweepSource interface {
	CountReportsSince(ctx context.Context, since time.Time) (int, error)
	WaterReadingsSince(ctx context.Context, since time.Time) ([]db.WaterReading, error)
}

// AlertSink stores alerts.
type AlertSink interface {
	SaveAlert(ctx context.Context, alert db.Alert) error
}

// SweepConfig holds the sweep thresholds.
type SweepConfig struct {
	Interval        time.Duration
	Window          time.Duration
	ReportThreshold int
	MinPH           float64
	MaxTurbidity    float64
}

// Sweeper checks recent reports and water readings on an interval.
type Sweeper struct {
	source    SweepSource
	sink      AlertSink
	publisher Publisher
	cfg       SweepConfig
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	seen      *lru.Cache[int64, struct{}]
	lastSurge time.Time
	callbacks []func(db.Alert)
}

// NewSweeper returns a sweeper; sink and publisher may be nil.
func NewSweeper(source SweepSource, sink AlertSink, publisher Publisher, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen, _ := lru.New[int64, struct{}](4096)
	return &Sweeper{
		source:    source,
		sink:      sink,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		seen:      seen,
	}
}

// AddCallback registers a function called for every new alert.
func (s *Sweeper) AddCallback(callback func(db.Alert)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("anomaly sweep started", zap.Duration("interval", s.cfg.Interval))
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("anomaly sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks the report count and water readings of the last window and returns the new alerts.
func (s *Sweeper) Sweep(ctx context.Context) ([]db.Alert, error) {
	now := s.now()
	since := now.Add(-s.cfg.Window)

	count, err := s.source.CountReportsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}
	readings, err := s.source.WaterReadingsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load water data: %w", err)
	}

	var alerts []db.Alert
	s.mu.Lock()
	if count > s.cfg.ReportThreshold && now.Sub(s.lastSurge) >= s.cfg.Window {
		s.lastSurge = now
		severity := "medium"
		if count > 2*s.cfg.ReportThreshold {
			severity = "high"
		}
		alerts = append(alerts, db.Alert{
			ID:        uuid.NewString(),
			Location:  "all",
			Type:      AlertReportSurge,
			Severity:  severity,
			Message:   fmt.Sprintf("High number of reports in the last %s: %d", s.cfg.Window, count),
			Value:     float64(count),
			Timestamp: now,
		})
	}
	for _, w := range readings {
		if w.ID != 0 && s.seen.Contains(w.ID) {
			continue
		}
		acidic, turbid := s.cfg.unsafe(w)
		if !acidic && !turbid {
			continue
		}
		if w.ID != 0 {
			s.seen.Add(w.ID, struct{}{})
		}
		alerts = append(alerts, waterAlert(w, acidic, turbid, now))
	}
	callbacks := append([]func(db.Alert){}, s.callbacks...)
	s.mu.Unlock()

	for _, alert := range alerts {
		s.logger.Info("anomaly detected",
			zap.String("type", alert.Type),
			zap.String("severity", alert.Severity),
			zap.String("location", alert.Location),
			zap.String("message", alert.Message))
		if s.sink != nil {
			if err := s.sink.SaveAlert(ctx, alert); err != nil {
				s.logger.Error("save alert failed", zap.String("id", alert.ID), zap.Error(err))
			}
		}
		if s.publisher != nil {
			if err := s.publisher.Publish(AlertMessage, alert); err != nil {
				s.logger.Error("publish alert failed", zap.String("id", alert.ID), zap.Error(err))
			}
		}
		for _, callback := range callbacks {
			callback(alert)
		}
	}
	return alerts, nil
}

func (c SweepConfig) unsafe(w db.WaterReading) (acidic, turbid bool) {
	return w.PH < c.MinPH, w.Turbidity > c.MaxTurbidity
}

func waterAlert(w db.WaterReading, acidic, turbid bool, now time.Time) db.Alert {
	severity := "medium"
	if acidic && turbid {
		severity = "high"
	}
	message := fmt.Sprintf("Unsafe water quality at %.4f, %.4f:", w.Lat, w.Lon)
	value := w.PH
	if acidic {
		message += fmt.Sprintf(" pH %.2f", w.PH)
	}
	if turbid {
		message += fmt.Sprintf(" turbidity %.2f", w.Turbidity)
		if !acidic {
			value = w.Turbidity
		}
	}
	location := fmt.Sprintf("%.4f,%.4f", w.Lat, w.Lon)
	if w.Source != "" {
		location = w.Source + " (" + location + ")"
	}
	return db.Alert{
		ID:        uuid.NewString(),
		Location:  location,
		Type:      AlertUnsafeWater,
		Severity:  severity,
		Message:   message,
		Value:     value,
		Timestamp: now,
	}
}
