package monitoring

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"healthsurveil/db"
)

// DashboardSource is implemented by *db.DB.
type DashboardSource interface {
	SweepSource
	RecentAlerts(ctx context.Context, location string, limit int) ([]db.Alert, error)
}

// ModelCatalog is implemented by *store.ModelStore.
type ModelCatalog interface {
	Names() ([]string, error)
	Versions(name string) ([]int, error)
}

// DashboardSummary is the dashboard payload.
type DashboardSummary struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	Window           string         `json:"window"`
	Reports          int            `json:"reports"`
	ReportThreshold  int            `json:"report_threshold"`
	WaterReadings    int            `json:"water_readings"`
	UnsafeReadings   int            `json:"unsafe_readings"`
	AveragePH        *float64       `json:"average_ph,omitempty"`
	AverageTurbidity *float64       `json:"average_turbidity,omitempty"`
	OpenAlerts       map[string]int `json:"open_alerts"`
	Models           map[string]int `json:"models"`
	AlertClients     int            `json:"alert_clients"`
}

// Dashboard summarises surveillance state over the sweep window.
type Dashboard struct {
	source DashboardSource
	models ModelCatalog
	hub    *AlertHub
	cfg    SweepConfig
	now    func() time.Time
}

// NewDashboard returns a dashboard; models and hub may be nil.
func NewDashboard(source DashboardSource, models ModelCatalog, hub *AlertHub, cfg SweepConfig) *Dashboard {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 50
	}
	return &Dashboard{source: source, models: models, hub: hub, cfg: cfg, now: time.Now}
}

// Summary builds the current dashboard.
func (d *Dashboard) Summary(ctx context.Context) (*DashboardSummary, error) {
	now := d.now()
	since := now.Add(-d.cfg.Window)

	reports, err := d.source.CountReportsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}
	readings, err := d.source.WaterReadingsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load water data: %w", err)
	}
	alerts, err := d.source.RecentAlerts(ctx, "", 1000)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	summary := &DashboardSummary{
		GeneratedAt:     now,
		Window:          d.cfg.Window.String(),
		Reports:         reports,
		ReportThreshold: d.cfg.ReportThreshold,
		WaterReadings:   len(readings),
		OpenAlerts:      map[string]int{"low": 0, "medium": 0, "high": 0},
		Models:          map[string]int{},
	}

	if len(readings) > 0 {
		ph := make([]float64, len(readings))
		turbidity := make([]float64, len(readings))
		for i, w := range readings {
			ph[i], turbidity[i] = w.PH, w.Turbidity
			if acidic, turbid := d.cfg.unsafe(w); acidic || turbid {
				summary.UnsafeReadings++
			}
		}
		meanPH, meanTurbidity := stat.Mean(ph, nil), stat.Mean(turbidity, nil)
		summary.AveragePH, summary.AverageTurbidity = &meanPH, &meanTurbidity
	}

	for _, alert := range alerts {
		if alert.Resolved || alert.Timestamp.Before(since) {
			continue
		}
		summary.OpenAlerts[alert.Severity]++
	}

	if d.models != nil {
		names, err := d.models.Names()
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		for _, name := range names {
			versions, err := d.models.Versions(name)
			if err != nil {
				continue
			}
			summary.Models[name] = versions[len(versions)-1]
		}
	}
	if d.hub != nil {
		summary.AlertClients = d.hub.ClientCount()
	}
	return summary, nil
}
