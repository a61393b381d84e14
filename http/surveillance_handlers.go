package http

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"healthsurveil/analysis"
	"healthsurveil/db"
	"healthsurveil/pipeline"
)

func invalid(msg string) error {
	return &analysis.InputError{Err: errors.New(msg)}
}

func (h *Handlers) requireDB(w http.ResponseWriter) bool {
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database not configured"})
		return false
	}
	return true
}

// handleWaterData stores one water-quality reading.
func (h *Handlers) handleWaterData(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var reading db.WaterReading
	if err := decodeBody(r, &reading); err != nil {
		h.writeError(w, r, err)
		return
	}
	reading.ID = 0
	cleaned, issues := h.Cleaner.Clean([]*db.WaterReading{&reading})
	if len(issues) > 0 {
		h.writeError(w, r, &analysis.InputError{Err: issues[0]})
		return
	}
	if err := h.DB.SaveWaterReading(r.Context(), cleaned[0]); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Debug("water reading stored", zap.Int64("id", cleaned[0].ID), zap.String("source", cleaned[0].Source))
	writeJSON(w, http.StatusCreated, cleaned[0])
}

type batchResponse struct {
	Accepted int                     `json:"accepted"`
	Rejected []pipeline.QualityIssue `json:"rejected"`
}

// handleWaterDataBatch stores the accepted readings and returns the rejected ones.
func (h *Handlers) handleWaterDataBatch(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var readings []*db.WaterReading
	if err := decodeBody(r, &readings); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(readings) == 0 {
		h.writeError(w, r, invalid("no readings"))
		return
	}
	for _, reading := range readings {
		if reading == nil {
			h.writeError(w, r, invalid("null reading"))
			return
		}
		reading.ID = 0
	}
	cleaned, issues := h.Cleaner.Clean(readings)
	for _, reading := range cleaned {
		if err := h.DB.SaveWaterReading(r.Context(), reading); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	status := http.StatusCreated
	if len(cleaned) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, batchResponse{Accepted: len(cleaned), Rejected: append([]pipeline.QualityIssue{}, issues...)})
}

// handleReports stores a community symptom report.
func (h *Handlers) handleReports(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	var report db.Report
	if err := decodeBody(r, &report); err != nil {
		h.writeError(w, r, err)
		return
	}
	switch {
	case strings.TrimSpace(report.Location) == "":
		h.writeError(w, r, invalid("location is required"))
		return
	case len(report.Symptoms) == 0:
		h.writeError(w, r, invalid("symptoms are required"))
		return
	}
	switch report.Severity {
	case "low", "medium", "high":
	default:
		h.writeError(w, r, invalid(`severity must be one of "low", "medium", "high"`))
		return
	}
	report.ID = 0
	if err := h.DB.SaveReport(r.Context(), &report); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

// handleAlerts lists alerts, optionally filtered by location.
func (h *Handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if !h.requireDB(w) {
		return
	}
	alerts, err := h.DB.RecentAlerts(r.Context(), r.URL.Query().Get("location"), queryInt(r, "limit", 100))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleDashboard returns the surveillance summary.
func (h *Handlers) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if h.Dashboard == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "dashboard not configured"})
		return
	}
	summary, err := h.Dashboard.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
