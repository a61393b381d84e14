package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"healthsurveil/analysis"
	"healthsurveil/db"
	"healthsurveil/monitoring"
	"healthsurveil/pipeline"
	"healthsurveil/store"
)

// Handlers groups the API dependencies. Everything except Runner and Models may be nil.
type Handlers struct {
	Runner    *analysis.Runner
	Models    *store.ModelStore
	DB        *db.DB
	Hub       *monitoring.AlertHub
	Metrics   *monitoring.Metrics
	Dashboard *monitoring.Dashboard
	Cleaner   *pipeline.DataCleaner
	Logger    *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register installs every route on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Cleaner == nil {
		h.Cleaner = pipeline.NewDataCleaner()
	}
	mux.HandleFunc("GET /api/health", h.handleHealth)

	mux.HandleFunc("POST /api/anomalies", h.handleAnomalies)
	mux.HandleFunc("POST /api/predict", h.handlePredict)
	mux.HandleFunc("POST /api/predict/explain", h.handleExplain)
	mux.HandleFunc("POST /api/retrain", h.handleRetrain)
	mux.HandleFunc("POST /api/risk-assessment", h.handleRiskAssessment)
	mux.HandleFunc("POST /api/risk-map", h.handleRiskMap)

	mux.HandleFunc("GET /api/models/{name}", h.handleModelVersions)
	mux.HandleFunc("GET /api/training-log", h.handleTrainingLog)

	mux.HandleFunc("POST /api/water-data", h.handleWaterData)
	mux.HandleFunc("POST /api/water-data/batch", h.handleWaterDataBatch)
	mux.HandleFunc("POST /api/reports", h.handleReports)
	mux.HandleFunc("GET /api/alerts", h.handleAlerts)
	mux.HandleFunc("GET /api/dashboard", h.handleDashboard)
	if h.Hub != nil {
		mux.HandleFunc("GET /api/ws/alerts", h.Hub.HandleWebSocket)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps input errors to 400 and everything else to 500.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var maxBytes *http.MaxBytesError
	switch {
	case analysis.IsInputError(err):
		status = http.StatusBadRequest
	case errors.As(err, &maxBytes):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return &analysis.InputError{Err: errors.New("invalid JSON body: " + err.Error())}
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	if s := r.URL.Query().Get(key); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.DB != nil {
		resp["database"] = "ok"
		if err := h.DB.Ping(r.Context()); err != nil {
			resp["database"] = "unavailable"
		}
	}
	if h.Hub != nil {
		resp["alert_clients"] = h.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
