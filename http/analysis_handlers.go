package http

import (
	"errors"
	"net/http"

	"healthsurveil/analysis"
	"healthsurveil/store"
)

func (h *Handlers) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	var req analysis.AnomalyRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.Anomaly(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req analysis.PredictRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.Predict(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleExplain(w http.ResponseWriter, r *http.Request) {
	var req analysis.PredictRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.Explain(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleRetrain(w http.ResponseWriter, r *http.Request) {
	var req analysis.RetrainRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.Retrain(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleRiskAssessment(w http.ResponseWriter, r *http.Request) {
	var req analysis.AssessRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.Assess(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleRiskMap(w http.ResponseWriter, r *http.Request) {
	var req analysis.RiskMapRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.Runner.RiskMap(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelVersion struct {
	Version    int      `json:"version"`
	Type       string   `json:"type"`
	DataPoints int      `json:"data_points"`
	Accuracy   *float64 `json:"accuracy,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// handleModelVersions lists every version of a model, newest first.
func (h *Handlers) handleModelVersions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	versions, err := h.Models.Versions(name)
	if errors.Is(err, store.ErrModelNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	list := make([]modelVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		artifact, err := h.Models.Load(r.Context(), name, versions[i])
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		v := modelVersion{
			Version:    artifact.Version,
			Type:       artifact.Type,
			DataPoints: artifact.DataPoints,
			CreatedAt:  artifact.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if artifact.Metrics != nil {
			accuracy := artifact.Metrics.Accuracy
			v.Accuracy = &accuracy
		}
		list = append(list, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "versions": list})
}

func (h *Handlers) handleTrainingLog(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database not configured"})
		return
	}
	logs, err := h.DB.LoadTrainingLog(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
