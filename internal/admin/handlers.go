package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/runstate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type agentHandler struct {
	agents AgentScheduler
	logger *logger.Logger
}

func (h *agentHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	h.agents.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (h *agentHandler) State(w http.ResponseWriter, r *http.Request) {
	state, err := h.agents.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to load agent state", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type jobHandler struct {
	jobs   *jobs.Service
	logger *logger.Logger
}

type createJobReq struct {
	ProjectID string     `json:"projectId"`
	Input     jobs.Input `json:"input"`
}

func (h *jobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId required")
		return
	}

	job, err := h.jobs.Create(r.Context(), req.ProjectID, req.Input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *jobHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.List(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		h.logger.Error("failed to list jobs", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (h *jobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.logger.Error("failed to fetch job", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type runHandler struct {
	runs    runlog.Repository
	resumer Resumer
	logger  *logger.Logger
}

func (h *runHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.runs.List(r.Context(), r.URL.Query().Get("cursor"))
	if err != nil {
		h.logger.Error("failed to list runs", err)
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *runHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Fetch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *runHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.runError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *runHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req runstate.ToolResult
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}

	runID := chi.URLParam(r, "id")
	if err := h.resumer.Resume(r.Context(), runID, req); err != nil {
		h.runError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID})
}

func (h *runHandler) runError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runlog.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runlog.ErrCorruptRun), errors.Is(err, runstate.ErrAgentNotFound):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, runstate.ErrNoPendingToolCall), errors.Is(err, runstate.ErrToolCallMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("run request failed", err)
		writeError(w, http.StatusInternalServerError, "server error")
	}
}
