package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
	"github.com/forgeui-labs/forgeui-go/internal/pipeline"
	"github.com/forgeui-labs/forgeui-go/internal/platform/auth"
	"github.com/forgeui-labs/forgeui-go/internal/platform/httpserver"
	"github.com/forgeui-labs/forgeui-go/internal/repo"
)

type api struct {
	logger     *slog.Logger
	service    *pipeline.Service
	events     repo.ProgressEventAppender
	authSecret string
	maxSkew    time.Duration
}

func (a *api) routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(a.requireSignature)
		r.Post("/jobs", a.submitJob)
		r.Get("/jobs/{jobID}", a.getJob)
		r.Get("/jobs/{jobID}/events", a.listEvents)
		r.Post("/jobs/{jobID}/stages/{stage}/run", a.runStage)
		r.Post("/jobs/{jobID}/edit", a.editJob)
	})
}

// requireSignature verifies the internal HMAC headers on mutating requests.
// An empty secret disables verification for local runs.
func (a *api) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authSecret == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		ts := r.Header.Get(auth.HeaderAuthTimestamp)
		sig := r.Header.Get(auth.HeaderAuthSignature)
		if err := auth.VerifyTimestamp(ts, time.Now(), a.maxSkew); err != nil {
			a.deny(w, r, err)
			return
		}
		if err := auth.VerifySignature(a.authSecret, ts, r.Method, r.URL.Path, sig); err != nil {
			a.deny(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) deny(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Warn("request rejected",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	writeError(w, http.StatusUnauthorized, "invalid request signature")
}

func (a *api) submitJob(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	jc, err := a.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, jc)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	jc, err := a.service.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, jc)
}

type runStageRequest struct {
	BackendOverride string `json:"backend_override,omitempty"`
}

func (a *api) runStage(w http.ResponseWriter, r *http.Request) {
	var req runStageRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	jc, err := a.service.RunStage(r.Context(), chi.URLParam(r, "jobID"), chi.URLParam(r, "stage"), req.BackendOverride)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, jc)
}

func (a *api) editJob(w http.ResponseWriter, r *http.Request) {
	var edit domain.EditContext
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	jc, err := a.service.Edit(r.Context(), chi.URLParam(r, "jobID"), edit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, jc)
}

func (a *api) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	events, err := a.events.ListByJob(r.Context(), repo.ProgressEventFilter{
		JobID: chi.URLParam(r, "jobID"),
		Stage: r.URL.Query().Get("stage"),
		Limit: limit,
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *api) writeServiceError(w http.ResponseWriter, err error) {
	var conflict *pipeline.ConflictError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, pipeline.ErrUnknownStage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrStageNotPending),
		errors.Is(err, pipeline.ErrJobNotEditable),
		errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	httpserver.WriteJSON(w, status, map[string]string{"error": message})
}
