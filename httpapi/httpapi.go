// Package httpapi exposes the submission engine over HTTP. It is a thin
// layer: parsing, status codes and JSON shaping only; all behaviour lives
// in the submission package.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gridscope/asbuilt/submission"
	"github.com/gridscope/asbuilt/validate"
)

// maxUploadBytes caps package uploads at 100 MiB.
const maxUploadBytes = 100 << 20

// API wires the orchestrator into a chi router.
type API struct {
	orch   *submission.Orchestrator
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates the API.
func New(orch *submission.Orchestrator, opts ...Option) *API {
	a := &API{orch: orch, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Router builds the HTTP routes.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/submissions", a.handleSubmit)
		r.Get("/submissions/{id}", a.handleStatus)
		r.Post("/submissions/{id}/retry", a.handleRetry)
		r.Delete("/submissions/{id}", a.handleDelete)
		r.Post("/validate", a.handleValidate)
		r.Get("/analytics", a.handleAnalytics)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// handleSubmit accepts a multipart upload: a "package" PDF part plus form
// fields, with optional JSON parts: "draft" (validated before acceptance),
// "job" (evidence context for validation) and "metadata" (a string map
// merged into section metadata for rule evaluation).
func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	companyID := r.FormValue("company_id")
	utilityCode := r.FormValue("utility_code")
	if companyID == "" || utilityCode == "" {
		httpError(w, http.StatusBadRequest, "company_id and utility_code required")
		return
	}

	file, _, err := r.FormFile("package")
	if err != nil {
		httpError(w, http.StatusBadRequest, "package file required")
		return
	}
	defer file.Close()

	req := submission.SubmitRequest{
		CompanyID:   companyID,
		UtilityCode: utilityCode,
		JobNumber:   r.FormValue("job_number"),
		Content:     file,
	}
	if draftJSON := r.FormValue("draft"); draftJSON != "" {
		var draft validate.Draft
		if err := json.Unmarshal([]byte(draftJSON), &draft); err != nil {
			httpError(w, http.StatusBadRequest, "invalid draft JSON")
			return
		}
		req.Draft = &draft
	}
	if jobJSON := r.FormValue("job"); jobJSON != "" {
		var job validate.JobContext
		if err := json.Unmarshal([]byte(jobJSON), &job); err != nil {
			httpError(w, http.StatusBadRequest, "invalid job JSON")
			return
		}
		req.Job = &job
	}
	if metaJSON := r.FormValue("metadata"); metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &req.Metadata); err != nil {
			httpError(w, http.StatusBadRequest, "invalid metadata JSON")
			return
		}
	}

	id, err := a.orch.Submit(r.Context(), req)
	if err != nil {
		var verr *submission.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, verr.Result)
			return
		}
		a.logger.Error("httpapi: submit failed", "error", err)
		httpError(w, http.StatusInternalServerError, "submission failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"submission_id": id})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := a.orch.Status(r.Context(), id)
	if err != nil {
		a.logger.Error("httpapi: status failed", "submission", id, "error", err)
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sub == nil {
		httpError(w, http.StatusNotFound, "submission not found")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := a.orch.Status(r.Context(), id)
	if err != nil {
		a.logger.Error("httpapi: retry lookup failed", "submission", id, "error", err)
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if sub == nil {
		httpError(w, http.StatusNotFound, "submission not found")
		return
	}
	if err := a.orch.Retry(r.Context(), id); err != nil {
		a.logger.Error("httpapi: retry failed", "submission", id, "error", err)
		httpError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"submission_id": id})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.orch.Delete(r.Context(), id); err != nil {
		httpError(w, http.StatusNotFound, "submission not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateRequest is the body for POST /api/v1/validate.
type validateRequest struct {
	Draft *validate.Draft      `json:"draft"`
	Job   *validate.JobContext `json:"job,omitempty"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Draft == nil {
		httpError(w, http.StatusBadRequest, "draft required")
		return
	}
	result, err := a.orch.Validate(r.Context(), req.Draft, req.Job)
	if err != nil {
		a.logger.Error("httpapi: validate failed", "error", err)
		httpError(w, http.StatusInternalServerError, "validation failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAnalytics returns rollups for ?since=RFC3339&until=RFC3339
// (default: the last 30 days).
func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	until := time.Now()
	since := until.AddDate(0, 0, -30)
	var err error
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			httpError(w, http.StatusBadRequest, "invalid since")
			return
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if until, err = time.Parse(time.RFC3339, v); err != nil {
			httpError(w, http.StatusBadRequest, "invalid until")
			return
		}
	}

	rollup, err := a.orch.Analytics(r.Context(), since, until)
	if err != nil {
		a.logger.Error("httpapi: analytics failed", "error", err)
		httpError(w, http.StatusInternalServerError, "analytics failed")
		return
	}
	writeJSON(w, http.StatusOK, rollup)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
