package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/replication"
	"github.com/zmigrate/zmigrate/pkg/types"
)

// defaultListLimit caps migration listings when the caller does not ask
// for a specific page size.
const defaultListLimit = 100

// MigrationHandler serves the replication job lifecycle.
type MigrationHandler struct {
	jobs   Jobs
	logger zerolog.Logger
}

func newMigrationHandler(jobs Jobs) *MigrationHandler {
	return &MigrationHandler{jobs: jobs, logger: log.WithComponent("api")}
}

type migrationCreated struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type migrationList struct {
	Jobs  []*types.Job `json:"jobs"`
	Total int          `json:"total"`
}

type migrationProgress struct {
	JobID    string          `json:"job_id"`
	Status   types.JobStatus `json:"status"`
	Progress *types.Progress `json:"progress"`
	Error    string          `json:"error,omitempty"`
}

type cancelled struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// Create handles POST /api/v1/migrations. The request shape is checked
// here so the caller gets a 400 instead of a queued job that fails.
func (h *MigrationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.MigrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := replication.ValidateRequest(req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.jobs.Create(r.Context(), types.JobTypeReplication, req)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create migration job")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, migrationCreated{
		JobID:   job.ID,
		Status:  string(job.Status),
		Message: "migration job created",
	})
}

// List handles GET /api/v1/migrations?status=&limit=.
func (h *MigrationHandler) List(w http.ResponseWriter, r *http.Request) {
	status := types.JobStatus(r.URL.Query().Get("status"))
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, types.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	jobs, err := h.jobs.List(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list migration jobs")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, migrationList{Jobs: jobs, Total: len(jobs)})
}

// Get handles GET /api/v1/migrations/{id}.
func (h *MigrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Cancel handles DELETE /api/v1/migrations/{id}.
func (h *MigrationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info().Str("job_id", id).Msg("Cancellation accepted")
	writeJSON(w, http.StatusOK, cancelled{
		Cancelled: true,
		Message:   "job cancelled",
	})
}

// Progress handles GET /api/v1/migrations/{id}/progress.
func (h *MigrationHandler) Progress(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	progress := job.Progress
	if progress == nil {
		progress = &types.Progress{}
	}
	writeJSON(w, http.StatusOK, migrationProgress{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: progress,
		Error:    job.Error,
	})
}

// Stats handles GET /api/v1/migrations/stats.
func (h *MigrationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to read job stats")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
