package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/notify"
)

// JobHandler handles job-related API requests
type JobHandler struct {
	jobStorage interfaces.JobStorage
	views      JobViewer
	canceller  JobCanceller
	logger     arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobStorage interfaces.JobStorage, views JobViewer, canceller JobCanceller, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobStorage: jobStorage,
		views:      views,
		canceller:  canceller,
		logger:     logger,
	}
}

// ListJobsHandler returns a page of jobs, newest first
// GET /api/jobs?limit=50&offset=0&status=running,queued&workflow_id=wf_1
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	limit, offset := GetPageParams(r)
	opts := &interfaces.JobListOptions{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		for _, raw := range strings.Split(statusParam, ",") {
			status := models.JobStatus(strings.TrimSpace(raw))
			if !status.Valid() {
				WriteError(w, http.StatusBadRequest, "Unknown job status: "+string(status))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}

	ctx := r.Context()
	jobs, err := h.jobStorage.ListJobs(ctx, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	views, err := h.views.Views(ctx, jobs)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build job views")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   views,
		"count":  len(views),
		"limit":  limit,
		"offset": offset,
	})
}

// GetJobHandler returns one job with outputs and, while generating, live progress
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	jobID := PathParam(r, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	view, err := h.views.View(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, err, jobID)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// CancelJobHandler cancels a job. Cancelling a finished job returns it unchanged.
// POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := PathParam(r, "/api/jobs/")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	ctx := r.Context()
	job, err := h.canceller.Cancel(ctx, jobID)
	if err != nil {
		h.writeLookupError(w, err, jobID)
		return
	}
	h.logger.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job cancel requested")

	view, err := h.views.View(ctx, jobID)
	if err != nil {
		h.writeLookupError(w, err, jobID)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (h *JobHandler) writeLookupError(w http.ResponseWriter, err error, jobID string) {
	if errors.Is(err, interfaces.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	h.logger.Error().Err(err).Str("job_id", jobID).Msg("Job request failed")
	WriteError(w, http.StatusInternalServerError, "Job request failed")
}

var _ JobViewer = (*notify.Service)(nil)
