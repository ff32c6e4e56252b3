package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/dispatch"
	"github.com/ternarybob/vellum/internal/storage/badger"
)

const maxWorkflowBody = 4 << 20

// WorkflowDetail is a workflow together with its ordered inputs
type WorkflowDetail struct {
	*models.Workflow
	Inputs []*models.WorkflowInput `json:"inputs"`
}

// RunWorkflowRequest is the body of POST /api/workflows/{id}/run. Values are keyed by workflow input id.
type RunWorkflowRequest struct {
	Values map[string]string `json:"values"`
}

// WorkflowHandler handles workflow definitions and runs
type WorkflowHandler struct {
	storage   interfaces.StorageManager
	runner    WorkflowRunner
	canceller JobCanceller
	logger    arbor.ILogger
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(storage interfaces.StorageManager, runner WorkflowRunner, canceller JobCanceller, logger arbor.ILogger) *WorkflowHandler {
	if storage == nil {
		panic("storage cannot be nil")
	}
	if runner == nil {
		panic("runner cannot be nil")
	}
	if canceller == nil {
		panic("canceller cannot be nil")
	}
	return &WorkflowHandler{
		storage:   storage,
		runner:    runner,
		canceller: canceller,
		logger:    logger,
	}
}

// ListWorkflowsHandler handles GET /api/workflows
func (h *WorkflowHandler) ListWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	workflows, err := h.storage.WorkflowStorage().ListWorkflows(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list workflows")
		WriteError(w, http.StatusInternalServerError, "Failed to list workflows")
		return
	}
	if workflows == nil {
		workflows = []*models.Workflow{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// CreateWorkflowHandler handles POST /api/workflows. The body is JSON by default; TOML and YAML
// definitions are accepted with a matching Content-Type.
func (h *WorkflowHandler) CreateWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	// The pseudo file name supplies the decoder and the fallback id
	name := common.NewWorkflowID() + definitionExtension(r.Header.Get("Content-Type"))
	file, err := badger.ParseWorkflowFile(name, data)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Rejected workflow definition")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := checkInputRefs(&file.Workflow, file.Inputs); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if existing, err := h.storage.WorkflowStorage().GetWorkflow(ctx, file.ID); err == nil {
		file.CreatedAt = existing.CreatedAt
	}
	if err := h.storage.WorkflowStorage().SaveWorkflow(ctx, &file.Workflow, file.Inputs); err != nil {
		h.logger.Error().Err(err).Str("workflow_id", file.ID).Msg("Failed to save workflow")
		WriteError(w, http.StatusInternalServerError, "Failed to save workflow")
		return
	}

	h.logger.Info().Str("workflow_id", file.ID).Str("name", file.Name).Int("inputs", len(file.Inputs)).Msg("Workflow saved")
	WriteJSON(w, http.StatusCreated, WorkflowDetail{Workflow: &file.Workflow, Inputs: file.Inputs})
}

// GetWorkflowHandler handles GET /api/workflows/{id}
func (h *WorkflowHandler) GetWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	workflowID := PathParam(r, "/api/workflows/")
	if workflowID == "" {
		WriteError(w, http.StatusBadRequest, "Workflow ID is required")
		return
	}

	ctx := r.Context()
	workflow, err := h.storage.WorkflowStorage().GetWorkflow(ctx, workflowID)
	if err != nil {
		h.writeLookupError(w, err, workflowID)
		return
	}
	inputs, err := h.storage.WorkflowStorage().GetWorkflowInputs(ctx, workflowID)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to load workflow inputs")
		WriteError(w, http.StatusInternalServerError, "Failed to load workflow inputs")
		return
	}

	WriteJSON(w, http.StatusOK, WorkflowDetail{Workflow: workflow, Inputs: inputs})
}

// DeleteWorkflowHandler handles DELETE /api/workflows/{id}. The workflow's jobs are deleted with it.
func (h *WorkflowHandler) DeleteWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	workflowID := PathParam(r, "/api/workflows/")
	if workflowID == "" {
		WriteError(w, http.StatusBadRequest, "Workflow ID is required")
		return
	}

	ctx := r.Context()
	if _, err := h.storage.WorkflowStorage().GetWorkflow(ctx, workflowID); err != nil {
		h.writeLookupError(w, err, workflowID)
		return
	}

	if err := h.cancelGenerating(ctx, workflowID); err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to list workflow jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to delete workflow jobs")
		return
	}

	deletedJobs, err := h.storage.JobStorage().DeleteJobsByWorkflow(ctx, workflowID)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to delete workflow jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to delete workflow jobs")
		return
	}
	if err := h.storage.WorkflowStorage().DeleteWorkflow(ctx, workflowID); err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to delete workflow")
		WriteError(w, http.StatusInternalServerError, "Failed to delete workflow")
		return
	}

	h.logger.Info().Str("workflow_id", workflowID).Int("deleted_jobs", deletedJobs).Msg("Workflow deleted")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"workflow_id":  workflowID,
		"deleted_jobs": deletedJobs,
	})
}

// cancelGenerating cancels the workflow's unfinished jobs so their pollers, prompt mappings
// and progress are released before the rows go away
func (h *WorkflowHandler) cancelGenerating(ctx context.Context, workflowID string) error {
	jobs, err := h.storage.JobStorage().ListJobs(ctx, &interfaces.JobListOptions{
		WorkflowID: workflowID,
		Statuses:   []models.JobStatus{models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning},
	})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := h.canceller.Cancel(ctx, job.ID); err != nil {
			h.logger.Warn().Err(err).Str("job_id", job.ID).Str("workflow_id", workflowID).Msg("Failed to cancel job before workflow delete")
		}
	}
	return nil
}

// RunWorkflowHandler handles POST /api/workflows/{id}/run
func (h *WorkflowHandler) RunWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	workflowID := PathParam(r, "/api/workflows/")
	if workflowID == "" {
		WriteError(w, http.StatusBadRequest, "Workflow ID is required")
		return
	}

	var req RunWorkflowRequest
	if r.ContentLength != 0 {
		if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	job, err := h.runner.Run(r.Context(), workflowID, req.Values)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusCreated, job)
	case errors.Is(err, interfaces.ErrWorkflowNotFound):
		WriteError(w, http.StatusNotFound, "Workflow not found")
	case errors.Is(err, dispatch.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrDispatchFailed) && job != nil:
		// The job exists in error status; return it so the client can show it
		WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
			"job":    job,
		})
	default:
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Workflow run failed")
		WriteError(w, http.StatusInternalServerError, "Failed to run workflow")
	}
}

func (h *WorkflowHandler) writeLookupError(w http.ResponseWriter, err error, workflowID string) {
	if errors.Is(err, interfaces.ErrWorkflowNotFound) {
		WriteError(w, http.StatusNotFound, "Workflow not found")
		return
	}
	h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to load workflow")
	WriteError(w, http.StatusInternalServerError, "Failed to load workflow")
}

func definitionExtension(contentType string) string {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mediaType, "toml"):
		return ".toml"
	case strings.Contains(mediaType, "yaml"):
		return ".yaml"
	default:
		return ".json"
	}
}

// checkInputRefs rejects inputs that point at nodes or inputs missing from the graph
func checkInputRefs(workflow *models.Workflow, inputs []*models.WorkflowInput) error {
	seen := make(map[string]bool, len(inputs))
	for _, input := range inputs {
		if seen[input.ID] {
			return fmt.Errorf("duplicate input id %s", input.ID)
		}
		seen[input.ID] = true

		node, ok := workflow.Graph[input.NodeRef].(map[string]interface{})
		if !ok {
			return fmt.Errorf("input %s references unknown node %s", input.ID, input.NodeRef)
		}
		if nodeInputs, ok := node["inputs"].(map[string]interface{}); ok {
			if _, ok := nodeInputs[input.InputKey]; !ok {
				return fmt.Errorf("input %s references unknown key %s on node %s", input.ID, input.InputKey, input.NodeRef)
			}
		}
	}
	return nil
}
