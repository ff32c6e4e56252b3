package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/lifecycle"
	"github.com/ternarybob/vellum/internal/models"
)

var (
	// ErrInvalidInput is returned for values that do not fit the workflow's inputs; no job is created
	ErrInvalidInput = errors.New("invalid workflow input")
	// ErrDispatchFailed is returned together with the failed job when the engine rejects a submission
	ErrDispatchFailed = errors.New("dispatch failed")
)

// Resumer is awaited before the first dispatch so resumed jobs are registered first
type Resumer interface {
	EnsureResumed(ctx context.Context) error
}

// Poller starts the fallback poller for a dispatched job
type Poller interface {
	StartPolling(jobID, promptID string)
}

// RunRequest is one workflow run. Values are keyed by workflow input id.
type RunRequest struct {
	WorkflowID string            `json:"workflow_id" validate:"required"`
	Values     map[string]string `json:"values"`
}

// Service creates jobs and submits them to the engine
type Service struct {
	engine    interfaces.EngineClient
	storage   interfaces.StorageManager
	lifecycle *lifecycle.Lifecycle
	resumer   Resumer
	poller    Poller
	validate  *validator.Validate
	logger    arbor.ILogger
}

// NewService creates a dispatch service
func NewService(engineClient interfaces.EngineClient, storage interfaces.StorageManager, lc *lifecycle.Lifecycle, resumer Resumer, poller Poller, logger arbor.ILogger) *Service {
	return &Service{
		engine:    engineClient,
		storage:   storage,
		lifecycle: lc,
		resumer:   resumer,
		poller:    poller,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Run dispatches one run of a workflow. A submission the engine rejects still yields a job, in
// error status, returned alongside ErrDispatchFailed.
func (s *Service) Run(ctx context.Context, workflowID string, values map[string]string) (*models.Job, error) {
	req := RunRequest{WorkflowID: workflowID, Values: values}
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.resumer.EnsureResumed(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Resume pass failed, dispatching anyway")
	}

	workflow, err := s.storage.WorkflowStorage().GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	inputs, err := s.storage.WorkflowStorage().GetWorkflowInputs(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	graph, resolved, err := BuildGraph(workflow, inputs, values)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:         common.NewJobID(),
		WorkflowID: workflow.ID,
		Status:     models.JobStatusPending,
		CreatedAt:  time.Now(),
	}
	jobInputs := make([]*models.JobInput, 0, len(resolved))
	for _, input := range inputs {
		value, ok := resolved[input.ID]
		if !ok {
			continue
		}
		jobInputs = append(jobInputs, &models.JobInput{JobID: job.ID, WorkflowInputID: input.ID, Value: value})
	}
	if err := s.storage.JobStorage().CreateJob(ctx, job, jobInputs); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.lifecycle.Notify(ctx, job.ID)

	promptID, err := s.engine.Submit(ctx, graph)
	if err == nil {
		err = s.storage.JobStorage().AssignPromptID(ctx, job.ID, promptID)
	}
	if err != nil {
		return s.fail(ctx, job.ID, err)
	}

	runtime := s.lifecycle.Runtime()
	runtime.RegisterPrompt(promptID, job.ID)
	runtime.SeedOverall(job.ID, workflow.NodeCount())
	if _, err := s.lifecycle.Promote(ctx, job.ID, models.JobStatusQueued); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to mark job queued")
	}
	s.poller.StartPolling(job.ID, promptID)

	s.logger.Info().Str("job_id", job.ID).Str("workflow_id", workflow.ID).Str("prompt_id", promptID).Msg("Workflow dispatched")
	return s.storage.JobStorage().GetJob(ctx, job.ID)
}

func (s *Service) fail(ctx context.Context, jobID string, cause error) (*models.Job, error) {
	s.logger.Error().Err(cause).Str("job_id", jobID).Msg("Workflow dispatch failed")
	message := fmt.Sprintf("dispatch failed: %v", cause)
	if _, err := s.lifecycle.Terminate(ctx, jobID, models.JobStatusError, message); err != nil {
		return nil, fmt.Errorf("failed to record dispatch failure: %w", err)
	}
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, fmt.Errorf("%w: %v", ErrDispatchFailed, cause)
}

// BuildGraph substitutes values into a deep copy of the workflow graph. Missing values fall back
// to each input's default; an input left empty keeps whatever the graph already holds. It returns
// the graph and the string value used per input id.
func BuildGraph(workflow *models.Workflow, inputs []*models.WorkflowInput, values map[string]string) (map[string]interface{}, map[string]string, error) {
	known := make(map[string]struct{}, len(inputs))
	for _, input := range inputs {
		known[input.ID] = struct{}{}
	}
	for id := range values {
		if _, ok := known[id]; !ok {
			return nil, nil, fmt.Errorf("%w: unknown input %q", ErrInvalidInput, id)
		}
	}

	graph, err := copyGraph(workflow.Graph)
	if err != nil {
		return nil, nil, err
	}

	resolved := make(map[string]string, len(inputs))
	for _, input := range inputs {
		raw, ok := values[input.ID]
		if !ok {
			raw = input.DefaultValue
		}
		if raw == "" && input.InputType != models.InputTypeText && input.InputType != models.InputTypeNegative {
			continue
		}

		value, err := convertValue(input.InputType, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, input.Label, err)
		}

		node, ok := graph[input.NodeRef].(map[string]interface{})
		if !ok {
			return nil, nil, fmt.Errorf("%w: input %s references missing node %s", ErrInvalidInput, input.ID, input.NodeRef)
		}
		nodeInputs, ok := node["inputs"].(map[string]interface{})
		if !ok {
			nodeInputs = make(map[string]interface{})
			node["inputs"] = nodeInputs
		}
		nodeInputs[input.InputKey] = value
		resolved[input.ID] = raw
	}
	return graph, resolved, nil
}

func convertValue(inputType models.InputType, raw string) (interface{}, error) {
	switch inputType {
	case models.InputTypeNumber:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case models.InputTypeSeed:
		return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	default:
		return raw, nil
	}
}

func copyGraph(graph map[string]interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to copy workflow graph: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy workflow graph: %w", err)
	}
	return out, nil
}
