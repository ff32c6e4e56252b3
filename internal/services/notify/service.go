// Package notify builds the client-facing view of a job and pushes it to connected UI clients.
package notify

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/jobs/tracker"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/files"
)

// Positioner ranks a prompt in the engine queue
type Positioner interface {
	PositionOf(promptID string) *tracker.QueuePosition
	FallbackPosition() *tracker.QueuePosition
}

// OutputView is one recorded output. Exists is re-checked on every build: the file must be on
// disk and its content must not have been deleted by the user.
type OutputView struct {
	ImagePath        string    `json:"image_path"`
	OriginalFilename string    `json:"original_filename"`
	URL              string    `json:"url"`
	Exists           bool      `json:"exists"`
	CreatedAt        time.Time `json:"created_at"`
}

// OverallView is the whole-graph estimate
type OverallView struct {
	TotalNodes    int       `json:"total_nodes"`
	ExecutedNodes int       `json:"executed_nodes"`
	Percent       float64   `json:"percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobView is the job_update payload
type JobView struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	PromptID     string           `json:"prompt_id,omitempty"`
	Status       models.JobStatus `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	Outputs      []OutputView     `json:"outputs"`

	Progress *state.JobProgress     `json:"progress,omitempty"`
	Overall  *OverallView           `json:"overall,omitempty"`
	Preview  *state.JobPreview      `json:"preview,omitempty"`
	Queue    *tracker.QueuePosition `json:"queue,omitempty"`
}

// Service implements interfaces.JobNotifier
type Service struct {
	storage     interfaces.StorageManager
	runtime     *state.Runtime
	files       *files.Store
	broadcaster interfaces.Broadcaster
	logger      arbor.ILogger

	positions Positioner
}

// NewService creates a notifier. broadcaster may be nil, in which case Notify only builds views.
func NewService(storage interfaces.StorageManager, runtime *state.Runtime, fileStore *files.Store, broadcaster interfaces.Broadcaster, logger arbor.ILogger) *Service {
	return &Service{
		storage:     storage,
		runtime:     runtime,
		files:       fileStore,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SetPositioner wires the queue tracker in after construction; the tracker itself depends on the
// notifier through the lifecycle writer
func (s *Service) SetPositioner(positions Positioner) {
	s.positions = positions
}

// Notify builds the job's view and broadcasts it as job_update
func (s *Service) Notify(ctx context.Context, jobID string) {
	view, err := s.View(ctx, jobID)
	if err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("Failed to build job view")
		return
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast("job_update", view)
	}
}

// View builds the current view of one job
func (s *Service) View(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.build(ctx, job)
}

// Views builds views for a page of jobs
func (s *Service) Views(ctx context.Context, jobs []*models.Job) ([]*JobView, error) {
	views := make([]*JobView, 0, len(jobs))
	for _, job := range jobs {
		view, err := s.build(ctx, job)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) build(ctx context.Context, job *models.Job) (*JobView, error) {
	view := &JobView{
		ID:           job.ID,
		WorkflowID:   job.WorkflowID,
		PromptID:     job.PromptID,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}

	outputs, err := s.storage.OutputStorage().ListOutputs(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	view.Outputs = make([]OutputView, 0, len(outputs))
	for _, output := range outputs {
		view.Outputs = append(view.Outputs, OutputView{
			ImagePath:        output.ImagePath,
			OriginalFilename: output.OriginalFilename,
			URL:              "/api/images/" + output.ImagePath,
			Exists:           s.outputExists(ctx, output),
			CreatedAt:        output.CreatedAt,
		})
	}

	if !job.Status.IsGenerating() {
		return view, nil
	}

	if progress, ok := s.runtime.Progress(job.ID); ok {
		view.Progress = &progress
	}
	if overall, ok := s.runtime.Overall(job.ID); ok {
		view.Overall = &OverallView{
			TotalNodes:    overall.TotalNodes,
			ExecutedNodes: len(overall.ExecutedNodeIDs),
			Percent:       overall.Percent(),
			UpdatedAt:     overall.UpdatedAt,
		}
	}
	if preview, ok := s.runtime.Preview(job.ID); ok {
		view.Preview = &preview
	}
	if s.positions != nil {
		view.Queue = s.positions.PositionOf(job.PromptID)
		if view.Queue == nil {
			view.Queue = s.positions.FallbackPosition()
		}
	}
	return view, nil
}

func (s *Service) outputExists(ctx context.Context, output *models.JobOutput) bool {
	path, ok := s.files.Locate(output.ImagePath)
	if !ok {
		return false
	}
	hash := output.ContentHash
	if hash == "" {
		computed, err := files.HashFile(path)
		if err != nil {
			return false
		}
		hash = computed
	}
	blacklisted, err := s.storage.ImageStorage().IsBlacklisted(ctx, hash)
	if err != nil {
		s.logger.Warn().Err(err).Str("image_path", output.ImagePath).Msg("Blacklist lookup failed")
		return false
	}
	return !blacklisted
}
