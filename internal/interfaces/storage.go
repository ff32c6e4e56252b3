package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/vellum/internal/models"
)

var (
	// ErrJobNotFound is returned when no job matches an id or prompt id
	ErrJobNotFound = errors.New("job not found")
	// ErrWorkflowNotFound is returned when no workflow matches an id
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrPromptIDTaken is returned when a prompt id is already bound to another job
	ErrPromptIDTaken = errors.New("prompt id already assigned to another job")
	// ErrOutputExists is returned when (job, image path) is already recorded
	ErrOutputExists = errors.New("job output already recorded")
)

// JobListOptions filters ListJobs
type JobListOptions struct {
	WorkflowID string
	Statuses   []models.JobStatus
	Limit      int
	Offset     int
}

// JobStorage persists jobs and their input snapshots
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job, inputs []*models.JobInput) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobByPromptID(ctx context.Context, promptID string) (*models.Job, error)
	// SaveJob overwrites the job row. Callers serialise read-modify-write per job id.
	SaveJob(ctx context.Context, job *models.Job) error
	// AssignPromptID binds a prompt id to a job, failing with ErrPromptIDTaken if another job holds it
	AssignPromptID(ctx context.Context, jobID, promptID string) error
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	GetJobInputs(ctx context.Context, jobID string) ([]*models.JobInput, error)
	DeleteJobsByWorkflow(ctx context.Context, workflowID string) (int, error)
}

// OutputStorage persists produced files per job
type OutputStorage interface {
	// AddOutput inserts an output, failing with ErrOutputExists on a duplicate (job, image path)
	AddOutput(ctx context.Context, output *models.JobOutput) error
	HasOutput(ctx context.Context, jobID, imagePath string) (bool, error)
	ListOutputs(ctx context.Context, jobID string) ([]*models.JobOutput, error)
	ListOutputsByPath(ctx context.Context, imagePath string) ([]*models.JobOutput, error)
}

// WorkflowStorage persists workflow definitions and their inputs
type WorkflowStorage interface {
	SaveWorkflow(ctx context.Context, workflow *models.Workflow, inputs []*models.WorkflowInput) error
	GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)
	GetWorkflowInputs(ctx context.Context, workflowID string) ([]*models.WorkflowInput, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error
}

// ImageStorage persists per-image curation data: the delete blacklist, tags and provenance
type ImageStorage interface {
	AddToBlacklist(ctx context.Context, entry *models.BlacklistEntry) error
	IsBlacklisted(ctx context.Context, contentHash string) (bool, error)
	SetTags(ctx context.Context, imagePath string, tags []string) error
	GetTags(ctx context.Context, imagePath string) ([]string, error)
	SaveProvenance(ctx context.Context, provenance *models.PromptProvenance) error
	GetProvenance(ctx context.Context, imagePath string) (*models.PromptProvenance, error)
}

// StorageManager exposes every store backed by one database
type StorageManager interface {
	JobStorage() JobStorage
	OutputStorage() OutputStorage
	WorkflowStorage() WorkflowStorage
	ImageStorage() ImageStorage
	Close() error
}
