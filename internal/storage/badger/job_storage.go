package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts the job row and its input snapshot in one transaction
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job, inputs []*models.JobInput) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxInsert(tx, job.ID, job); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		for _, input := range inputs {
			input.JobID = job.ID
			if err := s.db.Store().TxUpsert(tx, input.Key(), input); err != nil {
				return fmt.Errorf("failed to insert job input %s: %w", input.WorkflowInputID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("job_id", job.ID).Int("inputs", len(inputs)).Msg("Job created")
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobByPromptID(ctx context.Context, promptID string) (*models.Job, error) {
	if promptID == "" {
		return nil, fmt.Errorf("%w: empty prompt id", interfaces.ErrJobNotFound)
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("PromptID").Eq(promptID).Index("PromptID").Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find job by prompt id: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: prompt %s", interfaces.ErrJobNotFound, promptID)
	}
	return &jobs[0], nil
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// AssignPromptID binds promptID to jobID. The uniqueness check and the write share one transaction.
func (s *JobStorage) AssignPromptID(ctx context.Context, jobID, promptID string) error {
	if promptID == "" {
		return fmt.Errorf("prompt id is required")
	}

	return s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		var holders []models.Job
		if err := s.db.Store().TxFind(tx, &holders, badgerhold.Where("PromptID").Eq(promptID).Index("PromptID")); err != nil {
			return fmt.Errorf("failed to check prompt id: %w", err)
		}
		for _, holder := range holders {
			if holder.ID != jobID {
				return fmt.Errorf("%w: %s held by %s", interfaces.ErrPromptIDTaken, promptID, holder.ID)
			}
		}

		var job models.Job
		if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", interfaces.ErrJobNotFound, jobID)
			}
			return fmt.Errorf("failed to get job: %w", err)
		}
		job.PromptID = promptID
		return s.db.Store().TxUpdate(tx, jobID, &job)
	})
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.WorkflowID != "" {
			query = query.And("WorkflowID").Eq(opts.WorkflowID)
		}
		if len(opts.Statuses) > 0 {
			statuses := make([]interface{}, len(opts.Statuses))
			for i, status := range opts.Statuses {
				statuses[i] = status
			}
			query = query.And("Status").In(statuses...)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) GetJobInputs(ctx context.Context, jobID string) ([]*models.JobInput, error) {
	var inputs []models.JobInput
	if err := s.db.Store().Find(&inputs, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		return nil, fmt.Errorf("failed to get job inputs: %w", err)
	}

	result := make([]*models.JobInput, len(inputs))
	for i := range inputs {
		result[i] = &inputs[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WorkflowInputID < result[j].WorkflowInputID })
	return result, nil
}

// DeleteJobsByWorkflow removes every job of a workflow with its inputs and outputs
func (s *JobStorage) DeleteJobsByWorkflow(ctx context.Context, workflowID string) (int, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("WorkflowID").Eq(workflowID).Index("WorkflowID")); err != nil {
		return 0, fmt.Errorf("failed to find jobs for workflow: %w", err)
	}

	for _, job := range jobs {
		err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			if err := s.db.Store().TxDeleteMatching(tx, &models.JobInput{}, badgerhold.Where("JobID").Eq(job.ID).Index("JobID")); err != nil {
				return err
			}
			if err := s.db.Store().TxDeleteMatching(tx, &models.JobOutput{}, badgerhold.Where("JobID").Eq(job.ID).Index("JobID")); err != nil {
				return err
			}
			return s.db.Store().TxDelete(tx, job.ID, &models.Job{})
		})
		if err != nil {
			return 0, fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
	}

	s.logger.Info().Str("workflow_id", workflowID).Int("jobs", len(jobs)).Msg("Deleted jobs for workflow")
	return len(jobs), nil
}
