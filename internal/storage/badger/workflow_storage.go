package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// WorkflowStorage implements the WorkflowStorage interface for Badger
type WorkflowStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewWorkflowStorage creates a new WorkflowStorage instance
func NewWorkflowStorage(db *BadgerDB, logger arbor.ILogger) interfaces.WorkflowStorage {
	return &WorkflowStorage{
		db:     db,
		logger: logger,
	}
}

// SaveWorkflow upserts a workflow and replaces its input set
func (s *WorkflowStorage) SaveWorkflow(ctx context.Context, workflow *models.Workflow, inputs []*models.WorkflowInput) error {
	if workflow.ID == "" {
		return fmt.Errorf("workflow ID is required")
	}

	now := time.Now()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}
	workflow.UpdatedAt = now

	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxDeleteMatching(tx, &models.WorkflowInput{}, badgerhold.Where("WorkflowID").Eq(workflow.ID).Index("WorkflowID")); err != nil {
			return fmt.Errorf("failed to clear workflow inputs: %w", err)
		}
		if err := s.db.Store().TxUpsert(tx, workflow.ID, workflow); err != nil {
			return fmt.Errorf("failed to save workflow: %w", err)
		}
		for _, input := range inputs {
			input.WorkflowID = workflow.ID
			if err := s.db.Store().TxUpsert(tx, input.ID, input); err != nil {
				return fmt.Errorf("failed to save workflow input %s: %w", input.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().Str("workflow_id", workflow.ID).Int("inputs", len(inputs)).Msg("Workflow saved")
	return nil
}

func (s *WorkflowStorage) GetWorkflow(ctx context.Context, workflowID string) (*models.Workflow, error) {
	var workflow models.Workflow
	if err := s.db.Store().Get(workflowID, &workflow); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", interfaces.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &workflow, nil
}

func (s *WorkflowStorage) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	var workflows []models.Workflow
	if err := s.db.Store().Find(&workflows, nil); err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	result := make([]*models.Workflow, len(workflows))
	for i := range workflows {
		result[i] = &workflows[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// GetWorkflowInputs returns the inputs in display order
func (s *WorkflowStorage) GetWorkflowInputs(ctx context.Context, workflowID string) ([]*models.WorkflowInput, error) {
	var inputs []models.WorkflowInput
	if err := s.db.Store().Find(&inputs, badgerhold.Where("WorkflowID").Eq(workflowID).Index("WorkflowID")); err != nil {
		return nil, fmt.Errorf("failed to get workflow inputs: %w", err)
	}

	result := make([]*models.WorkflowInput, len(inputs))
	for i := range inputs {
		result[i] = &inputs[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order == result[j].Order {
			return result[i].ID < result[j].ID
		}
		return result[i].Order < result[j].Order
	})
	return result, nil
}

// DeleteWorkflow removes the workflow and its inputs. Jobs are removed separately by the caller.
func (s *WorkflowStorage) DeleteWorkflow(ctx context.Context, workflowID string) error {
	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxDeleteMatching(tx, &models.WorkflowInput{}, badgerhold.Where("WorkflowID").Eq(workflowID).Index("WorkflowID")); err != nil {
			return err
		}
		return s.db.Store().TxDelete(tx, workflowID, &models.Workflow{})
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("%w: %s", interfaces.ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	s.logger.Info().Str("workflow_id", workflowID).Msg("Workflow deleted")
	return nil
}
