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

// OutputStorage implements the OutputStorage interface for Badger
type OutputStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewOutputStorage creates a new OutputStorage instance
func NewOutputStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OutputStorage {
	return &OutputStorage{
		db:     db,
		logger: logger,
	}
}

// AddOutput records an output. The (job, image path) key makes the insert fail on a duplicate.
func (s *OutputStorage) AddOutput(ctx context.Context, output *models.JobOutput) error {
	if output.JobID == "" || output.ImagePath == "" {
		return fmt.Errorf("job ID and image path are required")
	}

	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		return s.db.Store().TxInsert(tx, output.Key(), output)
	})
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("%w: %s", interfaces.ErrOutputExists, output.Key())
	}
	if err != nil {
		return fmt.Errorf("failed to add output: %w", err)
	}
	return nil
}

func (s *OutputStorage) HasOutput(ctx context.Context, jobID, imagePath string) (bool, error) {
	var output models.JobOutput
	err := s.db.Store().Get(models.OutputKey(jobID, imagePath), &output)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check output: %w", err)
	}
	return true, nil
}

func (s *OutputStorage) ListOutputs(ctx context.Context, jobID string) ([]*models.JobOutput, error) {
	var outputs []models.JobOutput
	if err := s.db.Store().Find(&outputs, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		return nil, fmt.Errorf("failed to list outputs: %w", err)
	}
	return sortedOutputs(outputs), nil
}

func (s *OutputStorage) ListOutputsByPath(ctx context.Context, imagePath string) ([]*models.JobOutput, error) {
	var outputs []models.JobOutput
	if err := s.db.Store().Find(&outputs, badgerhold.Where("ImagePath").Eq(imagePath).Index("ImagePath")); err != nil {
		return nil, fmt.Errorf("failed to list outputs by path: %w", err)
	}
	return sortedOutputs(outputs), nil
}

func sortedOutputs(outputs []models.JobOutput) []*models.JobOutput {
	result := make([]*models.JobOutput, len(outputs))
	for i := range outputs {
		result[i] = &outputs[i]
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ImagePath < result[j].ImagePath
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}
