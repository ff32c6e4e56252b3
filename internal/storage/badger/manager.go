package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/common"
	"github.com/ternarybob/vellum/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	job      interfaces.JobStorage
	output   interfaces.OutputStorage
	workflow interfaces.WorkflowStorage
	image    interfaces.ImageStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")
	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		output:   NewOutputStorage(db, logger),
		workflow: NewWorkflowStorage(db, logger),
		image:    NewImageStorage(db, logger),
		logger:   logger,
	}
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// OutputStorage returns the Output storage interface
func (m *Manager) OutputStorage() interfaces.OutputStorage {
	return m.output
}

// WorkflowStorage returns the Workflow storage interface
func (m *Manager) WorkflowStorage() interfaces.WorkflowStorage {
	return m.workflow
}

// ImageStorage returns the Image storage interface
func (m *Manager) ImageStorage() interfaces.ImageStorage {
	return m.image
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// LoadWorkflowsFromFiles seeds workflow definitions from TOML/YAML files
func (m *Manager) LoadWorkflowsFromFiles(ctx context.Context, dirPath string) error {
	return LoadWorkflowsFromFiles(ctx, m.workflow, dirPath, m.logger)
}
