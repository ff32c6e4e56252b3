package handlers

import (
	"context"

	"github.com/ternarybob/vellum/internal/jobs/state"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/notify"
)

// WorkflowRunner dispatches one run of a workflow
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID string, values map[string]string) (*models.Job, error)
}

// JobCanceller cancels a job at the user's request
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) (*models.Job, error)
}

// JobViewer builds client-facing job views and pushes them to connected clients
type JobViewer interface {
	View(ctx context.Context, jobID string) (*notify.JobView, error)
	Views(ctx context.Context, jobs []*models.Job) ([]*notify.JobView, error)
	Notify(ctx context.Context, jobID string)
}

// QueueSource exposes the mirrored engine queue
type QueueSource interface {
	Refresh(ctx context.Context) (bool, error)
}

// ConnectionState reports engine connectivity
type ConnectionState interface {
	Connection() (bool, string)
	Queue() state.QueueSnapshot
}

// Thumbnailer renders and removes output thumbnails
type Thumbnailer interface {
	Ensure(absPath, relPath string) (string, error)
	Remove(relPath string) error
}
