// -----------------------------------------------------------------------
// Job - One submission of a workflow to the engine and its outcome
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError || s == JobStatusCancelled
}

// IsGenerating reports whether the engine may still be working on the job
func (s JobStatus) IsGenerating() bool {
	return s == JobStatusPending || s == JobStatusQueued || s == JobStatusRunning
}

// Rank orders statuses along pending -> queued -> running -> terminal.
// All terminal statuses share the highest rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusQueued:
		return 1
	case JobStatusRunning:
		return 2
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	return s.Rank() >= 0
}

// Job is the persisted record of one workflow run.
// PromptID is empty until the engine accepts the submission and unique once set.
type Job struct {
	ID           string     `json:"id"`
	WorkflowID   string     `json:"workflow_id" badgerhold:"index"`
	PromptID     string     `json:"prompt_id,omitempty" badgerhold:"index"`
	Status       JobStatus  `json:"status" badgerhold:"index"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// JobInput is the value one workflow input had for a specific run
type JobInput struct {
	JobID           string `json:"job_id" badgerhold:"index"`
	WorkflowInputID string `json:"workflow_input_id"`
	Value           string `json:"value"`
}

// Key returns the storage key of the input snapshot
func (i *JobInput) Key() string {
	return i.JobID + "|" + i.WorkflowInputID
}

// JobOutput is a produced file recorded for a job. Unique per (JobID, ImagePath).
type JobOutput struct {
	JobID            string    `json:"job_id" badgerhold:"index"`
	ImagePath        string    `json:"image_path" badgerhold:"index"`
	OriginalFilename string    `json:"original_filename"`
	ContentHash      string    `json:"content_hash,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Key returns the storage key of the output
func (o *JobOutput) Key() string {
	return OutputKey(o.JobID, o.ImagePath)
}

// OutputKey builds the (job, image path) uniqueness key
func OutputKey(jobID, imagePath string) string {
	return jobID + "|" + imagePath
}
