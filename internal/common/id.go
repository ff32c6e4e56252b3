package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewWorkflowID generates a unique workflow ID with the "wf_" prefix
func NewWorkflowID() string {
	return "wf_" + uuid.New().String()
}
