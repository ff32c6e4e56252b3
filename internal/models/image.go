package models

import (
	"time"
)

// BlacklistEntry records content the user deleted so an identical regeneration never reappears
type BlacklistEntry struct {
	ContentHash string    `json:"content_hash"`
	ImagePath   string    `json:"image_path,omitempty"`
	DeletedAt   time.Time `json:"deleted_at"`
}

// ImageTags is the ordered tag list attached to one image
type ImageTags struct {
	ImagePath string    `json:"image_path"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PromptProvenance records which input values produced an output, keyed by input label
type PromptProvenance struct {
	ImagePath  string            `json:"image_path"`
	JobID      string            `json:"job_id"`
	WorkflowID string            `json:"workflow_id"`
	PromptID   string            `json:"prompt_id"`
	Values     map[string]string `json:"values"`
	CreatedAt  time.Time         `json:"created_at"`
}
