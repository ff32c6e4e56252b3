package models

import (
	"time"
)

// InputType is the kind of value a workflow input accepts
type InputType string

const (
	InputTypeText     InputType = "text"
	InputTypeNegative InputType = "negative"
	InputTypeNumber   InputType = "number"
	InputTypeSeed     InputType = "seed"
	InputTypeImage    InputType = "image"
)

// IsPromptText reports whether values of this type feed auto-tagging
func (t InputType) IsPromptText() bool {
	return t == InputTypeText || t == InputTypeNegative
}

// DefaultAutoTagMaxWords is used when a workflow enables auto-tagging without a bound
const DefaultAutoTagMaxWords = 2

// Workflow is a parameterised engine prompt graph.
// Graph is the engine's API-format prompt: node id -> {"class_type": ..., "inputs": {...}}.
type Workflow struct {
	ID              string                 `json:"id" toml:"id" yaml:"id"`
	Name            string                 `json:"name" toml:"name" yaml:"name" validate:"required"`
	Description     string                 `json:"description,omitempty" toml:"description" yaml:"description"`
	Graph           map[string]interface{} `json:"graph" toml:"graph" yaml:"graph" validate:"required"`
	AutoTagEnabled  bool                   `json:"auto_tag_enabled" toml:"auto_tag_enabled" yaml:"auto_tag_enabled"`
	AutoTagMaxWords int                    `json:"auto_tag_max_words,omitempty" toml:"auto_tag_max_words" yaml:"auto_tag_max_words" validate:"gte=0"`
	CreatedAt       time.Time              `json:"created_at" toml:"-" yaml:"-"`
	UpdatedAt       time.Time              `json:"updated_at" toml:"-" yaml:"-"`
}

// NodeCount returns the number of executable nodes in the graph
func (w *Workflow) NodeCount() int {
	if w == nil {
		return 0
	}
	return len(w.Graph)
}

// TagWordLimit returns the configured auto-tag word bound or the default
func (w *Workflow) TagWordLimit() int {
	if w.AutoTagMaxWords > 0 {
		return w.AutoTagMaxWords
	}
	return DefaultAutoTagMaxWords
}

// WorkflowInput maps a user-facing parameter to one input of one graph node
type WorkflowInput struct {
	ID           string    `json:"id" toml:"id" yaml:"id"`
	WorkflowID   string    `json:"workflow_id" toml:"-" yaml:"-" badgerhold:"index"`
	NodeRef      string    `json:"node_ref" toml:"node_ref" yaml:"node_ref" validate:"required"`
	InputKey     string    `json:"input_key" toml:"input_key" yaml:"input_key" validate:"required"`
	InputType    InputType `json:"input_type" toml:"input_type" yaml:"input_type" validate:"required,oneof=text negative number seed image"`
	Label        string    `json:"label" toml:"label" yaml:"label" validate:"required"`
	DefaultValue string    `json:"default_value,omitempty" toml:"default_value" yaml:"default_value"`
	Order        int       `json:"order" toml:"order" yaml:"order"`
}
