package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"gopkg.in/yaml.v3"
)

// WorkflowFile is the on-disk shape of a workflow definition
type WorkflowFile struct {
	models.Workflow `yaml:",inline"`
	Inputs          []*models.WorkflowInput `json:"inputs" toml:"inputs" yaml:"inputs" validate:"dive"`
}

// ParseWorkflowFile decodes a definition by extension (.json, .toml, .yaml, .yml)
func ParseWorkflowFile(name string, data []byte) (*WorkflowFile, error) {
	var file WorkflowFile
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse workflow TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported workflow file extension: %s", filepath.Ext(name))
	}

	if file.ID == "" {
		file.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	for i, input := range file.Inputs {
		if input.ID == "" {
			input.ID = fmt.Sprintf("%s_%s_%s", file.ID, input.NodeRef, input.InputKey)
		}
		if input.Order == 0 {
			input.Order = i + 1
		}
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid workflow %s: %w", file.ID, err)
	}
	return &file, nil
}

// LoadWorkflowsFromFiles scans dirPath and upserts every definition it can parse.
// Files that fail to parse are logged and skipped.
func LoadWorkflowsFromFiles(ctx context.Context, workflowStorage interfaces.WorkflowStorage, dirPath string, logger arbor.ILogger) error {
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		logger.Debug().Str("dir", dirPath).Msg("Workflow definitions directory does not exist, skipping")
		return nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read workflow definitions directory: %w", err)
	}

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".toml", ".yaml", ".yml", ".json":
		default:
			continue
		}

		data, err := os.ReadFile(filepath.Join(dirPath, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read workflow file")
			continue
		}

		file, err := ParseWorkflowFile(entry.Name(), data)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to load workflow file")
			continue
		}

		// Keep the original creation time when re-seeding
		if existing, err := workflowStorage.GetWorkflow(ctx, file.ID); err == nil {
			file.CreatedAt = existing.CreatedAt
		}

		if err := workflowStorage.SaveWorkflow(ctx, &file.Workflow, file.Inputs); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Str("workflow_id", file.ID).Msg("Failed to save workflow")
			continue
		}

		logger.Info().Str("file", entry.Name()).Str("workflow_id", file.ID).Str("name", file.Name).Int("inputs", len(file.Inputs)).Msg("Workflow loaded from file")
		loadedCount++
	}

	if loadedCount > 0 {
		logger.Info().Int("count", loadedCount).Msg("Workflows loaded from files")
	} else {
		logger.Debug().Msg("No workflows loaded from files")
	}
	return nil
}
