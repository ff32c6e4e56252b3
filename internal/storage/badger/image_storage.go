package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ImageStorage keeps the delete blacklist, tags and provenance keyed by image path or content hash
type ImageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewImageStorage creates a new ImageStorage instance
func NewImageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ImageStorage {
	return &ImageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ImageStorage) AddToBlacklist(ctx context.Context, entry *models.BlacklistEntry) error {
	if entry.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	if entry.DeletedAt.IsZero() {
		entry.DeletedAt = time.Now()
	}
	if err := s.db.Store().Upsert(entry.ContentHash, entry); err != nil {
		return fmt.Errorf("failed to blacklist content: %w", err)
	}
	s.logger.Info().Str("hash", entry.ContentHash).Str("path", entry.ImagePath).Msg("Content hash blacklisted")
	return nil
}

func (s *ImageStorage) IsBlacklisted(ctx context.Context, contentHash string) (bool, error) {
	if contentHash == "" {
		return false, nil
	}
	var entry models.BlacklistEntry
	err := s.db.Store().Get(contentHash, &entry)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist: %w", err)
	}
	return true, nil
}

// SetTags replaces the tag list of an image
func (s *ImageStorage) SetTags(ctx context.Context, imagePath string, tags []string) error {
	record := &models.ImageTags{ImagePath: imagePath, Tags: tags, UpdatedAt: time.Now()}
	if err := s.db.Store().Upsert(imagePath, record); err != nil {
		return fmt.Errorf("failed to set tags: %w", err)
	}
	return nil
}

func (s *ImageStorage) GetTags(ctx context.Context, imagePath string) ([]string, error) {
	var record models.ImageTags
	err := s.db.Store().Get(imagePath, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tags: %w", err)
	}
	return record.Tags, nil
}

func (s *ImageStorage) SaveProvenance(ctx context.Context, provenance *models.PromptProvenance) error {
	if provenance.CreatedAt.IsZero() {
		provenance.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(provenance.ImagePath, provenance); err != nil {
		return fmt.Errorf("failed to save provenance: %w", err)
	}
	return nil
}

func (s *ImageStorage) GetProvenance(ctx context.Context, imagePath string) (*models.PromptProvenance, error) {
	var provenance models.PromptProvenance
	err := s.db.Store().Get(imagePath, &provenance)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provenance: %w", err)
	}
	return &provenance, nil
}
