package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/files"
)

// OutputMeta is the curation data attached to one output image
type OutputMeta struct {
	ImagePath  string                   `json:"image_path"`
	Tags       []string                 `json:"tags"`
	Provenance *models.PromptProvenance `json:"provenance,omitempty"`
	Jobs       []string                 `json:"jobs"`
}

// TagsRequest is the body of PUT /api/outputs/tags
type TagsRequest struct {
	Tags []string `json:"tags"`
}

// OutputHandler serves, curates and deletes materialised outputs
type OutputHandler struct {
	storage interfaces.StorageManager
	files   *files.Store
	thumbs  Thumbnailer
	views   JobViewer
	logger  arbor.ILogger
}

// NewOutputHandler creates a new output handler
func NewOutputHandler(storage interfaces.StorageManager, fileStore *files.Store, thumbs Thumbnailer, views JobViewer, logger arbor.ILogger) *OutputHandler {
	return &OutputHandler{
		storage: storage,
		files:   fileStore,
		thumbs:  thumbs,
		views:   views,
		logger:  logger,
	}
}

// DeleteOutputHandler blacklists the file's content hash and removes it from disk. Jobs that
// recorded the path are re-broadcast so clients see the output disappear.
// DELETE /api/outputs?path=subfolder/file.png
func (h *OutputHandler) DeleteOutputHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	relPath := r.URL.Query().Get("path")
	if _, err := files.Clean(relPath); err != nil {
		WriteError(w, http.StatusBadRequest, "A valid relative path is required")
		return
	}

	ctx := r.Context()
	outputs, err := h.storage.OutputStorage().ListOutputsByPath(ctx, relPath)
	if err != nil {
		h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to look up output")
		WriteError(w, http.StatusInternalServerError, "Failed to look up output")
		return
	}

	hash := ""
	if absPath, ok := h.files.Locate(relPath); ok {
		if hash, err = files.HashFile(absPath); err != nil {
			h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to hash output")
			WriteError(w, http.StatusInternalServerError, "Failed to read output")
			return
		}
	} else {
		for _, output := range outputs {
			if output.ContentHash != "" {
				hash = output.ContentHash
				break
			}
		}
	}
	if hash == "" {
		WriteError(w, http.StatusNotFound, "Output not found")
		return
	}

	entry := &models.BlacklistEntry{ContentHash: hash, ImagePath: relPath, DeletedAt: time.Now()}
	if err := h.storage.ImageStorage().AddToBlacklist(ctx, entry); err != nil {
		h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to blacklist output")
		WriteError(w, http.StatusInternalServerError, "Failed to delete output")
		return
	}
	if err := h.files.Remove(relPath); err != nil {
		h.logger.Warn().Err(err).Str("image_path", relPath).Msg("Failed to remove output file")
	}
	if err := h.thumbs.Remove(relPath); err != nil {
		h.logger.Warn().Err(err).Str("image_path", relPath).Msg("Failed to remove thumbnail")
	}

	jobIDs := jobIDsOf(outputs)
	for _, jobID := range jobIDs {
		h.views.Notify(ctx, jobID)
	}

	h.logger.Info().Str("image_path", relPath).Str("content_hash", hash).Int("jobs", len(jobIDs)).Msg("Output deleted")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "success",
		"image_path":   relPath,
		"content_hash": hash,
		"jobs":         jobIDs,
	})
}

// GetOutputMetaHandler returns tags, provenance and the jobs that recorded an output
// GET /api/outputs/meta?path=subfolder/file.png
func (h *OutputHandler) GetOutputMetaHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	relPath := r.URL.Query().Get("path")
	if _, err := files.Clean(relPath); err != nil {
		WriteError(w, http.StatusBadRequest, "A valid relative path is required")
		return
	}

	ctx := r.Context()
	outputs, err := h.storage.OutputStorage().ListOutputsByPath(ctx, relPath)
	if err != nil {
		h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to look up output")
		WriteError(w, http.StatusInternalServerError, "Failed to look up output")
		return
	}
	tags, err := h.storage.ImageStorage().GetTags(ctx, relPath)
	if err != nil {
		h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to load tags")
		WriteError(w, http.StatusInternalServerError, "Failed to load tags")
		return
	}
	provenance, err := h.storage.ImageStorage().GetProvenance(ctx, relPath)
	if err != nil {
		h.logger.Warn().Err(err).Str("image_path", relPath).Msg("Failed to load provenance")
	}

	if len(outputs) == 0 && len(tags) == 0 && provenance == nil {
		WriteError(w, http.StatusNotFound, "Output not found")
		return
	}
	if tags == nil {
		tags = []string{}
	}

	WriteJSON(w, http.StatusOK, OutputMeta{
		ImagePath:  relPath,
		Tags:       tags,
		Provenance: provenance,
		Jobs:       jobIDsOf(outputs),
	})
}

// SetTagsHandler replaces the tag list of an output
// PUT /api/outputs/tags?path=subfolder/file.png
func (h *OutputHandler) SetTagsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	relPath := r.URL.Query().Get("path")
	if _, err := files.Clean(relPath); err != nil {
		WriteError(w, http.StatusBadRequest, "A valid relative path is required")
		return
	}

	var req TagsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.storage.ImageStorage().SetTags(r.Context(), relPath, req.Tags); err != nil {
		h.logger.Error().Err(err).Str("image_path", relPath).Msg("Failed to save tags")
		WriteError(w, http.StatusInternalServerError, "Failed to save tags")
		return
	}

	tags, err := h.storage.ImageStorage().GetTags(r.Context(), relPath)
	if err != nil || tags == nil {
		tags = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"image_path": relPath,
		"tags":       tags,
	})
}

// ServeImageHandler serves a materialised output from the primary or secondary directory
// GET /api/images/{path...}
func (h *OutputHandler) ServeImageHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	relPath := PathRest(r, "/api/images/")
	absPath, ok := h.files.Locate(relPath)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, absPath)
}

// ServeThumbnailHandler serves a JPEG thumbnail, rendering it on first request
// GET /api/thumbnails/{path...}
func (h *OutputHandler) ServeThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	relPath := PathRest(r, "/api/thumbnails/")
	absPath, ok := h.files.Locate(relPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	thumbPath, err := h.thumbs.Ensure(absPath, relPath)
	if err != nil {
		h.logger.Warn().Err(err).Str("image_path", relPath).Msg("Thumbnail unavailable, serving original")
		thumbPath = absPath
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, thumbPath)
}

func jobIDsOf(outputs []*models.JobOutput) []string {
	seen := make(map[string]bool, len(outputs))
	jobIDs := make([]string, 0, len(outputs))
	for _, output := range outputs {
		if seen[output.JobID] {
			continue
		}
		seen[output.JobID] = true
		jobIDs = append(jobIDs, output.JobID)
	}
	return jobIDs
}
