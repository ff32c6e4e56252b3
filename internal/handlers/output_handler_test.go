package handlers

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/storage/files"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func seedOutput(t *testing.T, h *harness, jobID, relPath string, data []byte) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.storage.JobStorage().GetJob(ctx, jobID); err != nil {
		require.NoError(t, h.storage.JobStorage().CreateJob(ctx, &models.Job{
			ID: jobID, WorkflowID: "wf_1", Status: models.JobStatusCompleted, CreatedAt: time.Now(),
		}, nil))
	}
	_, err := h.files.Write(relPath, data)
	require.NoError(t, err)
	require.NoError(t, h.storage.OutputStorage().AddOutput(ctx, &models.JobOutput{
		JobID: jobID, ImagePath: relPath, OriginalFilename: "out.png",
		ContentHash: files.HashBytes(data), CreatedAt: time.Now(),
	}))
}

func TestOutputHandler_DeleteBlacklistsAndNotifies(t *testing.T) {
	h := newHarness(t)
	data := pngBytes(t, 8, 8)
	seedOutput(t, h, "job_a", "run/out.png", data)
	seedOutput(t, h, "job_b", "run/out.png", data)

	rec := call(h.outputs.DeleteOutputHandler, "DELETE", "/api/outputs?path=run/out.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		ContentHash string   `json:"content_hash"`
		Jobs        []string `json:"jobs"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, files.HashBytes(data), body.ContentHash)
	assert.ElementsMatch(t, []string{"job_a", "job_b"}, body.Jobs)

	blacklisted, err := h.storage.ImageStorage().IsBlacklisted(context.Background(), body.ContentHash)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	_, ok := h.files.Locate("run/out.png")
	assert.False(t, ok)
	assert.Len(t, h.broadcaster.Messages("job_update"), 2)

	// The path is gone from disk but the recorded hash still identifies it
	rec = call(h.outputs.DeleteOutputHandler, "DELETE", "/api/outputs?path=run/out.png", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOutputHandler_DeleteRejectsBadPaths(t *testing.T) {
	h := newHarness(t)

	rec := call(h.outputs.DeleteOutputHandler, "DELETE", "/api/outputs?path=../etc/passwd", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h.outputs.DeleteOutputHandler, "DELETE", "/api/outputs", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = call(h.outputs.DeleteOutputHandler, "DELETE", "/api/outputs?path=run/never.png", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputHandler_TagsAndMeta(t *testing.T) {
	h := newHarness(t)
	seedOutput(t, h, "job_a", "run/out.png", pngBytes(t, 4, 4))

	rec := call(h.outputs.SetTagsHandler, "PUT", "/api/outputs/tags?path=run/out.png", "application/json", `{"tags": ["fox", "forest"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(h.outputs.GetOutputMetaHandler, "GET", "/api/outputs/meta?path=run/out.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var meta OutputMeta
	decodeBody(t, rec, &meta)
	assert.Equal(t, []string{"fox", "forest"}, meta.Tags)
	assert.Equal(t, []string{"job_a"}, meta.Jobs)
	assert.Nil(t, meta.Provenance)

	rec = call(h.outputs.GetOutputMetaHandler, "GET", "/api/outputs/meta?path=run/other.png", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputHandler_ServeImageAndThumbnail(t *testing.T) {
	h := newHarness(t)
	data := pngBytes(t, 64, 32)
	seedOutput(t, h, "job_a", "run/out.png", data)

	rec := call(h.outputs.ServeImageHandler, "GET", "/api/images/run/out.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	rec = call(h.outputs.ServeImageHandler, "GET", "/api/images/run/missing.png", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = call(h.outputs.ServeThumbnailHandler, "GET", "/api/thumbnails/run/out.png", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	thumb, _, err := image.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16, thumb.Bounds().Dx())
	assert.Equal(t, 8, thumb.Bounds().Dy())
}
