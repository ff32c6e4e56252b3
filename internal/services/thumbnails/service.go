// Package thumbnails renders JPEG previews of materialised outputs.
package thumbnails

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vellum/internal/storage/files"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const defaultSize = 320

// Service writes thumbnails under dir, mirroring the output's relative path with a .jpg extension
type Service struct {
	dir    string
	size   int
	logger arbor.ILogger
}

// NewService creates a thumbnail service. size is the longest edge in pixels.
func NewService(dir string, size int, logger arbor.ILogger) *Service {
	if size <= 0 {
		size = defaultSize
	}
	return &Service{dir: dir, size: size, logger: logger}
}

// Path returns where the thumbnail for relPath lives
func (s *Service) Path(relPath string) (string, error) {
	native, err := files.Clean(relPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, strings.TrimSuffix(native, filepath.Ext(native))+".jpg"), nil
}

// Hook matches the finisher's output hook. Failures are logged; a missing thumbnail is rebuilt
// on demand by Ensure.
func (s *Service) Hook(ctx context.Context, absPath, relPath string) {
	if _, err := s.Generate(absPath, relPath); err != nil {
		s.logger.Warn().Err(err).Str("image_path", relPath).Msg("Thumbnail generation failed")
	}
}

// Ensure returns the thumbnail path, generating it from absPath when it does not exist yet
func (s *Service) Ensure(absPath, relPath string) (string, error) {
	target, err := s.Path(relPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	return s.Generate(absPath, relPath)
}

// Generate scales the source image so its longest edge is at most the configured size
func (s *Service) Generate(absPath, relPath string) (string, error) {
	target, err := s.Path(relPath)
	if err != nil {
		return "", err
	}

	src, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", relPath, err)
	}

	bounds := Fit(img.Bounds().Dx(), img.Bounds().Dy(), s.size)
	dst := image.NewRGBA(bounds)
	draw.CatmullRom.Scale(dst, bounds, img, img.Bounds(), draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(out, dst, &jpeg.Options{Quality: 85}); err != nil {
		out.Close()
		os.Remove(target)
		return "", fmt.Errorf("failed to encode thumbnail for %s: %w", relPath, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	s.logger.Debug().Str("image_path", relPath).Str("thumbnail", target).Msg("Thumbnail written")
	return target, nil
}

// Remove deletes the thumbnail for relPath if present
func (s *Service) Remove(relPath string) error {
	target, err := s.Path(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Fit returns the rectangle that keeps the aspect ratio with the longest edge at most size.
// Images already small enough are not enlarged.
func Fit(width, height, size int) image.Rectangle {
	if width <= size && height <= size {
		return image.Rect(0, 0, width, height)
	}
	if width >= height {
		h := max(1, height*size/width)
		return image.Rect(0, 0, size, h)
	}
	w := max(1, width*size/height)
	return image.Rect(0, 0, w, size)
}
