// Package files stores materialised engine outputs on local disk under a primary directory with a
// secondary fallback. Paths handed in are engine-relative (subfolder/filename, forward slashes).
package files

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

// Store resolves relative output paths against the configured directories
type Store struct {
	primary   string
	secondary string
}

// NewStore creates a store. secondary may be empty.
func NewStore(primary, secondary string) *Store {
	return &Store{primary: primary, secondary: secondary}
}

// Primary returns the primary directory
func (s *Store) Primary() string {
	return s.primary
}

// Clean validates a relative path and converts it to the OS form.
// Absolute paths and paths escaping the root are rejected.
func Clean(relPath string) (string, error) {
	native := filepath.Clean(filepath.FromSlash(relPath))
	if relPath == "" || !filepath.IsLocal(native) {
		return "", fmt.Errorf("invalid output path %q", relPath)
	}
	return native, nil
}

func (s *Store) roots() []string {
	roots := []string{s.primary}
	if s.secondary != "" && s.secondary != s.primary {
		roots = append(roots, s.secondary)
	}
	return roots
}

// Locate returns the absolute path of an existing file, checking primary then secondary
func (s *Store) Locate(relPath string) (string, bool) {
	native, err := Clean(relPath)
	if err != nil {
		return "", false
	}
	for _, root := range s.roots() {
		candidate := filepath.Join(root, native)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

// Write stores data under the primary directory, falling back to the secondary one
func (s *Store) Write(relPath string, data []byte) (string, error) {
	native, err := Clean(relPath)
	if err != nil {
		return "", err
	}

	var errs *multierror.Error
	for _, root := range s.roots() {
		target := filepath.Join(root, native)
		if err := writeFile(target, data); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", root, err))
			continue
		}
		return target, nil
	}
	return "", fmt.Errorf("failed to write output %s: %w", relPath, errs.ErrorOrNil())
}

func writeFile(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp := target + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// Remove deletes the file from every directory that holds it
func (s *Store) Remove(relPath string) error {
	native, err := Clean(relPath)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, root := range s.roots() {
		if err := os.Remove(filepath.Join(root, native)); err != nil && !os.IsNotExist(err) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// HashBytes returns the hex sha256 of data
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex sha256 of a file's contents
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
