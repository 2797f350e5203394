// Package recordings manages the directory capture artifacts are written to.
package recordings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
)

// ErrNotFound is returned for a recording that does not exist
var ErrNotFound = errors.New("recording not found")

// Store lists and resolves recordings in a single directory
type Store struct {
	dir string
}

// NewStore creates the directory if it doesn't exist
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the recordings directory
func (s *Store) Dir() string {
	return s.dir
}

// List returns the names of the regular files in the directory, sorted
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Path resolves name to an existing recording
func (s *Store) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// ValidateName rejects names that could escape the directory or hide
// files. Failures are failure.KindInvalidRequest.
func ValidateName(name string) error {
	var reason string
	switch {
	case name == "":
		reason = "filename is empty"
	case strings.ContainsAny(name, `/\`):
		reason = "filename must not contain path separators"
	case strings.ContainsRune(name, 0):
		reason = "filename must not contain NUL"
	case strings.HasPrefix(name, "."):
		reason = "filename must not start with a dot"
	case len(name) > 255:
		reason = "filename is too long"
	default:
		return nil
	}
	return failure.New(failure.KindInvalidRequest, "validate filename", fmt.Errorf("%s: %q", reason, name))
}
