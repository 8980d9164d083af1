// Package scratch manages the per-message working directories stages use for
// transient files.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/user/fission"
	"github.com/user/fission/pkg/logger"
)

// DefaultRoot is used when no working directory is configured.
const DefaultRoot = "/tmp/fission"

// Space is the scratch area of one service.
type Space struct {
	fs     afero.Fs
	root   string
	logger fission.Logger
}

// New returns a Space rooted at root, or at DefaultRoot/<service> when root is empty.
// A nil fs uses the OS filesystem.
func New(fs afero.Fs, root, service string, log fission.Logger) *Space {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if log == nil {
		log = logger.Nop{}
	}
	if root == "" {
		root = filepath.Join(DefaultRoot, service)
	}
	return &Space{fs: fs, root: root, logger: log}
}

// Root returns the directory holding every message directory.
func (s *Space) Root() string {
	return s.root
}

func (s *Space) path(messageID string) (string, error) {
	clean := filepath.Clean(messageID)
	if messageID == "" || clean == "." || strings.ContainsRune(clean, filepath.Separator) || clean == ".." {
		return "", fmt.Errorf("invalid message id %q", messageID)
	}
	return filepath.Join(s.root, clean), nil
}

// Prepare creates the working directory for messageID if needed and returns its path.
func (s *Space) Prepare(messageID string) (string, error) {
	path, err := s.path(messageID)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	return path, nil
}

// Clean removes the working directory for messageID. Missing directories are
// ignored and failures are logged, never returned.
func (s *Space) Clean(messageID string) {
	path, err := s.path(messageID)
	if err != nil {
		return
	}
	if err := s.fs.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to clean working directory", "path", path, "error", err)
		return
	}
	s.logger.Debug("Cleaned working directory", "path", path)
}

// Sweep removes message directories not modified within maxAge and returns
// how many were removed.
func (s *Space) Sweep(maxAge time.Duration) int {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to list working directories", "root", s.root, "error", err)
		}
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		if err := s.fs.RemoveAll(path); err != nil {
			s.logger.Warn("Failed to sweep working directory", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("Swept stale working directories", "root", s.root, "count", removed)
	}
	return removed
}
