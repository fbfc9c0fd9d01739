package audio

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// staging is a per-run scratch directory. Its name comes from a random UUID so
// concurrent uploads never collide, whatever filename the client sent.
type staging struct {
	dir    string
	log    *slog.Logger
	remove func(string) error
}

func newStaging(root string, log *slog.Logger) (*staging, error) {
	if root == "" {
		root = os.TempDir()
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("staging id: %w", err)
	}
	dir := filepath.Join(root, "recite-"+id.String())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &staging{dir: dir, log: log, remove: os.RemoveAll}, nil
}

func (s *staging) path(name string) string {
	return filepath.Join(s.dir, name)
}

// release deletes the staging directory. Failures are logged, never returned,
// so they cannot mask the error of the run that owned the directory.
func (s *staging) release() {
	if s == nil {
		return
	}
	if err := s.remove(s.dir); err != nil {
		s.log.Warn("failed to remove staging dir", slog.String("dir", s.dir), slog.String("error", err.Error()))
	}
}
