package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileRestoreStore persists each strategy's restore token as a plain file
// under a directory, one file per strategy name — the same file-drop
// pattern the teacher uses for its PipeWire node-id/fd handoff
// (session_portal.go's "/tmp/pipewire-node-id") generalized from a single
// fixed path into one file per strategy.
type FileRestoreStore struct {
	dir string
}

// NewFileRestoreStore builds a store rooted at dir, creating it if absent.
func NewFileRestoreStore(dir string) (*FileRestoreStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create restore token dir: %w", err)
	}
	return &FileRestoreStore{dir: dir}, nil
}

func (s *FileRestoreStore) path(strategyName string) string {
	return filepath.Join(s.dir, strategyName+".token")
}

func (s *FileRestoreStore) Load(strategyName string) (string, bool) {
	data, err := os.ReadFile(s.path(strategyName))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (s *FileRestoreStore) Save(strategyName, token string) error {
	if err := os.WriteFile(s.path(strategyName), []byte(token), 0o644); err != nil {
		return fmt.Errorf("write restore token: %w", err)
	}
	return nil
}
