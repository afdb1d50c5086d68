package blob

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/labmesh/backend/pkg/logger"
)

// Store is a local-disk blob store keyed by the storage path recorded on a
// project file.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	logger.Info("Blob store initialized", zap.String("root", root))
	return &Store{root: root}, nil
}

func (s *Store) Download(storagePath string) ([]byte, error) {
	full, err := s.resolve(storagePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", storagePath, err)
	}
	return data, nil
}

func (s *Store) Upload(storagePath string, data []byte) error {
	full, err := s.resolve(storagePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob %s: %w", storagePath, err)
	}
	return nil
}

func (s *Store) resolve(storagePath string) (string, error) {
	clean := filepath.Clean("/" + storagePath)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("invalid storage path %q", storagePath)
	}
	return filepath.Join(s.root, clean), nil
}
