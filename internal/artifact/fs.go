package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSStore serves archives from a directory tree. Keys are slash-separated
// relative paths; anything resolving outside the root is rejected.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("artifact: empty key")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact: key %q escapes the store root", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Fetch(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifact: %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: open %q: %w", key, err)
	}
	return f, nil
}

// Put writes an archive under key, creating parent directories as needed.
// Writes land under a temp name and are renamed into place.
func (s *FSStore) Put(_ context.Context, key string, src io.Reader) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("artifact: temp file for %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: close %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("artifact: store %q: %w", key, err)
	}
	return nil
}
