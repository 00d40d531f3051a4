package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore reads secrets from a YAML document mapping scope to
// name/value pairs. The file is re-read on every lookup so rotated
// values take effect without a restart.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("secret file path is required")
	}
	s := &FileStore{path: path}
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, name, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes, err := s.load()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	values, ok := scopes[scope]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	value, ok := values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

func (s *FileStore) load() (map[string]map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	var scopes map[string]map[string]string
	if err := yaml.Unmarshal(data, &scopes); err != nil {
		return nil, fmt.Errorf("parse secret file: %w", err)
	}
	return scopes, nil
}
