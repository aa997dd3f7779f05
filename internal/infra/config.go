package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileConfigRepository reads and writes the relay config file
type FileConfigRepository struct {
	path string
}

// InMemoryConfigRepository keeps the config in memory; tests use it
type InMemoryConfigRepository struct {
	mu   sync.Mutex
	data []byte
}

// NewFileConfigRepository creates a repository backed by path
func NewFileConfigRepository(path string) *FileConfigRepository {
	return &FileConfigRepository{path: path}
}

// NewInMemoryConfigRepository creates a repository holding data
func NewInMemoryConfigRepository(data []byte) *InMemoryConfigRepository {
	return &InMemoryConfigRepository{data: data}
}

func (fr *FileConfigRepository) Load() ([]byte, error) {
	if _, err := os.Stat(fr.path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s: %w", fr.path, err)
	}

	data, err := os.ReadFile(fr.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func (fr *FileConfigRepository) Save(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(fr.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// write then rename so a watcher never sees a half-written file
	tmp := fr.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, fr.path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

func (fr *FileConfigRepository) Path() string { return fr.path }

func (mr *InMemoryConfigRepository) Load() ([]byte, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.data == nil {
		return nil, fmt.Errorf("no data stored in memory repository")
	}
	return append([]byte(nil), mr.data...), nil
}

func (mr *InMemoryConfigRepository) Save(data []byte) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.data = append([]byte(nil), data...)
	return nil
}

func (mr *InMemoryConfigRepository) Path() string { return "" }
