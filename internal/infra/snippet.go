package infra

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fpt/klein-relay/internal/repository"
)

// FileSnippetRepository keeps snippets in memory and rewrites a JSON file
// on every change
type FileSnippetRepository struct {
	mu       sync.RWMutex
	snippets map[string]repository.Snippet
	filePath string // empty for in-memory only
}

// NewFileSnippetRepository loads snippets from filePath. A missing file
// starts empty; an empty filePath never touches disk.
func NewFileSnippetRepository(filePath string) (*FileSnippetRepository, error) {
	r := &FileSnippetRepository{snippets: make(map[string]repository.Snippet), filePath: filePath}
	if filePath == "" {
		return r, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("failed to read snippets file %s: %w", filePath, err)
	}
	if err := json.Unmarshal(data, &r.snippets); err != nil {
		return nil, fmt.Errorf("failed to parse snippets from %s: %w", filePath, err)
	}
	if r.snippets == nil {
		r.snippets = make(map[string]repository.Snippet)
	}
	return r, nil
}

// NewInMemorySnippetRepository creates a repository that is never persisted
func NewInMemorySnippetRepository() *FileSnippetRepository {
	r, _ := NewFileSnippetRepository("")
	return r
}

func (r *FileSnippetRepository) Get(key string) (repository.Snippet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snippet, ok := r.snippets[key]
	return snippet, ok
}

func (r *FileSnippetRepository) Set(key string, snippet repository.Snippet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snippets[key] = snippet
	return r.saveLocked()
}

func (r *FileSnippetRepository) Delete(key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snippets[key]; !ok {
		return false, nil
	}
	delete(r.snippets, key)
	return true, r.saveLocked()
}

// Keys returns the snippet keys in sorted order
func (r *FileSnippetRepository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.snippets))
}

func (r *FileSnippetRepository) saveLocked() error {
	if r.filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create snippets directory: %w", err)
	}
	data, err := json.MarshalIndent(r.snippets, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize snippets: %w", err)
	}
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snippets file: %w", err)
	}
	return os.Rename(tmp, r.filePath)
}
