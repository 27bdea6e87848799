package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/deixis/extbuild/internal/supervisor"
)

// DiskStore writes results as JSON files to a lazily-created temp
// directory. Close removes the directory.
type DiskStore struct {
	mu  sync.Mutex
	dir string
}

// NewDiskStore creates a new DiskStore. The underlying temp directory
// is created lazily on the first Save.
func NewDiskStore() *DiskStore {
	return &DiskStore{}
}

// Save writes a result as a JSON file to disk.
func (s *DiskStore) Save(result *supervisor.Result) error {
	if result.RunID == "" {
		return errNoRunID
	}
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshalling result %s: %w", result.RunID, err)
	}
	path := filepath.Join(dir, result.RunID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing result %s: %w", result.RunID, err)
	}
	return nil
}

// Load reads a result from disk.
func (s *DiskStore) Load(runID string) (*supervisor.Result, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, runID+".json"))
	if err != nil {
		return nil, fmt.Errorf("reading result %s: %w", runID, err)
	}
	var result supervisor.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshalling result %s: %w", runID, err)
	}
	return &result, nil
}

// Close removes the result directory and everything in it.
func (s *DiskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

func (s *DiskStore) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		return s.dir, nil
	}
	dir, err := os.MkdirTemp("", "extbuild-runs-*")
	if err != nil {
		return "", fmt.Errorf("creating result directory: %w", err)
	}
	s.dir = dir
	return dir, nil
}
