package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/awcp/pkg/assignment"
)

// AssignmentStore persists Assignment records under
// <workDir>/.awcp/assignments (per spec.md §6 filesystem layout).
type AssignmentStore struct {
	dir string
}

// NewAssignmentStore opens the assignment store rooted at workDir.
func NewAssignmentStore(workDir string) (*AssignmentStore, error) {
	dir := filepath.Join(workDir, ".awcp", "assignments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating assignments dir: %w", err)
	}
	return &AssignmentStore{dir: dir}, nil
}

func (s *AssignmentStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes a to <id>.json.
func (s *AssignmentStore) Save(a *assignment.Assignment) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling assignment %s: %w", a.ID, err)
	}
	if err := os.WriteFile(s.path(a.ID), data, 0o644); err != nil {
		return fmt.Errorf("store: writing assignment %s: %w", a.ID, err)
	}
	return nil
}

// Load reads the record for id.
func (s *AssignmentStore) Load(id string) (*assignment.Assignment, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("store: reading assignment %s: %w", id, err)
	}
	var a assignment.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: unmarshaling assignment %s: %w", id, err)
	}
	return &a, nil
}

// Delete removes the record for id. Idempotent.
func (s *AssignmentStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: deleting assignment %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every persisted assignment record, used at startup.
func (s *AssignmentStore) LoadAll() ([]*assignment.Assignment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: listing assignments dir: %w", err)
	}

	var out []*assignment.Assignment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		a, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
