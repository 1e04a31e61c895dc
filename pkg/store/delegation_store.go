// Package store persists delegation and assignment records as one JSON file
// per id under a base directory, and reloads them at startup (spec §4.10).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/awcp/pkg/delegation"
)

// DelegationStore persists Delegation records under <baseDir>/delegations.
type DelegationStore struct {
	dir string
}

// NewDelegationStore opens (creating if absent) the delegation store rooted
// at baseDir.
func NewDelegationStore(baseDir string) (*DelegationStore, error) {
	dir := filepath.Join(baseDir, "delegations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating delegations dir: %w", err)
	}
	return &DelegationStore{dir: dir}, nil
}

func (s *DelegationStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes d to <id>.json, overwriting any existing record.
func (s *DelegationStore) Save(d *delegation.Delegation) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling delegation %s: %w", d.ID, err)
	}
	if err := os.WriteFile(s.path(d.ID), data, 0o644); err != nil {
		return fmt.Errorf("store: writing delegation %s: %w", d.ID, err)
	}
	return nil
}

// Load reads the record for id.
func (s *DelegationStore) Load(id string) (*delegation.Delegation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("store: reading delegation %s: %w", id, err)
	}
	var d delegation.Delegation
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("store: unmarshaling delegation %s: %w", id, err)
	}
	return &d, nil
}

// Delete removes the record for id. Idempotent.
func (s *DelegationStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: deleting delegation %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every persisted delegation record, used at startup.
func (s *DelegationStore) LoadAll() ([]*delegation.Delegation, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: listing delegations dir: %w", err)
	}

	var out []*delegation.Delegation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		d, err := s.Load(id)
		if err != nil {
			continue // corrupt record; skip rather than fail the whole recovery
		}
		out = append(out, d)
	}
	return out, nil
}
