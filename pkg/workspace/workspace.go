// Package workspace allocates and releases the executor-side work path for
// one assignment under a configured workDir root — the executor's mirror of
// the delegator's environment.Manager, grounded on the same mkdir/stat/
// RemoveAll idiom but scoped to a single directory per assignment rather
// than a tree of symlinked resources.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/protocol"
)

// Manager allocates assignment work paths under a root workDir.
type Manager struct {
	workDir string
}

// NewManager creates a Manager rooted at workDir, creating it if absent.
func NewManager(workDir string) (*Manager, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving workDir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating workDir: %w", err)
	}
	return &Manager{workDir: abs}, nil
}

// Allocate returns the work path for id without creating it.
func (m *Manager) Allocate(id string) string {
	return filepath.Join(m.workDir, id)
}

// Validate confirms path is beneath the manager's workDir — guards against
// a malformed or adversarial id producing a path outside it (spec
// WORKDIR_DENIED).
func (m *Manager) Validate(path string) error {
	rel, err := filepath.Rel(m.workDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return protocol.NewError(protocol.ErrWorkdirDenied, fmt.Sprintf("work path %s escapes workDir", path), "")
	}
	return nil
}

// Prepare creates path fresh and verifies it is empty, as START requires
// (spec §4.9: "Prepare the workspace directory (must exist and be empty)").
func (m *Manager) Prepare(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to create work path")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return protocol.NewError(protocol.ErrTransportError, err.Error(), "failed to inspect work path")
	}
	if len(entries) > 0 {
		return protocol.NewError(protocol.ErrTransportError, "work path is not empty", path)
	}
	return nil
}

// Release removes path. Idempotent.
func (m *Manager) Release(id string) error {
	path := m.Allocate(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("workspace: releasing %s: %w", id, err)
	}
	log.WithAssignmentID(id).Info().Msg("workspace released")
	return nil
}

// CleanupStale removes directories directly under workDir not present in
// knownIDs, mirroring environment.Manager.CleanupStale for crash recovery.
func (m *Manager) CleanupStale(knownIDs []string) error {
	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	entries, err := os.ReadDir(m.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: reading workDir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == ".awcp" || known[e.Name()] {
			continue
		}
		stale := filepath.Join(m.workDir, e.Name())
		if err := os.RemoveAll(stale); err != nil {
			log.Error(fmt.Sprintf("workspace: failed to remove stale dir %s: %v", stale, err))
			continue
		}
		log.Info("workspace: removed stale dir " + stale)
	}
	return nil
}

// WorkDir returns the manager's root directory.
func (m *Manager) WorkDir() string {
	return m.workDir
}
