// Package environment materializes a delegation's resource tree into a
// per-delegation root on disk (symlink or deep copy per resource) and
// releases it, idempotently, on teardown or crash-recovery.
package environment

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/protocol"
)

// Resource is one entry of an EnvironmentSpec to materialize.
type Resource struct {
	Name   string
	Source string
	Mode   protocol.AccessMode
	Copy   bool // true forces a deep copy instead of a symlink
}

// Manifest is the on-disk record written to <id>/env.json.
type Manifest struct {
	DelegationID string     `json:"delegationId"`
	Resources    []Resource `json:"resources"`
}

// Manager materializes and releases environment roots under baseDir.
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir, creating it if absent.
func NewManager(baseDir string) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("environment: creating base dir: %w", err)
	}
	return &Manager{baseDir: baseDir}, nil
}

func (m *Manager) rootFor(id string) string {
	return filepath.Join(m.baseDir, id)
}

// Build creates baseDir/<id>/ and, for each resource, a child named after
// the resource referring to its source — a symlink by default, a deep copy
// when resource.Copy is set by the caller. The choice is not made per
// transport: pkg/delegator never sets Copy, so its environments always hold
// symlinks.
func (m *Manager) Build(delegationID string, resources []Resource) (envRoot string, err error) {
	envRoot = m.rootFor(delegationID)
	if err := os.MkdirAll(envRoot, 0o755); err != nil {
		return "", fmt.Errorf("environment: creating root for %s: %w", delegationID, err)
	}

	for _, r := range resources {
		dst := filepath.Join(envRoot, r.Name)
		if r.Copy {
			if err := copyTree(r.Source, dst); err != nil {
				return "", fmt.Errorf("environment: copying resource %q: %w", r.Name, err)
			}
		} else {
			if err := os.Symlink(r.Source, dst); err != nil {
				return "", fmt.Errorf("environment: linking resource %q: %w", r.Name, err)
			}
		}
	}

	manifest := Manifest{DelegationID: delegationID, Resources: resources}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("environment: marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(envRoot, "env.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("environment: writing manifest: %w", err)
	}

	log.WithDelegationID(delegationID).Info().Str("envRoot", envRoot).Msg("environment built")
	return envRoot, nil
}

// Release removes the environment root tree for id. Idempotent: removing an
// already-absent root is not an error.
func (m *Manager) Release(delegationID string) error {
	root := m.rootFor(delegationID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("environment: releasing %s: %w", delegationID, err)
	}
	log.WithDelegationID(delegationID).Info().Msg("environment released")
	return nil
}

// CleanupStale removes directories under baseDir not present in knownIDs,
// used at startup to reclaim roots orphaned by a crash (spec §4.10).
func (m *Manager) CleanupStale(knownIDs []string) error {
	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("environment: reading base dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		stale := filepath.Join(m.baseDir, e.Name())
		if err := os.RemoveAll(stale); err != nil {
			log.Error(fmt.Sprintf("environment: failed to remove stale dir %s: %v", stale, err))
			continue
		}
		log.Info("environment: removed stale dir " + stale)
	}
	return nil
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s := filepath.Join(src, e.Name())
		d := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(s, d); err != nil {
				return err
			}
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(s, d, fi.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
