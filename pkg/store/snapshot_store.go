package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/awcp/pkg/protocol"
)

// SnapshotStatus mirrors spec.md §3's EnvironmentSnapshot.status.
type SnapshotStatus string

const (
	SnapshotPending   SnapshotStatus = "pending"
	SnapshotApplied   SnapshotStatus = "applied"
	SnapshotDiscarded SnapshotStatus = "discarded"
)

// SnapshotMetadata is the persisted record for one staged snapshot.
type SnapshotMetadata struct {
	ID           string                    `json:"id"`
	DelegationID string                    `json:"delegationId"`
	Summary      string                    `json:"summary"`
	Highlights   []string                  `json:"highlights,omitempty"`
	Status       SnapshotStatus            `json:"status"`
	ArchivePath  string                    `json:"archivePath,omitempty"`
	FileMeta     *protocol.SnapshotMetadata `json:"fileMeta,omitempty"`
	Recommended  bool                      `json:"recommended"`
	CreatedAt    time.Time                 `json:"createdAt"`
	AppliedAt    *time.Time                `json:"appliedAt,omitempty"`
}

// SnapshotStore persists staged snapshot archives and metadata under
// <baseDir>/<delegationId>/snapshots/<snapshotId>/.
type SnapshotStore struct {
	baseDir string
}

// NewSnapshotStore opens the snapshot store rooted at baseDir.
func NewSnapshotStore(baseDir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating snapshot base dir: %w", err)
	}
	return &SnapshotStore{baseDir: baseDir}, nil
}

func (s *SnapshotStore) dir(delegationID, snapshotID string) string {
	return filepath.Join(s.baseDir, delegationID, "snapshots", snapshotID)
}

// Stage writes archiveBytes and metadata for a `staged` policy snapshot.
func (s *SnapshotStore) Stage(meta SnapshotMetadata, archiveBytes []byte) error {
	dir := s.dir(meta.DelegationID, meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating snapshot dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "snapshot.zip"), archiveBytes, 0o644); err != nil {
		return fmt.Errorf("store: writing snapshot archive: %w", err)
	}
	return s.SaveMetadata(meta)
}

// SaveMetadata writes/overwrites metadata.json for a snapshot.
func (s *SnapshotStore) SaveMetadata(meta SnapshotMetadata) error {
	dir := s.dir(meta.DelegationID, meta.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshaling snapshot metadata: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644)
}

// LoadMetadata reads metadata.json for one snapshot.
func (s *SnapshotStore) LoadMetadata(delegationID, snapshotID string) (SnapshotMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(delegationID, snapshotID), "metadata.json"))
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("store: reading snapshot metadata: %w", err)
	}
	var meta SnapshotMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("store: unmarshaling snapshot metadata: %w", err)
	}
	return meta, nil
}

// LoadArchive reads the staged archive bytes for one snapshot, as raw ZIP
// bytes (LoadArchiveBase64 returns them base64 encoded).
func (s *SnapshotStore) LoadArchive(delegationID, snapshotID string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir(delegationID, snapshotID), "snapshot.zip"))
}

// LoadArchiveBase64 is a convenience wrapper over LoadArchive.
func (s *SnapshotStore) LoadArchiveBase64(delegationID, snapshotID string) (string, error) {
	data, err := s.LoadArchive(delegationID, snapshotID)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ListForDelegation returns every snapshot id staged for delegationID.
func (s *SnapshotStore) ListForDelegation(delegationID string) ([]string, error) {
	dir := filepath.Join(s.baseDir, delegationID, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: listing snapshots for %s: %w", delegationID, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// ReleaseDelegation removes all snapshot data for delegationID.
func (s *SnapshotStore) ReleaseDelegation(delegationID string) error {
	dir := filepath.Join(s.baseDir, delegationID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("store: releasing snapshots for %s: %w", delegationID, err)
	}
	return nil
}
