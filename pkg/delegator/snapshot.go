package delegator

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/cuemby/awcp/pkg/delegation"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
)

// handleSnapshot implements spec.md §4.8: dispatch a `snapshot` SSE event to
// the delegation's configured policy (auto / staged / discard).
func (s *Service) handleSnapshot(ctx context.Context, rec delegation.Delegation, dt transport.DelegatorTransport, event protocol.TaskEvent) error {
	data, err := base64.StdEncoding.DecodeString(event.SnapshotBase64)
	if err != nil {
		return protocol.NewError(protocol.ErrTransportError, err.Error(), "snapshot is not valid base64")
	}

	meta := store.SnapshotMetadata{
		ID:           event.SnapshotID,
		DelegationID: rec.ID,
		Summary:      event.Summary,
		Highlights:   event.Highlights,
		Recommended:  event.Recommended,
		CreatedAt:    time.Now(),
	}
	if event.SnapshotMeta != nil {
		meta.FileMeta = event.SnapshotMeta
	}

	s.mu.Lock()
	m := s.machines[rec.ID]
	s.mu.Unlock()

	switch rec.Snapshot {
	case protocol.SnapshotDiscard:
		meta.Status = store.SnapshotDiscarded
		if err := s.cfg.SnapshotStore.SaveMetadata(meta); err != nil {
			return err
		}
		return s.appendSnapshot(m, meta.ID)

	case protocol.SnapshotStaged:
		meta.Status = store.SnapshotPending
		if err := s.cfg.SnapshotStore.Stage(meta, data); err != nil {
			return err
		}
		return s.appendSnapshot(m, meta.ID)

	default: // auto
		var rwResources []transport.Resource
		for _, r := range rec.Environment.Resources {
			if r.Mode == protocol.AccessReadWrite {
				rwResources = append(rwResources, transport.Resource{Name: r.Name, Source: r.Source, Mode: r.Mode})
			}
		}
		if dt != nil {
			if err := dt.ApplySnapshot(ctx, rec.ID, data, rwResources); err != nil {
				return err
			}
		}
		now := time.Now()
		meta.Status = store.SnapshotApplied
		meta.AppliedAt = &now
		if err := s.cfg.SnapshotStore.SaveMetadata(meta); err != nil {
			return err
		}
		if err := s.appendSnapshot(m, meta.ID); err != nil {
			return err
		}
		m.Mutate(func(d *delegation.Delegation) {
			d.AppliedSnapshotID = meta.ID
		})
		return nil
	}
}

// appendSnapshot records snapshotID on the delegation's Snapshots list
// (invariant 5: append-only) without firing a state transition.
func (s *Service) appendSnapshot(m *delegation.Machine, snapshotID string) error {
	m.Mutate(func(d *delegation.Delegation) {
		d.Snapshots = append(d.Snapshots, snapshotID)
	})
	return nil
}

// ApplySnapshot implements the POST .../snapshots/:id/apply endpoint for a
// `staged` policy snapshot: extract it into the rw resources and mark it
// applied. Per invariant 5, at most one snapshot may be applied: applying a
// different snapshot to a delegation that already has one applied returns
// ILLEGAL_TRANSITION, and a previously `applied` snapshot is never
// re-applied (idempotent: a second call is a no-op that returns nil).
func (s *Service) ApplySnapshot(ctx context.Context, delegationID, snapshotID string) error {
	rec, ok := s.Get(delegationID)
	if !ok {
		return protocol.NewError(protocol.ErrNotFound, "unknown delegation: "+delegationID, "")
	}
	meta, err := s.cfg.SnapshotStore.LoadMetadata(delegationID, snapshotID)
	if err != nil {
		return protocol.NewError(protocol.ErrNotFound, "unknown snapshot: "+snapshotID, "")
	}
	if meta.Status == store.SnapshotApplied {
		return nil
	}
	if rec.AppliedSnapshotID != "" && rec.AppliedSnapshotID != snapshotID {
		return protocol.NewError(protocol.ErrIllegalTransition, "delegation already has an applied snapshot: "+rec.AppliedSnapshotID, "")
	}

	archive, err := s.cfg.SnapshotStore.LoadArchive(delegationID, snapshotID)
	if err != nil {
		return err
	}

	var rwResources []transport.Resource
	for _, r := range rec.Environment.Resources {
		if r.Mode == protocol.AccessReadWrite {
			rwResources = append(rwResources, transport.Resource{Name: r.Name, Source: r.Source, Mode: r.Mode})
		}
	}
	dt, ok := s.cfg.Transports.Get(rec.TransportKind)
	if ok {
		if err := dt.ApplySnapshot(ctx, delegationID, archive, rwResources); err != nil {
			return err
		}
	}

	now := time.Now()
	meta.Status = store.SnapshotApplied
	meta.AppliedAt = &now
	if err := s.cfg.SnapshotStore.SaveMetadata(meta); err != nil {
		return err
	}

	s.mu.Lock()
	m := s.machines[delegationID]
	s.mu.Unlock()
	if m != nil {
		m.Mutate(func(d *delegation.Delegation) {
			d.AppliedSnapshotID = snapshotID
		})
		rec2 := m.Snapshot()
		s.maybeRelease(dt, rec2)
	}
	log.WithDelegationID(delegationID).Info().Str("snapshotId", snapshotID).Msg("snapshot applied")
	return nil
}

// DiscardSnapshot implements the POST .../snapshots/:id/discard endpoint.
func (s *Service) DiscardSnapshot(ctx context.Context, delegationID, snapshotID string) error {
	meta, err := s.cfg.SnapshotStore.LoadMetadata(delegationID, snapshotID)
	if err != nil {
		return protocol.NewError(protocol.ErrNotFound, "unknown snapshot: "+snapshotID, "")
	}
	if meta.Status != store.SnapshotPending {
		return nil // idempotent: already resolved
	}
	meta.Status = store.SnapshotDiscarded
	if err := s.cfg.SnapshotStore.SaveMetadata(meta); err != nil {
		return err
	}

	s.mu.Lock()
	m := s.machines[delegationID]
	s.mu.Unlock()
	if m != nil {
		rec := m.Snapshot()
		dt, _ := s.cfg.Transports.Get(rec.TransportKind)
		s.maybeRelease(dt, rec)
	}
	log.WithDelegationID(delegationID).Info().Str("snapshotId", snapshotID).Msg("snapshot discarded")
	return nil
}

// ListSnapshots returns the metadata for every snapshot recorded against
// delegationID.
func (s *Service) ListSnapshots(delegationID string) ([]store.SnapshotMetadata, error) {
	rec, ok := s.Get(delegationID)
	if !ok {
		return nil, protocol.NewError(protocol.ErrNotFound, "unknown delegation: "+delegationID, "")
	}
	out := make([]store.SnapshotMetadata, 0, len(rec.Snapshots))
	for _, id := range rec.Snapshots {
		meta, err := s.cfg.SnapshotStore.LoadMetadata(delegationID, id)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
