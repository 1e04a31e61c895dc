// Package sweep runs the periodic cleanup timer described by the protocol's
// retention rules: expire delegations/assignments whose lease has passed,
// release terminal records past their retention window, and (delegator side
// only) reclaim orphan environment directories left behind by a crash.
// Orphan snapshot directories, archive temp files and key files are not
// reclaimed. Both the
// delegator and the executor run one sweeper, on the same ticker idiom.
package sweep

import (
	"context"
	"time"

	"github.com/cuemby/awcp/pkg/assignment"
	"github.com/cuemby/awcp/pkg/delegation"
	"github.com/cuemby/awcp/pkg/environment"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
)

// DelegationSource is the live, in-memory half of the delegator service:
// the sweeper only acts on machines the service currently holds, and asks
// the service to forget an id once its record is fully released.
type DelegationSource interface {
	Machines() []*delegation.Machine
	Forget(id string)
}

// Delegator sweeps delegation state every Interval.
type Delegator struct {
	Source    DelegationSource
	Store     *store.DelegationStore
	Snapshots *store.SnapshotStore
	Env       *environment.Manager
	Transport *transport.DelegatorRegistry
	Retention time.Duration
	Interval  time.Duration

	stopCh chan struct{}
}

// Start launches the sweep loop in a new goroutine.
func (s *Delegator) Start() {
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	s.stopCh = make(chan struct{})
	go s.loop()
}

// Stop ends the sweep loop. Safe to call once.
func (s *Delegator) Stop() {
	close(s.stopCh)
}

func (s *Delegator) loop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Delegator) tick() {
	now := time.Now()
	var knownIDs []string

	for _, m := range s.Source.Machines() {
		rec := m.Snapshot()
		knownIDs = append(knownIDs, rec.ID)

		if m.SweepLeaseExpiry(now) {
			rec = m.Snapshot()
			if err := s.Store.Save(&rec); err != nil {
				log.WithDelegationID(rec.ID).Error().Err(err).Msg("sweep: failed to persist lease expiry")
			}
			metrics.SweepReleasesTotal.WithLabelValues("lease_expired").Inc()
		}

		if !rec.State.Terminal() || now.Sub(rec.UpdatedAt) < s.Retention {
			continue
		}
		s.release(rec)
	}

	if s.Env != nil {
		if err := s.Env.CleanupStale(knownIDs); err != nil {
			log.Error("sweep: cleanup stale environments: " + err.Error())
		}
	}
}

func (s *Delegator) release(rec delegation.Delegation) {
	ctx := context.Background()

	if s.Env != nil {
		if err := s.Env.Release(rec.ID); err != nil {
			log.WithDelegationID(rec.ID).Error().Err(err).Msg("sweep: failed to release environment")
		}
	}
	if s.Snapshots != nil {
		if err := s.Snapshots.ReleaseDelegation(rec.ID); err != nil {
			log.WithDelegationID(rec.ID).Error().Err(err).Msg("sweep: failed to release snapshots")
		}
	}
	if s.Transport != nil && rec.TransportKind != "" {
		if t, ok := s.Transport.Get(rec.TransportKind); ok {
			if err := t.Release(ctx, rec.ID); err != nil {
				log.WithDelegationID(rec.ID).Error().Err(err).Msg("sweep: failed to release transport state")
			}
		}
	}
	if err := s.Store.Delete(rec.ID); err != nil {
		log.WithDelegationID(rec.ID).Error().Err(err).Msg("sweep: failed to delete delegation record")
	}
	s.Source.Forget(rec.ID)
	metrics.SweepReleasesTotal.WithLabelValues("delegation").Inc()
	log.WithDelegationID(rec.ID).Info().Str("state", string(rec.State)).Msg("sweep: released delegation")
}

// AssignmentSource mirrors DelegationSource for the executor side.
type AssignmentSource interface {
	Machines() []*assignment.Machine
	Forget(id string)
}

// Executor sweeps assignment state every Interval.
type Executor struct {
	Source    AssignmentSource
	Store     *store.AssignmentStore
	Transport *transport.ExecutorRegistry
	TransportKind func(assignmentID string) protocol.TransportKind
	Retention time.Duration
	Interval  time.Duration

	stopCh chan struct{}
}

// Start launches the sweep loop in a new goroutine.
func (s *Executor) Start() {
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	s.stopCh = make(chan struct{})
	go s.loop()
}

// Stop ends the sweep loop. Safe to call once.
func (s *Executor) Stop() {
	close(s.stopCh)
}

func (s *Executor) loop() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Executor) tick() {
	now := time.Now()

	for _, m := range s.Source.Machines() {
		rec := m.Snapshot()

		if lease := rec.ActiveLease; lease != nil && !rec.State.Terminal() && now.After(lease.ExpiresAt) {
			if err := m.Fire(assignment.EventTaskFail, func(a *assignment.Assignment) {
				a.Err = &assignment.TerminalErr{
					Code:    protocol.ErrLeaseExpired,
					Message: "lease expired before task completion",
				}
			}); err == nil {
				rec = m.Snapshot()
				if err := s.Store.Save(&rec); err != nil {
					log.WithAssignmentID(rec.ID).Error().Err(err).Msg("sweep: failed to persist lease expiry")
				}
				metrics.SweepReleasesTotal.WithLabelValues("lease_expired").Inc()
			}
		}

		if !rec.State.Terminal() || now.Sub(rec.UpdatedAt) < s.Retention {
			continue
		}
		s.release(rec)
	}
}

func (s *Executor) release(rec assignment.Assignment) {
	ctx := context.Background()

	if s.Transport != nil && s.TransportKind != nil {
		kind := s.TransportKind(rec.ID)
		if t, ok := s.Transport.Get(kind); ok {
			if err := t.Release(ctx, rec.ID, rec.WorkPath); err != nil {
				log.WithAssignmentID(rec.ID).Error().Err(err).Msg("sweep: failed to release transport state")
			}
		}
	}
	if err := s.Store.Delete(rec.ID); err != nil {
		log.WithAssignmentID(rec.ID).Error().Err(err).Msg("sweep: failed to delete assignment record")
	}
	s.Source.Forget(rec.ID)
	metrics.SweepReleasesTotal.WithLabelValues("assignment").Inc()
	log.WithAssignmentID(rec.ID).Info().Str("state", string(rec.State)).Msg("sweep: released assignment")
}
