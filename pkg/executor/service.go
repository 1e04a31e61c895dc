// Package executor implements the executor-side orchestration described in
// spec.md §4.9: accepting INVITE, running START, multiplexing task events to
// SSE subscribers, and tearing down the workspace and transport state on
// every terminal path. It is grounded on pkg/worker/worker.go's task
// execution loop (executeContainer's prepare → start → monitor → cleanup
// shape), generalized from a container lifecycle to a single plug-in task
// function.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/assignment"
	"github.com/cuemby/awcp/pkg/events"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
	"github.com/cuemby/awcp/pkg/workspace"
)

// TaskResult is what a TaskFunc returns on success.
type TaskResult struct {
	Summary        string
	Highlights     []string
	SnapshotBase64 string // "" means no snapshot captured
}

// TaskFunc is the user-provided task executor — explicitly out of scope per
// spec.md §1 ("The plug-in task executor (a user-provided function on the
// Executor side)"); this is its contract, not an implementation.
type TaskFunc func(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (TaskResult, error)

// defaultSandbox is the SandboxProfile reported to the delegator in every ACCEPT.
var defaultSandbox = protocol.SandboxProfile{CwdOnly: true, AllowNetwork: false, AllowExec: true}

// Config configures one executor Service instance.
type Config struct {
	Policy        *admission.ExecutorPolicy
	Workspace     *workspace.Manager
	Store         *store.AssignmentStore
	Transports    *transport.ExecutorRegistry
	Events        *events.Registry
	Task          TaskFunc
	CaptureSnapshot bool // whether to call transport.CaptureSnapshot on success
}

// Service owns every in-memory Assignment state machine and drives the
// protocol described in spec.md §4.9.
type Service struct {
	cfg Config

	mu       sync.Mutex
	machines map[string]*assignment.Machine
	kinds    map[string]protocol.TransportKind
}

// NewService constructs an executor Service.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:      cfg,
		machines: make(map[string]*assignment.Machine),
		kinds:    make(map[string]protocol.TransportKind),
	}
}

// Machines implements sweep.AssignmentSource.
func (s *Service) Machines() []*assignment.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*assignment.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// Forget implements sweep.AssignmentSource.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	delete(s.machines, id)
	delete(s.kinds, id)
	s.mu.Unlock()
	s.cfg.Events.Drop(id)
}

// TransportKindFor implements the sweep.Executor.TransportKind hook.
func (s *Service) TransportKindFor(id string) protocol.TransportKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds[id]
}

// Restore re-registers a loaded assignment after crash recovery (spec
// §4.10): rebuild its state machine and event hub without re-running
// HandleInvite.
func (s *Service) Restore(a *assignment.Assignment) {
	s.mu.Lock()
	s.machines[a.ID] = assignment.NewMachine(a)
	s.kinds[a.ID] = a.Invite.Requirements.Transport
	s.mu.Unlock()
	if !a.State.Terminal() {
		s.cfg.Events.HubFor(a.ID)
	}
}

// Get returns the current record for id.
func (s *Service) Get(id string) (assignment.Assignment, bool) {
	s.mu.Lock()
	m, ok := s.machines[id]
	s.mu.Unlock()
	if !ok {
		return assignment.Assignment{}, false
	}
	return m.Snapshot(), true
}

// HandleInvite implements spec.md §4.9 handleInvite: admission, workspace
// allocation, assignment creation, ACCEPT construction.
func (s *Service) HandleInvite(invite protocol.Invite) (*protocol.Accept, *protocol.Error) {
	s.mu.Lock()
	if _, exists := s.machines[invite.DelegationID]; exists {
		rec := s.machines[invite.DelegationID].Snapshot()
		s.mu.Unlock()
		if rec.State == assignment.Pending {
			return s.acceptFor(invite), nil
		}
		return nil, protocol.NewError(protocol.ErrDeclined, "duplicate invite for a non-pending assignment", invite.DelegationID)
	}
	s.mu.Unlock()

	if _, ok := s.cfg.Transports.Get(protocol.TransportKind(invite.Requirements.Transport)); !ok {
		return nil, protocol.NewError(protocol.ErrDependencyMissing, "unsupported transport: "+invite.Requirements.Transport, "")
	}

	if err := s.cfg.Policy.Admit(&invite); err != nil {
		return nil, protocol.AsError(err)
	}

	workPath := s.cfg.Workspace.Allocate(invite.DelegationID)
	if err := s.cfg.Workspace.Validate(workPath); err != nil {
		s.cfg.Policy.Release()
		return nil, protocol.AsError(err)
	}

	a := assignment.New(invite.DelegationID, invite, workPath)
	s.mu.Lock()
	s.machines[a.ID] = assignment.NewMachine(a)
	s.kinds[a.ID] = protocol.TransportKind(invite.Requirements.Transport)
	s.mu.Unlock()

	if err := s.cfg.Store.Save(a); err != nil {
		log.WithAssignmentID(a.ID).Error().Err(err).Msg("failed to persist new assignment")
	}
	metrics.AssignmentsTotal.WithLabelValues(string(assignment.Pending)).Inc()

	return s.acceptFor(invite), nil
}

func (s *Service) acceptFor(invite protocol.Invite) *protocol.Accept {
	workPath := s.cfg.Workspace.Allocate(invite.DelegationID)
	return &protocol.Accept{
		Version:      protocol.Version,
		Type:         protocol.MessageAccept,
		DelegationID: invite.DelegationID,
		ExecutorWorkDir: protocol.ExecutorWorkDir{Path: workPath},
		ExecutorConstraints: protocol.ExecutorConstraints{
			AcceptedAccessMode: admission.EffectiveAccessMode(invite.Lease.AccessMode),
			MaxTTLSeconds:      s.cfg.Policy.EffectiveTTL(invite.Lease.TTLSeconds),
			SandboxProfile:     defaultSandbox,
		},
	}
}

// HandleStart implements spec.md §4.9 handleStart. It runs the transport
// setup and task to completion in a new goroutine and returns immediately —
// START is fire-and-forget on the wire.
func (s *Service) HandleStart(start protocol.Start) {
	s.mu.Lock()
	m, ok := s.machines[start.DelegationID]
	s.mu.Unlock()
	if !ok {
		s.cfg.Events.HubFor(start.DelegationID).Publish(protocol.ErrorEvent(protocol.NewError(protocol.ErrNotFound, "unknown assignment", start.DelegationID)))
		return
	}

	if err := m.Fire(assignment.EventReceiveStart, func(a *assignment.Assignment) {
		a.ActiveLease = &assignment.ActiveLease{ExpiresAt: start.Lease.ExpiresAt, Mode: start.Lease.AccessMode}
	}); err != nil {
		return
	}
	rec := m.Snapshot()
	s.persist(&rec)

	go s.run(rec, start)
}

func (s *Service) run(rec assignment.Assignment, start protocol.Start) {
	ctx := context.Background()
	hub := s.cfg.Events.HubFor(rec.ID)
	logger := log.WithAssignmentID(rec.ID)
	// Every exit below has already published its terminal event.
	defer func() { _ = s.cfg.Workspace.Release(rec.ID) }()

	kind := protocol.TransportKind(rec.Invite.Requirements.Transport)
	t, ok := s.cfg.Transports.Get(kind)
	if !ok {
		s.fail(rec.ID, protocol.NewError(protocol.ErrTransportError, "unknown transport: "+string(kind), ""))
		return
	}

	if err := s.cfg.Workspace.Prepare(rec.WorkPath); err != nil {
		s.fail(rec.ID, protocol.AsError(err))
		return
	}

	actualPath, err := t.Setup(ctx, rec.ID, start.WorkDir, rec.WorkPath)
	if err != nil {
		s.fail(rec.ID, protocol.AsError(err))
		_ = t.Release(ctx, rec.ID, rec.WorkPath)
		return
	}

	hub.Publish(protocol.StatusEvent("running", "transport setup complete"))
	logger.Info().Msg("assignment running")

	timer := metrics.NewTimer()
	result, taskErr := s.cfg.Task(ctx, actualPath, rec.Invite.Task, rec.Invite.Environment)
	if taskErr != nil {
		timer.ObserveDurationVec(metrics.TaskDuration, "error")
		s.fail(rec.ID, protocol.NewError(protocol.ErrTaskFailed, taskErr.Error(), ""))
		_ = t.Release(ctx, rec.ID, rec.WorkPath)
		return
	}
	timer.ObserveDurationVec(metrics.TaskDuration, "success")

	var snapshotIDs []string
	if s.cfg.CaptureSnapshot && t.Capabilities().SupportsSnapshots {
		b64, err := t.CaptureSnapshot(ctx, rec.ID, actualPath)
		if err != nil {
			logger.Warn().Err(err).Msg("snapshot capture failed, completing without one")
		} else if b64 != "" {
			snapID := uuid.NewString()
			hub.Publish(protocol.TaskEvent{
				Kind:           protocol.EventSnapshot,
				SnapshotID:     snapID,
				Summary:        result.Summary,
				Highlights:     result.Highlights,
				SnapshotBase64: b64,
				Recommended:    true,
			})
			snapshotIDs = append(snapshotIDs, snapID)
		}
	}

	s.complete(rec.ID, result, snapshotIDs)
	_ = t.Release(ctx, rec.ID, rec.WorkPath)
}

func (s *Service) complete(id string, result TaskResult, snapshotIDs []string) {
	s.mu.Lock()
	m := s.machines[id]
	s.mu.Unlock()
	if m == nil {
		return
	}

	var recommended string
	if len(snapshotIDs) > 0 {
		recommended = snapshotIDs[0]
	}

	if err := m.Fire(assignment.EventTaskComplete, func(a *assignment.Assignment) {
		a.Result = &assignment.TerminalResult{Summary: result.Summary, Highlights: result.Highlights, SnapshotIDs: snapshotIDs}
	}); err != nil {
		return
	}
	rec := m.Snapshot()
	s.persist(&rec)
	s.cfg.Policy.Release()

	s.cfg.Events.HubFor(id).Publish(protocol.DoneEvent(result.Summary, result.Highlights, snapshotIDs, recommended))
	log.WithAssignmentID(id).Info().Msg("assignment completed")
}

func (s *Service) fail(id string, perr *protocol.Error) {
	s.mu.Lock()
	m := s.machines[id]
	s.mu.Unlock()
	if m == nil {
		return
	}
	if err := m.MarkError(assignment.EventTaskFail, perr); err != nil {
		return
	}
	rec := m.Snapshot()
	s.persist(&rec)
	s.cfg.Policy.Release()

	s.cfg.Events.HubFor(id).Publish(protocol.ErrorEvent(perr))
	log.WithAssignmentID(id).Warn().Str("code", string(perr.Code)).Msg("assignment failed")
}

func (s *Service) persist(a *assignment.Assignment) {
	if err := s.cfg.Store.Save(a); err != nil {
		log.WithAssignmentID(a.ID).Error().Err(err).Msg("failed to persist assignment")
	}
	metrics.AssignmentsTotal.WithLabelValues(string(a.State)).Inc()
}

// SubscribeTask implements spec.md §4.9 subscribeTask: replay the terminal
// event to a late subscriber, or attach live.
func (s *Service) SubscribeTask(id string) (<-chan protocol.TaskEvent, func(), error) {
	s.mu.Lock()
	_, ok := s.machines[id]
	s.mu.Unlock()
	if !ok {
		ch := make(chan protocol.TaskEvent, 1)
		ch <- protocol.ErrorEvent(protocol.NewError(protocol.ErrNotFound, "unknown assignment: "+id, ""))
		close(ch)
		return ch, func() {}, nil
	}

	hub := s.cfg.Events.HubFor(id)
	sub := hub.Subscribe()
	unsubscribe := func() { hub.Unsubscribe(sub) }
	return sub, unsubscribe, nil
}

// Cancel implements spec.md §4.9 cancel.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	m := s.machines[id]
	s.mu.Unlock()
	if m == nil {
		return protocol.NewError(protocol.ErrNotFound, "unknown assignment: "+id, "")
	}

	if err := m.Fire(assignment.EventCancel, func(a *assignment.Assignment) {
		a.Err = &assignment.TerminalErr{Code: protocol.ErrCancelled, Message: "cancelled by delegator"}
	}); err != nil {
		var illegal *assignment.IllegalTransitionError
		if asIllegal(err, &illegal) {
			return nil // already terminal: cancel is idempotent
		}
		return err
	}
	rec := m.Snapshot()
	s.persist(&rec)
	s.cfg.Policy.Release()

	kind := s.kinds[id]
	if t, ok := s.cfg.Transports.Get(kind); ok {
		_ = t.Release(context.Background(), id, rec.WorkPath)
	}
	_ = s.cfg.Workspace.Release(id)

	s.cfg.Events.HubFor(id).Publish(protocol.ErrorEvent(protocol.NewError(protocol.ErrCancelled, "cancelled by delegator", "")))
	return nil
}

func asIllegal(err error, target **assignment.IllegalTransitionError) bool {
	if ite, ok := err.(*assignment.IllegalTransitionError); ok {
		*target = ite
		return true
	}
	return false
}

// WaitTerminal blocks until id reaches a terminal state or timeout elapses.
// Used by tests; cmd/awcp-executor's shutdown does not call it.
func (s *Service) WaitTerminal(id string, timeout time.Duration) (assignment.Assignment, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		m := s.machines[id]
		s.mu.Unlock()
		if m == nil {
			return assignment.Assignment{}, fmt.Errorf("executor: unknown assignment %s", id)
		}
		rec := m.Snapshot()
		if rec.State.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, fmt.Errorf("executor: timed out waiting for %s to finish", id)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
