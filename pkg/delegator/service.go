package delegator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/delegation"
	"github.com/cuemby/awcp/pkg/environment"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
)

// ResourceParam is one resource entry of a delegate() call.
type ResourceParam struct {
	Name   string
	Type   string
	Source string
	Mode   protocol.AccessMode
}

// DelegateParams is the input to Service.Delegate, mirroring the
// POST /delegate body (spec.md §6).
type DelegateParams struct {
	ExecutorURL        string
	Resources          []ResourceParam
	Task               protocol.TaskDescriptor
	TTLSeconds         int
	AccessMode         protocol.AccessMode
	SnapshotMode       protocol.SnapshotPolicy
	Auth               *protocol.Auth
	Transport          protocol.TransportKind
	SkipSensitiveCheck bool
}

// Config configures one delegator Service instance.
type Config struct {
	Admission     *admission.Controller
	Environment   *environment.Manager
	DelegationStore *store.DelegationStore
	SnapshotStore *store.SnapshotStore
	Transports    *transport.DelegatorRegistry
	NewClient     func(executorURL string) *Client

	DefaultTTLSeconds int
	MaxTTLSeconds     int
}

// Service owns every in-memory Delegation state machine and drives the
// protocol described in spec.md §4.7.
type Service struct {
	cfg Config

	mu       sync.Mutex
	machines map[string]*delegation.Machine
}

// NewService constructs a delegator Service.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, machines: make(map[string]*delegation.Machine)}
}

// Machines implements sweep.DelegationSource.
func (s *Service) Machines() []*delegation.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*delegation.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// Forget implements sweep.DelegationSource.
func (s *Service) Forget(id string) {
	s.mu.Lock()
	delete(s.machines, id)
	s.mu.Unlock()
}

// Restore re-registers a loaded delegation after crash recovery. Per the
// Open Question decision recorded in DESIGN.md, a restored delegation found
// in state Running is immediately forced to Error(SSE_FAILED): there is no
// durable SSE subscription to resume across a process restart.
func (s *Service) Restore(d *delegation.Delegation) {
	m := delegation.NewMachine(d)
	if d.State == delegation.Running {
		_ = m.MarkError(protocol.NewError(protocol.ErrSSEFailed, "delegator restarted while delegation was running", "no durable SSE subscription survives a restart"))
		rec := m.Snapshot()
		_ = s.cfg.DelegationStore.Save(&rec)
	}
	s.mu.Lock()
	s.machines[d.ID] = m
	s.mu.Unlock()
}

// Get returns the current record for id.
func (s *Service) Get(id string) (delegation.Delegation, bool) {
	s.mu.Lock()
	m, ok := s.machines[id]
	s.mu.Unlock()
	if !ok {
		return delegation.Delegation{}, false
	}
	return m.Snapshot(), true
}

// List returns every current delegation record.
func (s *Service) List() []delegation.Delegation {
	ms := s.Machines()
	out := make([]delegation.Delegation, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Snapshot())
	}
	return out
}

// Delegate implements spec.md §4.7 delegate(): admission, environment
// build, INVITE/ACCEPT handshake, transport prepare, START, and kicks off
// the async SSE consumption loop. It returns once START has been sent (or
// the attempt has failed); only the SSE consumption runs in the background.
func (s *Service) Delegate(ctx context.Context, params DelegateParams) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DelegateDuration)

	id := uuid.NewString()
	logger := log.WithDelegationID(id)

	ttl := params.TTLSeconds
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTLSeconds
	}
	if s.cfg.MaxTTLSeconds > 0 && ttl > s.cfg.MaxTTLSeconds {
		ttl = s.cfg.MaxTTLSeconds
	}
	accessMode := params.AccessMode
	if accessMode == "" {
		accessMode = protocol.AccessReadOnly
	}
	policy := params.SnapshotMode
	if policy == "" {
		policy = protocol.SnapshotAuto
	}

	kind := params.Transport
	if kind == "" {
		kind = protocol.TransportArchive
	}
	dt, ok := s.cfg.Transports.Get(kind)
	if !ok {
		return "", protocol.NewError(protocol.ErrTransportError, "unknown transport: "+string(kind), "")
	}
	if dt.Capabilities().LiveSync {
		// Invariant 7: liveSync transports force-coerce to auto.
		policy = protocol.SnapshotAuto
	}

	var resources []delegation.Resource
	for _, r := range params.Resources {
		if err := admission.ValidateSource(r.Source); err != nil {
			return "", err
		}
		if err := s.cfg.Admission.Check(r.Source, id, params.SkipSensitiveCheck); err != nil {
			return "", err
		}
		resources = append(resources, delegation.Resource{Name: r.Name, Type: r.Type, Source: r.Source, Mode: r.Mode})
	}

	d := delegation.New(id, params.ExecutorURL, params.Task, delegation.EnvironmentSpec{Resources: resources}, ttl, accessMode, policy, kind)
	m := delegation.NewMachine(d)
	s.mu.Lock()
	s.machines[id] = m
	s.mu.Unlock()

	envRoot, err := s.cfg.Environment.Build(id, toEnvironmentResources(resources))
	if err != nil {
		s.Forget(id)
		return "", err
	}
	// The machine is already registered in s.machines, so the field is set
	// under its lock.
	m.Mutate(func(d *delegation.Delegation) {
		d.EnvRoot = envRoot
	})
	s.persist(d)

	client := s.cfg.NewClient(params.ExecutorURL)

	invite := protocol.Invite{
		DelegationID: id,
		Task:         params.Task,
		Lease:        protocol.Lease{TTLSeconds: ttl, AccessMode: accessMode},
		Environment:  protocol.InviteEnvironment{Resources: toManifest(resources)},
		Requirements: protocol.Requirements{Transport: string(kind)},
		Auth:         params.Auth,
	}

	if err := m.Fire(delegation.EventSendInvite, nil); err != nil {
		_ = s.cfg.Environment.Release(id)
		s.Forget(id)
		return "", err
	}
	s.persist(d)

	accept, perr := client.Invite(ctx, invite)
	if perr != nil {
		_ = m.MarkError(perr)
		s.persist(d)
		_ = s.cfg.Environment.Release(id)
		s.Forget(id)
		return "", perr
	}

	if err := m.Fire(delegation.EventReceiveAccept, func(dd *delegation.Delegation) {
		dd.ExecutorWorkDir = accept.ExecutorWorkDir.Path
		dd.ExecutorConstraints = &accept.ExecutorConstraints
	}); err != nil {
		_ = s.cfg.Environment.Release(id)
		s.Forget(id)
		return "", err
	}
	rec := m.Snapshot()
	s.persist(&rec)

	handle, err := dt.Prepare(ctx, transport.PrepareParams{DelegationID: id, EnvRoot: envRoot, TTLSeconds: ttl})
	if err != nil {
		_ = m.MarkError(protocol.AsError(err))
		rec = m.Snapshot()
		s.persist(&rec)
		_ = s.cfg.Environment.Release(id)
		return id, nil // delegation exists and is visible in error state
	}

	expiresAt := time.Now().Add(time.Duration(ttl) * time.Second)
	start := protocol.Start{
		DelegationID: id,
		Lease:        protocol.Lease{ExpiresAt: expiresAt, AccessMode: accessMode},
		WorkDir:      handle,
	}

	// Spec §4.7 step 6: open the SSE subscription BEFORE sending START, to
	// avoid a race where the task completes before the stream attaches.
	events := client.SubscribeEvents(context.Background(), id)

	if err := m.Fire(delegation.EventSendStart, func(dd *delegation.Delegation) {
		dd.ActiveLease = &delegation.ActiveLease{ExpiresAt: expiresAt, Mode: accessMode}
	}); err != nil {
		_ = s.cfg.Environment.Release(id)
		return id, nil
	}
	rec = m.Snapshot()
	s.persist(&rec)

	if err := client.Start(ctx, start); err != nil {
		logger.Warn().Err(err).Msg("failed to send START; relying on SSE to report the outcome")
	}

	go s.consume(context.Background(), id, m, client, dt, events)

	return id, nil
}

// consume implements spec.md §4.7 step 7: drain the SSE stream and drive
// the state machine event by event.
func (s *Service) consume(ctx context.Context, id string, m *delegation.Machine, client *Client, dt transport.DelegatorTransport, events <-chan protocol.TaskEvent) {
	logger := log.WithDelegationID(id)
	terminal := false

	for event := range events {
		switch event.Kind {
		case protocol.EventStatus:
			_ = m.Fire(delegation.EventSetupComplete, nil) // no-op if not legal from current state

		case protocol.EventSnapshot:
			rec := m.Snapshot()
			if err := s.handleSnapshot(ctx, rec, dt, event); err != nil {
				logger.Error().Err(err).Msg("snapshot handling failed")
			}

		case protocol.EventDone:
			terminal = true
			_ = client.Ack(ctx, id)
			if err := m.Fire(delegation.EventReceiveDone, func(d *delegation.Delegation) {
				d.Result = &delegation.TerminalResult{Summary: event.Summary, Highlights: event.Highlights}
			}); err != nil {
				continue
			}
			rec := m.Snapshot()
			s.persist(&rec)
			s.maybeRelease(dt, rec)

		case protocol.EventError:
			terminal = true
			s.failDelegation(ctx, id, m, dt, protocol.NewError(event.Code, event.Message, event.Hint))
		}
	}

	// events closed without ever delivering done/error: per spec.md §4.7
	// step 8 / scenario S4, a stream that ends without a terminal frame is
	// itself a failure, not a silent no-op that leaves the delegation
	// stuck in running until the lease-expiry sweep.
	if !terminal {
		logger.Error().Msg("sse: event stream closed without a terminal event")
		s.failDelegation(ctx, id, m, dt, protocol.NewError(protocol.ErrSSEFailed, "sse stream closed before a terminal event", "executor may have exited or reset the connection mid-task"))
	}
}

// failDelegation implements spec.md §4.7 step 8: mark the delegation's state
// machine as errored, persist the terminal record, and release both the
// workspace environment and the transport's remote-side resources.
func (s *Service) failDelegation(ctx context.Context, id string, m *delegation.Machine, dt transport.DelegatorTransport, perr *protocol.Error) {
	_ = m.MarkError(perr)
	rec := m.Snapshot()
	s.persist(&rec)
	_ = s.cfg.Environment.Release(id)
	if dt != nil {
		_ = dt.Release(ctx, id)
	}
}

// maybeRelease implements spec.md §4.8's release policy: release
// immediately unless a snapshot is still pending.
func (s *Service) maybeRelease(dt transport.DelegatorTransport, rec delegation.Delegation) {
	for _, id := range rec.Snapshots {
		meta, err := s.cfg.SnapshotStore.LoadMetadata(rec.ID, id)
		if err == nil && meta.Status == store.SnapshotPending {
			return
		}
	}
	_ = s.cfg.Environment.Release(rec.ID)
	if dt != nil {
		_ = dt.Release(context.Background(), rec.ID)
	}
}

func (s *Service) persist(d *delegation.Delegation) {
	if err := s.cfg.DelegationStore.Save(d); err != nil {
		log.WithDelegationID(d.ID).Error().Err(err).Msg("failed to persist delegation")
	}
	metrics.DelegationsTotal.WithLabelValues(string(d.State)).Inc()
}

// Cancel implements spec.md §4.7 cancel().
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	m := s.machines[id]
	s.mu.Unlock()
	if m == nil {
		return protocol.NewError(protocol.ErrNotFound, "unknown delegation: "+id, "")
	}

	rec := m.Snapshot()
	if err := m.Fire(delegation.EventCancel, nil); err != nil {
		if _, ok := err.(*delegation.IllegalTransitionError); ok && rec.State.Terminal() {
			return nil // already terminal: idempotent
		}
		return err
	}
	rec = m.Snapshot()
	s.persist(&rec)

	client := s.cfg.NewClient(rec.PeerURL)
	if err := client.Cancel(ctx, id); err != nil {
		log.WithDelegationID(id).Warn().Err(err).Msg("best-effort cancel POST failed")
	}

	_ = s.cfg.Environment.Release(id)
	if dt, ok := s.cfg.Transports.Get(rec.TransportKind); ok {
		_ = dt.Release(ctx, id)
	}
	return nil
}

// WaitForCompletion polls until id reaches a terminal state or timeout
// elapses (spec §4.7 waitForCompletion).
func (s *Service) WaitForCompletion(id string, timeout time.Duration) (delegation.Delegation, error) {
	deadline := time.Now().Add(timeout)
	for {
		rec, ok := s.Get(id)
		if !ok {
			return delegation.Delegation{}, fmt.Errorf("delegator: unknown delegation %s", id)
		}
		if rec.State.Terminal() {
			return rec, nil
		}
		if time.Now().After(deadline) {
			return rec, fmt.Errorf("delegator: timed out waiting for %s to finish", id)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func toEnvironmentResources(resources []delegation.Resource) []environment.Resource {
	out := make([]environment.Resource, 0, len(resources))
	for _, r := range resources {
		out = append(out, environment.Resource{Name: r.Name, Source: r.Source, Mode: r.Mode})
	}
	return out
}

func toManifest(resources []delegation.Resource) []protocol.ResourceManifestEntry {
	out := make([]protocol.ResourceManifestEntry, 0, len(resources))
	for _, r := range resources {
		// Invariant 3: never carry Source onto the wire.
		out = append(out, protocol.ResourceManifestEntry{Name: r.Name, Type: r.Type, Mode: r.Mode})
	}
	return out
}
