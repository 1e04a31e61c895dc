package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/events"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
	"github.com/cuemby/awcp/pkg/workspace"
)

// fakeTransport is a minimal in-memory ExecutorTransport used to exercise
// Service without the real archive codec.
type fakeTransport struct {
	setupErr error
	snapshot string
}

func (f *fakeTransport) Kind() protocol.TransportKind { return protocol.TransportArchive }
func (f *fakeTransport) Capabilities() transport.Capabilities {
	return transport.Capabilities{SupportsSnapshots: f.snapshot != ""}
}
func (f *fakeTransport) Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (string, error) {
	if f.setupErr != nil {
		return "", f.setupErr
	}
	return workPath, nil
}
func (f *fakeTransport) CaptureSnapshot(ctx context.Context, delegationID, workPath string) (string, error) {
	return f.snapshot, nil
}
func (f *fakeTransport) Release(ctx context.Context, delegationID, workPath string) error { return nil }

func newTestService(t *testing.T, ft *fakeTransport, task TaskFunc) *Service {
	t.Helper()
	workDir := t.TempDir()
	ws, err := workspace.NewManager(workDir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st, err := store.NewAssignmentStore(filepath.Dir(workDir))
	if err != nil {
		t.Fatalf("NewAssignmentStore: %v", err)
	}
	return NewService(Config{
		Policy:          admission.NewExecutorPolicy(2, 3600, false),
		Workspace:       ws,
		Store:           st,
		Transports:      transport.NewExecutorRegistry(ft),
		Events:          events.NewRegistry(),
		Task:            task,
		CaptureSnapshot: true,
	})
}

func testInvite(id string) protocol.Invite {
	return protocol.Invite{
		Version:      protocol.Version,
		Type:         protocol.MessageInvite,
		DelegationID: id,
		Task:         protocol.TaskDescriptor{Description: "do the thing"},
		Lease:        protocol.Lease{TTLSeconds: 300, AccessMode: protocol.AccessReadOnly},
		Requirements: protocol.Requirements{Transport: string(protocol.TransportArchive)},
	}
}

func TestHandleInviteAccepts(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, func(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (TaskResult, error) {
		return TaskResult{Summary: "done"}, nil
	})

	accept, perr := svc.HandleInvite(testInvite("d-1"))
	if perr != nil {
		t.Fatalf("HandleInvite: %v", perr)
	}
	if accept.DelegationID != "d-1" {
		t.Errorf("accept.DelegationID = %s, want d-1", accept.DelegationID)
	}

	rec, ok := svc.Get("d-1")
	if !ok {
		t.Fatal("expected assignment to be registered")
	}
	if rec.State != "pending" {
		t.Errorf("state = %s, want pending", rec.State)
	}
}

func TestHandleInviteDuplicatePending(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, nil)

	if _, perr := svc.HandleInvite(testInvite("d-1")); perr != nil {
		t.Fatalf("first HandleInvite: %v", perr)
	}
	accept, perr := svc.HandleInvite(testInvite("d-1"))
	if perr != nil {
		t.Fatalf("duplicate invite on a pending assignment should re-accept: %v", perr)
	}
	if accept.DelegationID != "d-1" {
		t.Errorf("accept.DelegationID = %s, want d-1", accept.DelegationID)
	}
}

func TestHandleInviteUnsupportedTransport(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, nil)
	invite := testInvite("d-1")
	invite.Requirements.Transport = "mount"

	_, perr := svc.HandleInvite(invite)
	if perr == nil || perr.Code != protocol.ErrDependencyMissing {
		t.Fatalf("expected DEPENDENCY_MISSING, got %v", perr)
	}
}

func TestHandleStartRunsTaskToCompletion(t *testing.T) {
	svc := newTestService(t, &fakeTransport{snapshot: ""}, func(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (TaskResult, error) {
		return TaskResult{Summary: "all good", Highlights: []string{"h1"}}, nil
	})

	if _, perr := svc.HandleInvite(testInvite("d-1")); perr != nil {
		t.Fatalf("HandleInvite: %v", perr)
	}

	svc.HandleStart(protocol.Start{
		Version:      protocol.Version,
		Type:         protocol.MessageStart,
		DelegationID: "d-1",
		Lease:        protocol.Lease{ExpiresAt: time.Now().Add(time.Minute)},
		WorkDir:      protocol.TransportHandleEnvelope{Transport: protocol.TransportArchive},
	})

	rec, err := svc.WaitTerminal("d-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitTerminal: %v", err)
	}
	if rec.State != "completed" {
		t.Fatalf("state = %s, want completed", rec.State)
	}
	if rec.Result == nil || rec.Result.Summary != "all good" {
		t.Errorf("unexpected result: %+v", rec.Result)
	}
}

func TestHandleStartTaskFailure(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, func(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (TaskResult, error) {
		return TaskResult{}, errBoom
	})

	if _, perr := svc.HandleInvite(testInvite("d-1")); perr != nil {
		t.Fatalf("HandleInvite: %v", perr)
	}
	svc.HandleStart(protocol.Start{DelegationID: "d-1", Lease: protocol.Lease{ExpiresAt: time.Now().Add(time.Minute)}})

	rec, err := svc.WaitTerminal("d-1", 2*time.Second)
	if err != nil {
		t.Fatalf("WaitTerminal: %v", err)
	}
	if rec.State != "error" {
		t.Fatalf("state = %s, want error", rec.State)
	}
	if rec.Err == nil || rec.Err.Code != protocol.ErrTaskFailed {
		t.Errorf("unexpected error record: %+v", rec.Err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, nil)
	if _, perr := svc.HandleInvite(testInvite("d-1")); perr != nil {
		t.Fatalf("HandleInvite: %v", perr)
	}

	if err := svc.Cancel("d-1"); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := svc.Cancel("d-1"); err != nil {
		t.Fatalf("second Cancel should be a no-op, got: %v", err)
	}
}

func TestCancelUnknownAssignment(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, nil)
	err := svc.Cancel("missing")
	if err == nil {
		t.Fatal("expected an error for an unknown assignment")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.ErrNotFound {
		t.Errorf("expected NOT_FOUND, got %s", perr.Code)
	}
}

func TestSubscribeTaskUnknownAssignment(t *testing.T) {
	svc := newTestService(t, &fakeTransport{}, nil)
	sub, unsubscribe, err := svc.SubscribeTask("missing")
	if err != nil {
		t.Fatalf("SubscribeTask: %v", err)
	}
	defer unsubscribe()

	event := <-sub
	if event.Kind != protocol.EventError {
		t.Errorf("expected an error event for an unknown assignment, got %s", event.Kind)
	}
}

var errBoom = taskErr("boom")

type taskErr string

func (e taskErr) Error() string { return string(e) }
