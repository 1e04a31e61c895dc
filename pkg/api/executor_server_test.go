package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/events"
	"github.com/cuemby/awcp/pkg/executor"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
	"github.com/cuemby/awcp/pkg/workspace"
)

func newTestExecutorServer(t *testing.T) *ExecutorServer {
	t.Helper()
	workDir := t.TempDir()

	ws, err := workspace.NewManager(workDir)
	if err != nil {
		t.Fatalf("workspace.NewManager: %v", err)
	}
	st, err := store.NewAssignmentStore(workDir)
	if err != nil {
		t.Fatalf("store.NewAssignmentStore: %v", err)
	}
	svc := executor.NewService(executor.Config{
		Policy:     admission.NewExecutorPolicy(2, 3600, false),
		Workspace:  ws,
		Store:      st,
		Transports: transport.NewExecutorRegistry(transport.NewArchiveExecutor()),
		Events:     events.NewRegistry(),
		Task: func(ctx context.Context, workPath string, task protocol.TaskDescriptor, env protocol.InviteEnvironment) (executor.TaskResult, error) {
			return executor.TaskResult{Summary: "ok"}, nil
		},
	})
	return NewExecutorServer(svc, nil)
}

func TestHandleControlUnknownType(t *testing.T) {
	server := newTestExecutorServer(t)

	body, _ := json.Marshal(map[string]string{"type": "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/awcp", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleControlInvite(t *testing.T) {
	server := newTestExecutorServer(t)

	invite := protocol.Invite{
		Version:      protocol.Version,
		Type:         protocol.MessageInvite,
		DelegationID: "d-1",
		Lease:        protocol.Lease{TTLSeconds: 60, AccessMode: protocol.AccessReadOnly},
		Requirements: protocol.Requirements{Transport: string(protocol.TransportArchive)},
	}
	body, _ := json.Marshal(invite)
	req := httptest.NewRequest(http.MethodPost, "/awcp", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var accept protocol.Accept
	if err := json.NewDecoder(w.Body).Decode(&accept); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accept.DelegationID != "d-1" {
		t.Errorf("DelegationID = %s, want d-1", accept.DelegationID)
	}
}

func TestHandleCancelUnknownAssignment(t *testing.T) {
	server := newTestExecutorServer(t)

	req := httptest.NewRequest(http.MethodPost, "/awcp/cancel/missing", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthRoutesMountedOnExecutor(t *testing.T) {
	server := newTestExecutorServer(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		if w.Code == http.StatusNotFound {
			t.Errorf("%s: expected a mounted route, got 404", path)
		}
	}
}
