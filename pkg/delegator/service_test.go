package delegator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/environment"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
)

// fakeExecutor is a minimal stand-in for an executor daemon's HTTP surface,
// just enough to drive Service.Delegate through ACCEPT, START, and a single
// "done" SSE event.
type fakeExecutor struct {
	srv             *httptest.Server
	declineInvite   bool
	closeWithoutEnd bool
}

func newFakeExecutor(t *testing.T) *fakeExecutor {
	f := &fakeExecutor{}
	mux := http.NewServeMux()
	mux.HandleFunc("/awcp", func(w http.ResponseWriter, r *http.Request) {
		var probe struct {
			Type         protocol.MessageType `json:"type"`
			DelegationID string               `json:"delegationId"`
		}
		data, _ := readAll(r)
		_ = json.Unmarshal(data, &probe)

		switch probe.Type {
		case protocol.MessageInvite:
			if f.declineInvite {
				w.WriteHeader(http.StatusForbidden)
				errMsg := protocol.NewErrorMessage(probe.DelegationID, protocol.NewError(protocol.ErrDeclined, "no thanks", ""))
				_ = json.NewEncoder(w).Encode(errMsg)
				return
			}
			accept := protocol.Accept{
				Version:      protocol.Version,
				Type:         protocol.MessageAccept,
				DelegationID: probe.DelegationID,
			}
			_ = json.NewEncoder(w).Encode(accept)
		case protocol.MessageStart:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/awcp/tasks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		// SSE stream: emit a single done event, unless this executor is
		// standing in for one that drops the connection mid-task.
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		if f.closeWithoutEnd {
			fmt.Fprintf(w, ": keep-alive\n\n")
			flusher.Flush()
			return
		}
		event := protocol.DoneEvent("task finished", nil, nil, "")
		payload, _ := json.Marshal(event)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})
	mux.HandleFunc("/awcp/cancel/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func readAll(r *http.Request) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	tmp := make([]byte, 512)
	for {
		n, err := r.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

func newTestSetup(t *testing.T) (*Service, string) {
	t.Helper()
	dataDir := t.TempDir()

	envMgr, err := environment.NewManager(filepath.Join(dataDir, "env"))
	if err != nil {
		t.Fatalf("environment.NewManager: %v", err)
	}
	delegationStore, err := store.NewDelegationStore(dataDir)
	if err != nil {
		t.Fatalf("store.NewDelegationStore: %v", err)
	}
	snapshotStore, err := store.NewSnapshotStore(filepath.Join(dataDir, "snapshots"))
	if err != nil {
		t.Fatalf("store.NewSnapshotStore: %v", err)
	}
	transports := transport.NewDelegatorRegistry(transport.NewArchiveDelegator(8*1024*1024, 4*1024*1024))
	admissionCtl := admission.NewController(admission.Limits{MaxTotalBytes: 1 << 30, MaxFiles: 10000, MaxFileBytes: 1 << 28, SensitiveGlobs: []string{".env", "*.pem", "*.key"}})

	svc := NewService(Config{
		Admission:       admissionCtl,
		Environment:     envMgr,
		DelegationStore: delegationStore,
		SnapshotStore:   snapshotStore,
		Transports:      transports,
		NewClient: func(executorURL string) *Client {
			return NewClient(ClientConfig{BaseURL: executorURL, ControlTimeout: 5 * time.Second, HandleTimeout: 5 * time.Second})
		},
		DefaultTTLSeconds: 300,
		MaxTTLSeconds:     3600,
	})
	return svc, dataDir
}

func newSourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return dir
}

func TestDelegateHappyPath(t *testing.T) {
	svc, _ := newTestSetup(t)
	exec := newFakeExecutor(t)

	id, err := svc.Delegate(context.Background(), DelegateParams{
		ExecutorURL: exec.srv.URL,
		Resources:   []ResourceParam{{Name: "repo", Type: "dir", Source: newSourceDir(t), Mode: protocol.AccessReadOnly}},
		Task:        protocol.TaskDescriptor{Description: "review the diff"},
		TTLSeconds:  120,
	})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty delegation id")
	}

	rec, err := svc.WaitForCompletion(id, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if rec.State != "completed" {
		t.Fatalf("state = %s, want completed", rec.State)
	}
}

func TestDelegateDeclined(t *testing.T) {
	svc, _ := newTestSetup(t)
	exec := newFakeExecutor(t)
	exec.declineInvite = true

	_, err := svc.Delegate(context.Background(), DelegateParams{
		ExecutorURL: exec.srv.URL,
		Resources:   []ResourceParam{{Name: "repo", Type: "dir", Source: newSourceDir(t), Mode: protocol.AccessReadOnly}},
		Task:        protocol.TaskDescriptor{Description: "review the diff"},
	})
	if err == nil {
		t.Fatal("expected Delegate to fail when the executor declines")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.ErrDeclined {
		t.Errorf("expected DECLINED, got %s", perr.Code)
	}
}

func TestDelegateRejectsSensitiveSource(t *testing.T) {
	svc, _ := newTestSetup(t)
	exec := newFakeExecutor(t)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := svc.Delegate(context.Background(), DelegateParams{
		ExecutorURL: exec.srv.URL,
		Resources:   []ResourceParam{{Name: "repo", Type: "dir", Source: dir, Mode: protocol.AccessReadOnly}},
		Task:        protocol.TaskDescriptor{Description: "review the diff"},
	})
	if err == nil {
		t.Fatal("expected Delegate to reject a source containing a sensitive file")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.ErrSensitiveFiles {
		t.Errorf("expected SENSITIVE_FILES, got %s", perr.Code)
	}
}

// TestDelegateSSEClosedWithoutTerminalEvent covers spec.md §4.7 step 8 /
// scenario S4: an executor that closes the event stream mid-task with a
// clean EOF and no done/error frame must still force the delegation to
// error{SSE_FAILED} rather than leaving it stuck in running.
func TestDelegateSSEClosedWithoutTerminalEvent(t *testing.T) {
	svc, _ := newTestSetup(t)
	exec := newFakeExecutor(t)
	exec.closeWithoutEnd = true

	id, err := svc.Delegate(context.Background(), DelegateParams{
		ExecutorURL: exec.srv.URL,
		Resources:   []ResourceParam{{Name: "repo", Type: "dir", Source: newSourceDir(t), Mode: protocol.AccessReadOnly}},
		Task:        protocol.TaskDescriptor{Description: "review the diff"},
		TTLSeconds:  120,
	})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	rec, err := svc.WaitForCompletion(id, 3*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if rec.State != "error" {
		t.Fatalf("state = %s, want error", rec.State)
	}
	if rec.Err == nil || rec.Err.Code != protocol.ErrSSEFailed {
		t.Fatalf("expected SSE_FAILED error, got %+v", rec.Err)
	}
}

func TestCancelUnknownDelegation(t *testing.T) {
	svc, _ := newTestSetup(t)
	err := svc.Cancel(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error for an unknown delegation")
	}
	if perr := protocol.AsError(err); perr.Code != protocol.ErrNotFound {
		t.Errorf("expected NOT_FOUND, got %s", perr.Code)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, _ := newTestSetup(t)
	exec := newFakeExecutor(t)

	id, err := svc.Delegate(context.Background(), DelegateParams{
		ExecutorURL: exec.srv.URL,
		Resources:   []ResourceParam{{Name: "repo", Type: "dir", Source: newSourceDir(t), Mode: protocol.AccessReadOnly}},
		Task:        protocol.TaskDescriptor{Description: "review the diff"},
	})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	// Whether the delegation has already reached a terminal state via SSE
	// or is cancelled here, a second Cancel must not error.
	if err := svc.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second Cancel should be a no-op, got: %v", err)
	}
}
