package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/awcp/pkg/admission"
	"github.com/cuemby/awcp/pkg/delegator"
	"github.com/cuemby/awcp/pkg/environment"
	"github.com/cuemby/awcp/pkg/protocol"
	"github.com/cuemby/awcp/pkg/store"
	"github.com/cuemby/awcp/pkg/transport"
)

func newTestDelegatorServer(t *testing.T) *DelegatorServer {
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
	admissionCtl := admission.NewController(admission.Limits{MaxTotalBytes: 1 << 30, MaxFiles: 10000, MaxFileBytes: 1 << 28})

	svc := delegator.NewService(delegator.Config{
		Admission:       admissionCtl,
		Environment:     envMgr,
		DelegationStore: delegationStore,
		SnapshotStore:   snapshotStore,
		Transports:      transports,
		NewClient: func(executorURL string) *delegator.Client {
			return delegator.NewClient(delegator.ClientConfig{BaseURL: executorURL, ControlTimeout: 2 * time.Second, HandleTimeout: 2 * time.Second})
		},
		DefaultTTLSeconds: 300,
		MaxTTLSeconds:     3600,
	})
	return NewDelegatorServer(svc, nil)
}

func TestHandleGetUnknownDelegation(t *testing.T) {
	server := newTestDelegatorServer(t)

	req := httptest.NewRequest(http.MethodGet, "/delegation/missing", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var perr protocol.Error
	if err := json.NewDecoder(w.Body).Decode(&perr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if perr.Code != protocol.ErrNotFound {
		t.Errorf("code = %s, want NOT_FOUND", perr.Code)
	}
}

func TestHandleListEmpty(t *testing.T) {
	server := newTestDelegatorServer(t)

	req := httptest.NewRequest(http.MethodGet, "/delegations", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["activeDelegations"].(float64) != 0 {
		t.Errorf("activeDelegations = %v, want 0", body["activeDelegations"])
	}
}

func TestHandleDelegateMalformedBody(t *testing.T) {
	server := newTestDelegatorServer(t)

	req := httptest.NewRequest(http.MethodPost, "/delegate", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleCancelUnknownDelegation(t *testing.T) {
	server := newTestDelegatorServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/delegation/missing", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthRoutesMounted(t *testing.T) {
	server := newTestDelegatorServer(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		if w.Code == http.StatusNotFound {
			t.Errorf("%s: expected a mounted route, got 404", path)
		}
	}
}
