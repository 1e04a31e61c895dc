// Package api implements the AWCP delegator and executor daemons' HTTP
// surfaces (spec.md §6), grounded on the teacher's health.go ServeMux/
// http.Server idiom (stdlib routing, explicit Read/Write/Idle timeouts)
// generalized from a single /health mux to the full REST + SSE surface of
// both daemons.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/awcp/pkg/delegation"
	"github.com/cuemby/awcp/pkg/delegator"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
)

// DelegatorServer exposes the Delegator daemon's HTTP API.
type DelegatorServer struct {
	svc *delegator.Service
	reg *prometheusRegistry
	mux *http.ServeMux
}

// NewDelegatorServer wires every route named in spec.md §6 for the
// Delegator daemon.
func NewDelegatorServer(svc *delegator.Service, reg *prometheusRegistry) *DelegatorServer {
	s := &DelegatorServer{svc: svc, reg: reg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *DelegatorServer) routes() {
	s.mux.HandleFunc("POST /delegate", s.instrument("delegate", s.handleDelegate))
	s.mux.HandleFunc("GET /delegations", s.instrument("delegations", s.handleList))
	s.mux.HandleFunc("GET /delegation/{id}", s.instrument("delegation_get", s.handleGet))
	s.mux.HandleFunc("DELETE /delegation/{id}", s.instrument("delegation_delete", s.handleCancel))
	s.mux.HandleFunc("GET /delegation/{id}/snapshots", s.instrument("snapshots_list", s.handleSnapshotsList))
	s.mux.HandleFunc("POST /delegation/{id}/snapshots/{snapshotId}/apply", s.instrument("snapshot_apply", s.handleSnapshotApply))
	s.mux.HandleFunc("POST /delegation/{id}/snapshots/{snapshotId}/discard", s.instrument("snapshot_discard", s.handleSnapshotDiscard))
	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	if s.reg != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.reg.registry))
	}
}

// ServeHTTP implements http.Handler.
func (s *DelegatorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewServer builds an *http.Server wrapping this handler with the explicit
// Read/Write/Idle timeouts the teacher's health server used.
func (s *DelegatorServer) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 6 * time.Minute, // accommodates the default 5m handle timeout
		IdleTimeout:  60 * time.Second,
	}
}

func (s *DelegatorServer) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
	}
}

type delegateRequestResource struct {
	Name   string              `json:"name"`
	Type   string              `json:"type"`
	Source string              `json:"source"`
	Mode   protocol.AccessMode `json:"mode"`
}

type delegateRequest struct {
	ExecutorURL string `json:"executorUrl"`
	Environment struct {
		Resources []delegateRequestResource `json:"resources"`
	} `json:"environment"`
	Task struct {
		Description string `json:"description"`
		Prompt      string `json:"prompt"`
	} `json:"task"`
	TTLSeconds         int                     `json:"ttlSeconds"`
	AccessMode         protocol.AccessMode     `json:"accessMode"`
	SnapshotMode       protocol.SnapshotPolicy `json:"snapshotMode"`
	Transport          protocol.TransportKind  `json:"transport"`
	SkipSensitiveCheck bool                    `json:"skipSensitiveCheck"`
	Auth               *protocol.Auth          `json:"auth"`
}

func (s *DelegatorServer) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "malformed request body", err.Error()))
		return
	}

	params := delegator.DelegateParams{
		ExecutorURL:        req.ExecutorURL,
		Task:               protocol.TaskDescriptor{Description: req.Task.Description, Prompt: req.Task.Prompt},
		TTLSeconds:         req.TTLSeconds,
		AccessMode:         req.AccessMode,
		SnapshotMode:       req.SnapshotMode,
		Transport:          req.Transport,
		SkipSensitiveCheck: req.SkipSensitiveCheck,
		Auth:               req.Auth,
	}
	for _, rsrc := range req.Environment.Resources {
		params.Resources = append(params.Resources, delegator.ResourceParam{
			Name: rsrc.Name, Type: rsrc.Type, Source: rsrc.Source, Mode: rsrc.Mode,
		})
	}

	id, err := s.svc.Delegate(r.Context(), params)
	if err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"delegationId": id})
}

func (s *DelegatorServer) handleList(w http.ResponseWriter, r *http.Request) {
	list := s.svc.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activeDelegations": countNonTerminal(list),
		"delegations":       list,
	})
}

func countNonTerminal(list []delegation.Delegation) int {
	n := 0
	for _, d := range list {
		if !d.State.Terminal() {
			n++
		}
	}
	return n
}

func (s *DelegatorServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.svc.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.NewError(protocol.ErrNotFound, "unknown delegation: "+id, ""))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *DelegatorServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *DelegatorServer) handleSnapshotsList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snaps, err := s.svc.ListSnapshots(id)
	if err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *DelegatorServer) handleSnapshotApply(w http.ResponseWriter, r *http.Request) {
	id, snapID := r.PathValue("id"), r.PathValue("snapshotId")
	if err := s.svc.ApplySnapshot(r.Context(), id, snapID); err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *DelegatorServer) handleSnapshotDiscard(w http.ResponseWriter, r *http.Request) {
	id, snapID := r.PathValue("id"), r.PathValue("snapshotId")
	if err := s.svc.DiscardSnapshot(r.Context(), id, snapID); err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
