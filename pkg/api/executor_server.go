package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/awcp/pkg/executor"
	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/metrics"
	"github.com/cuemby/awcp/pkg/protocol"
)

// ExecutorServer exposes the Executor daemon's HTTP API: the /awcp control
// endpoint, the per-task SSE stream, ack, and cancel.
type ExecutorServer struct {
	svc *executor.Service
	reg *prometheusRegistry
	mux *http.ServeMux
}

// NewExecutorServer wires every route named in spec.md §6 for the Executor
// daemon.
func NewExecutorServer(svc *executor.Service, reg *prometheusRegistry) *ExecutorServer {
	s := &ExecutorServer{svc: svc, reg: reg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *ExecutorServer) routes() {
	s.mux.HandleFunc("POST /awcp", s.instrument("awcp", s.handleControl))
	s.mux.HandleFunc("GET /awcp/tasks/{id}/events", s.instrument("task_events", s.handleEvents))
	s.mux.HandleFunc("POST /awcp/tasks/{id}/ack", s.instrument("task_ack", s.handleAck))
	s.mux.HandleFunc("POST /awcp/cancel/{id}", s.instrument("cancel", s.handleCancel))
	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	if s.reg != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.reg.registry))
	}
}

// ServeHTTP implements http.Handler.
func (s *ExecutorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewServer builds an *http.Server wrapping this handler. WriteTimeout is
// left at zero: the SSE endpoint streams for the lifetime of a task, which
// can exceed any fixed deadline.
func (s *ExecutorServer) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

func (s *ExecutorServer) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(sw.status)).Inc()
	}
}

// handleControl dispatches POST /awcp by its `type` discriminator to
// INVITE, START, or ERROR handling (spec.md §4.9, §6).
func (s *ExecutorServer) handleControl(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "failed to read request body", err.Error()))
		return
	}

	var probe struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "malformed control envelope", err.Error()))
		return
	}

	switch probe.Type {
	case protocol.MessageInvite:
		s.handleInvite(w, data)
	case protocol.MessageStart:
		s.handleStart(w, data)
	case protocol.MessageError:
		s.handleErrorEnvelope(w, data)
	default:
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "unknown control message type: "+string(probe.Type), ""))
	}
}

func (s *ExecutorServer) handleInvite(w http.ResponseWriter, data []byte) {
	var invite protocol.Invite
	if err := json.Unmarshal(data, &invite); err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "malformed INVITE", err.Error()))
		return
	}

	accept, perr := s.svc.HandleInvite(invite)
	if perr != nil {
		writeError(w, statusForCode(perr.Code), perr)
		return
	}
	writeJSON(w, http.StatusOK, accept)
}

func (s *ExecutorServer) handleStart(w http.ResponseWriter, data []byte) {
	var start protocol.Start
	if err := json.Unmarshal(data, &start); err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "malformed START", err.Error()))
		return
	}
	// START is fire-and-forget on the wire (spec §4.9): acknowledge receipt
	// immediately and let the task's outcome surface over SSE.
	s.svc.HandleStart(start)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *ExecutorServer) handleErrorEnvelope(w http.ResponseWriter, data []byte) {
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(data, &errMsg); err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewError(protocol.ErrWorkspaceInvalid, "malformed ERROR", err.Error()))
		return
	}
	if err := s.svc.Cancel(errMsg.DelegationID); err != nil {
		log.WithAssignmentID(errMsg.DelegationID).Warn().Err(err).Msg("failed to cancel assignment after peer ERROR")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEvents implements the SSE endpoint GET /awcp/tasks/:id/events: one
// `data: <json>\n\n` frame per TaskEvent, flushed as they arrive.
func (s *ExecutorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sub, unsubscribe, err := s.svc.SubscribeTask(id)
	if err != nil {
		writeProtoErr(w, err)
		return
	}
	defer unsubscribe()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, protocol.NewError(protocol.ErrSSEFailed, "response writer does not support flushing", ""))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "data: %s\n\n", payload)
			bw.Flush()
			flusher.Flush()
			if event.IsTerminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *ExecutorServer) handleAck(w http.ResponseWriter, r *http.Request) {
	// Ack is advisory: the sweep timer owns actual retention/cleanup
	// regardless of whether the delegator ever acknowledges a terminal
	// event. Acknowledging lets a well-behaved peer signal it has consumed
	// the result, logged here for observability.
	id := r.PathValue("id")
	log.WithAssignmentID(id).Debug().Msg("terminal event acknowledged by delegator")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *ExecutorServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Cancel(id); err != nil {
		writeProtoErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
