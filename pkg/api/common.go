package api

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuemby/awcp/pkg/protocol"
)

// prometheusRegistry wraps a *prometheus.Registry so server constructors can
// accept nil (skip mounting /metrics) without importing the prometheus
// package at every call site.
type prometheusRegistry struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistry adapts reg for use with NewDelegatorServer /
// NewExecutorServer.
func NewPrometheusRegistry(reg *prometheus.Registry) *prometheusRegistry {
	return &prometheusRegistry{registry: reg}
}

// statusWriter records the status code written so instrument() can label the
// awcp_http_requests_total counter.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, perr *protocol.Error) {
	writeJSON(w, status, perr)
}

// writeProtoErr maps a protocol.Error's code to an HTTP status and writes it.
func writeProtoErr(w http.ResponseWriter, err error) {
	perr := protocol.AsError(err)
	writeError(w, statusForCode(perr.Code), perr)
}

func statusForCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrWorkspaceInvalid, protocol.ErrWorkspaceTooLarge, protocol.ErrSensitiveFiles, protocol.ErrIllegalTransition:
		return http.StatusBadRequest
	case protocol.ErrDeclined, protocol.ErrWorkdirDenied:
		return http.StatusForbidden
	case protocol.ErrDependencyMissing:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
