// Package transport implements the pluggable data-plane abstraction: two
// parallel interfaces (delegator-side, executor-side) dispatched by a
// TransportHandle's Kind discriminator, plus the archive transport's full
// ZIP-based implementation. The mount/storage/branch kinds are structural
// stub adapters — their concrete back-end tooling (an SSHFS-style mount
// subprocess, a cloud storage URL signer, a VCS branch manager) is out of
// scope per the protocol spec; the adapter contract and dispatch are fully
// implemented regardless. This package has no tests of its own.
package transport

import (
	"context"

	"github.com/cuemby/awcp/pkg/protocol"
)

// Capabilities describes what a transport kind supports.
type Capabilities struct {
	LiveSync          bool
	SupportsSnapshots bool
	Chunked           bool
}

// PrepareParams is the input to a DelegatorTransport.Prepare call.
type PrepareParams struct {
	DelegationID string
	EnvRoot      string
	TTLSeconds   int
}

// Resource names one resource for an ApplySnapshot call.
type Resource struct {
	Name   string
	Source string
	Mode   protocol.AccessMode
}

// DelegatorTransport is implemented once per transport kind, delegator side.
type DelegatorTransport interface {
	Kind() protocol.TransportKind
	Capabilities() Capabilities
	Prepare(ctx context.Context, params PrepareParams) (protocol.TransportHandleEnvelope, error)
	// ApplySnapshot is required iff Capabilities().SupportsSnapshots.
	ApplySnapshot(ctx context.Context, delegationID string, snapshotBytes []byte, resources []Resource) error
	Release(ctx context.Context, delegationID string) error
}

// ExecutorTransport is implemented once per transport kind, executor side.
type ExecutorTransport interface {
	Kind() protocol.TransportKind
	Capabilities() Capabilities
	Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (actualWorkPath string, err error)
	// CaptureSnapshot is optional; returning ("", nil) means no snapshot.
	CaptureSnapshot(ctx context.Context, delegationID string, workPath string) (snapshotBase64 string, err error)
	Release(ctx context.Context, delegationID string, workPath string) error
}

// DelegatorRegistry dispatches delegator-side transports by kind.
type DelegatorRegistry struct {
	byKind map[protocol.TransportKind]DelegatorTransport
}

// NewDelegatorRegistry builds a registry from the given transports.
func NewDelegatorRegistry(transports ...DelegatorTransport) *DelegatorRegistry {
	r := &DelegatorRegistry{byKind: make(map[protocol.TransportKind]DelegatorTransport)}
	for _, t := range transports {
		r.byKind[t.Kind()] = t
	}
	return r
}

// Get returns the transport for kind, or (nil, false) if unregistered —
// callers surface this as a fatal TRANSPORT_ERROR.
func (r *DelegatorRegistry) Get(kind protocol.TransportKind) (DelegatorTransport, bool) {
	t, ok := r.byKind[kind]
	return t, ok
}

// ExecutorRegistry dispatches executor-side transports by kind.
type ExecutorRegistry struct {
	byKind map[protocol.TransportKind]ExecutorTransport
}

// NewExecutorRegistry builds a registry from the given transports.
func NewExecutorRegistry(transports ...ExecutorTransport) *ExecutorRegistry {
	r := &ExecutorRegistry{byKind: make(map[protocol.TransportKind]ExecutorTransport)}
	for _, t := range transports {
		r.byKind[t.Kind()] = t
	}
	return r
}

// Get returns the transport for kind, or (nil, false) if unregistered.
func (r *ExecutorRegistry) Get(kind protocol.TransportKind) (ExecutorTransport, bool) {
	t, ok := r.byKind[kind]
	return t, ok
}
