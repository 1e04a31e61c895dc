// Package delegation owns the Delegation record and its state machine —
// the delegator-side half of a paired AWCP session.
package delegation

import (
	"time"

	"github.com/cuemby/awcp/pkg/protocol"
)

// State is a delegation lifecycle state.
type State string

const (
	Created   State = "created"
	Invited   State = "invited"
	Accepted  State = "accepted"
	Started   State = "started"
	Running   State = "running"
	Completed State = "completed"
	Error     State = "error"
	Cancelled State = "cancelled"
	Expired   State = "expired"
)

// Terminal reports whether s is one of the four terminal states.
func (s State) Terminal() bool {
	switch s {
	case Completed, Error, Cancelled, Expired:
		return true
	default:
		return false
	}
}

// Resource is one named, bounded view offered to the executor.
type Resource struct {
	Name   string               `json:"name"`
	Type   string               `json:"type"`
	Source string               `json:"source"`
	Mode   protocol.AccessMode  `json:"mode"`
}

// EnvironmentSpec is the set of resources a delegation offers.
type EnvironmentSpec struct {
	Resources []Resource `json:"resources"`
}

// ActiveLease is the currently granted access window, if any.
type ActiveLease struct {
	ExpiresAt time.Time           `json:"expiresAt"`
	Mode      protocol.AccessMode `json:"mode"`
}

// TerminalResult records a successful completion.
type TerminalResult struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights,omitempty"`
}

// TerminalErr records a terminal failure.
type TerminalErr struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
	Hint    string             `json:"hint,omitempty"`
}

// Delegation is the delegator-owned record for one session.
type Delegation struct {
	ID       string `json:"id"`
	PeerURL  string `json:"peerUrl"`

	Task        protocol.TaskDescriptor `json:"task"`
	Environment EnvironmentSpec         `json:"environment"`

	TTLSeconds int                    `json:"ttlSeconds"`
	AccessMode protocol.AccessMode    `json:"accessMode"`
	Snapshot   protocol.SnapshotPolicy `json:"snapshotPolicy"`
	RetentionMs   int64 `json:"retentionMs"`
	MaxSnapshots  int   `json:"maxSnapshots"`

	State State `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ExecutorWorkDir     string                         `json:"executorWorkDir,omitempty"`
	ExecutorConstraints *protocol.ExecutorConstraints  `json:"executorConstraints,omitempty"`

	ActiveLease *ActiveLease `json:"activeLease,omitempty"`
	EnvRoot     string       `json:"envRoot,omitempty"`

	Snapshots         []string `json:"snapshots"` // ordered snapshot ids
	AppliedSnapshotID string   `json:"appliedSnapshotId,omitempty"`

	Result *TerminalResult `json:"result,omitempty"`
	Err    *TerminalErr    `json:"error,omitempty"`

	TransportKind protocol.TransportKind `json:"transportKind"`
}

// New constructs a fresh delegation in state Created.
func New(id, peerURL string, task protocol.TaskDescriptor, env EnvironmentSpec, ttlSeconds int, mode protocol.AccessMode, policy protocol.SnapshotPolicy, transportKind protocol.TransportKind) *Delegation {
	now := time.Now()
	return &Delegation{
		ID:            id,
		PeerURL:       peerURL,
		Task:          task,
		Environment:   env,
		TTLSeconds:    ttlSeconds,
		AccessMode:    mode,
		Snapshot:      policy,
		State:         Created,
		CreatedAt:     now,
		UpdatedAt:     now,
		Snapshots:     []string{},
		TransportKind: transportKind,
	}
}
