// Package assignment owns the Assignment record and its state machine —
// the executor-side mirror of a delegation.
package assignment

import (
	"time"

	"github.com/cuemby/awcp/pkg/protocol"
)

// State is an assignment lifecycle state.
type State string

const (
	Pending   State = "pending"
	Active    State = "active"
	Completed State = "completed"
	Error     State = "error"
	Cancelled State = "cancelled"
)

// Terminal reports whether s ends the assignment's lifecycle.
func (s State) Terminal() bool {
	switch s {
	case Completed, Error, Cancelled:
		return true
	default:
		return false
	}
}

// ActiveLease mirrors delegation.ActiveLease on the executor side.
type ActiveLease struct {
	ExpiresAt time.Time           `json:"expiresAt"`
	Mode      protocol.AccessMode `json:"mode"`
}

// TerminalResult is the outcome of a completed task.
type TerminalResult struct {
	Summary        string   `json:"summary"`
	Highlights     []string `json:"highlights,omitempty"`
	SnapshotIDs    []string `json:"snapshotIds,omitempty"`
}

// TerminalErr records a terminal failure.
type TerminalErr struct {
	Code    protocol.ErrorCode `json:"code"`
	Message string             `json:"message"`
	Hint    string             `json:"hint,omitempty"`
}

// Assignment is the executor-owned record mirroring one delegation.
type Assignment struct {
	ID     string          `json:"id"`
	Invite protocol.Invite `json:"invite"`

	WorkPath string `json:"workPath"`

	State State `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	ActiveLease *ActiveLease `json:"activeLease,omitempty"`

	Result *TerminalResult `json:"result,omitempty"`
	Err    *TerminalErr    `json:"error,omitempty"`
}

// New constructs a fresh assignment in state Pending.
func New(id string, invite protocol.Invite, workPath string) *Assignment {
	now := time.Now()
	return &Assignment{
		ID:        id,
		Invite:    invite,
		WorkPath:  workPath,
		State:     Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
