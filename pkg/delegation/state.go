package delegation

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/awcp/pkg/protocol"
)

// Event is a delegation state-machine event name.
type Event string

const (
	EventSendInvite     Event = "SEND_INVITE"
	EventReceiveAccept  Event = "RECEIVE_ACCEPT"
	EventSendStart      Event = "SEND_START"
	EventSetupComplete  Event = "SETUP_COMPLETE"
	EventReceiveDone    Event = "RECEIVE_DONE"
	EventReceiveError   Event = "RECEIVE_ERROR"
	EventCancel         Event = "CANCEL"
	EventLeaseExpired   Event = "LEASE_EXPIRED"
)

// legalFrom maps an event to the set of states it may fire from. Any state
// not listed here is an illegal source for that event.
var legalFrom = map[Event]map[State]bool{
	EventSendInvite:    {Created: true},
	EventReceiveAccept: {Invited: true},
	EventSendStart:     {Accepted: true},
	EventSetupComplete: {Started: true},
	EventReceiveDone:   {Running: true, Started: true},
	// RECEIVE_ERROR, CANCEL, and LEASE_EXPIRED are legal from any
	// non-terminal state; checked specially below rather than enumerated.
}

// target is the state each event drives its source state to. Every event,
// including the "any non-terminal" ones, has one constant target; only the
// legality check for those three is handled separately in Fire.
var target = map[Event]State{
	EventSendInvite:    Invited,
	EventReceiveAccept: Accepted,
	EventSendStart:     Started,
	EventSetupComplete: Running,
	EventReceiveDone:   Completed,
	EventReceiveError:  Error,
	EventCancel:        Cancelled,
	EventLeaseExpired:  Expired,
}

// IllegalTransitionError reports a rejected state-machine event. Invariant
// 2: illegal transitions fail loudly and never mutate.
type IllegalTransitionError struct {
	ID    string
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("delegation %s: event %s illegal from state %s", e.ID, e.Event, e.From)
}

// Machine guards a Delegation's transitions with a per-id lock, so at most
// one transition is ever in flight for a given id (spec §5).
type Machine struct {
	mu sync.Mutex
	d  *Delegation
}

// NewMachine wraps an existing delegation record.
func NewMachine(d *Delegation) *Machine {
	return &Machine{d: d}
}

// Snapshot returns a copy of the current record for safe external reading.
func (m *Machine) Snapshot() Delegation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.d
}

// Fire attempts event, returning an *IllegalTransitionError if it is not
// legal from the current state. mutate, if non-nil, runs under the lock
// after the state field is updated but before UpdatedAt is stamped, so
// callers can set result/error/lease fields atomically with the transition.
func (m *Machine) Fire(event Event, mutate func(*Delegation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.d.State
	if from.Terminal() {
		return &IllegalTransitionError{ID: m.d.ID, From: from, Event: event}
	}

	switch event {
	case EventReceiveError, EventCancel, EventLeaseExpired:
		// legal from any non-terminal state, already checked above
	default:
		if !legalFrom[event][from] {
			return &IllegalTransitionError{ID: m.d.ID, From: from, Event: event}
		}
	}

	m.d.State = target[event]
	if mutate != nil {
		mutate(m.d)
	}
	m.d.UpdatedAt = time.Now()
	return nil
}

// SweepLeaseExpiry fires LEASE_EXPIRED iff the delegation is non-terminal
// and its active lease has expired. Returns true if a transition occurred.
func (m *Machine) SweepLeaseExpiry(now time.Time) bool {
	m.mu.Lock()
	lease := m.d.ActiveLease
	expired := !m.d.State.Terminal() && lease != nil && now.After(lease.ExpiresAt)
	m.mu.Unlock()

	if !expired {
		return false
	}
	return m.Fire(EventLeaseExpired, nil) == nil
}

// Mutate applies fn to the delegation record under the machine's lock
// without attempting a state transition — used for field-only updates that
// don't correspond to a lifecycle event (e.g. recording a newly arrived
// snapshot id, or the applied-snapshot pointer).
func (m *Machine) Mutate(fn func(*Delegation)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.d)
	m.d.UpdatedAt = time.Now()
}

// MarkError is a convenience for transitioning to Error with a terminal
// error record attached.
func (m *Machine) MarkError(err *protocol.Error) error {
	return m.Fire(EventReceiveError, func(d *Delegation) {
		d.Err = &TerminalErr{Code: err.Code, Message: err.Message, Hint: err.Hint}
	})
}
