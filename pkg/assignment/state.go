package assignment

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/awcp/pkg/protocol"
)

// Event is an assignment state-machine event name.
type Event string

const (
	EventReceiveStart Event = "RECEIVE_START"
	EventTaskComplete Event = "TASK_COMPLETE"
	EventTaskFail     Event = "TASK_FAIL"
	EventReceiveError Event = "RECEIVE_ERROR"
	EventCancel       Event = "CANCEL"
)

var legalFrom = map[Event]map[State]bool{
	EventReceiveStart: {Pending: true},
}

var target = map[Event]State{
	EventReceiveStart: Active,
	EventTaskComplete: Completed,
	EventTaskFail:     Error,
	EventReceiveError: Error,
	EventCancel:       Cancelled,
}

// IllegalTransitionError reports a rejected assignment transition.
type IllegalTransitionError struct {
	ID    string
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("assignment %s: event %s illegal from state %s", e.ID, e.Event, e.From)
}

// Machine guards an Assignment's transitions with a per-id lock.
type Machine struct {
	mu sync.Mutex
	a  *Assignment
}

// NewMachine wraps an existing assignment record.
func NewMachine(a *Assignment) *Machine {
	return &Machine{a: a}
}

// Snapshot returns a copy of the current record.
func (m *Machine) Snapshot() Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.a
}

// Fire attempts event; see delegation.Machine.Fire for the mutate contract.
func (m *Machine) Fire(event Event, mutate func(*Assignment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.a.State
	if from.Terminal() {
		return &IllegalTransitionError{ID: m.a.ID, From: from, Event: event}
	}

	switch event {
	case EventTaskComplete, EventTaskFail, EventReceiveError, EventCancel:
		// legal from any non-terminal state
	default:
		if !legalFrom[event][from] {
			return &IllegalTransitionError{ID: m.a.ID, From: from, Event: event}
		}
	}

	m.a.State = target[event]
	if mutate != nil {
		mutate(m.a)
	}
	m.a.UpdatedAt = time.Now()
	return nil
}

// MarkError transitions to Error carrying a terminal error record.
func (m *Machine) MarkError(event Event, err *protocol.Error) error {
	return m.Fire(event, func(a *Assignment) {
		a.Err = &TerminalErr{Code: err.Code, Message: err.Message, Hint: err.Hint}
	})
}
