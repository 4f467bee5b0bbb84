package order

import (
	"fmt"
	"slices"

	"github.com/go-faster/errors"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusCart       Status = "cart"
	StatusInProcess  Status = "in_process"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
)

// ErrInvalidTransition is wrapped by every TransitionError.
var ErrInvalidTransition = errors.New("invalid order status transition")

var transitions = map[Status][]Status{
	StatusCart:       {StatusInProcess, StatusCanceled},
	StatusInProcess:  {StatusProcessing, StatusCanceled},
	StatusProcessing: {StatusShipped, StatusCanceled},
	StatusShipped:    {StatusCompleted, StatusCanceled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCart, StatusInProcess, StatusProcessing, StatusShipped, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// TransitionError reports a transition outside the state machine.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether from may move to to in one step.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Transition validates moving from to to. A transition into the current state
// is a no-op and reports changed=false.
func Transition(from, to Status) (changed bool, err error) {
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, &TransitionError{From: from, To: to}
	}
	return true, nil
}
