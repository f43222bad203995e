package vault

import "fmt"

var jobTransitions = map[JobKind]map[JobState][]JobState{
	JobKindTransform: {
		JobStatePending: {JobStateRunning},
		JobStateRunning: {JobStateSucceeded, JobStateFailed},
		JobStateFailed:  {JobStatePending, JobStateExhausted},
	},
	JobKindPublish: {
		JobStatePending: {JobStateRunning, JobStateCancelled},
		JobStateRunning: {JobStateSucceeded, JobStateFailed},
		JobStateFailed:  {JobStatePending, JobStateExhausted},
	},
}

// IsTerminal reports whether no transition leaves s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateExhausted, JobStateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateSucceeded,
		JobStateFailed, JobStateExhausted, JobStateCancelled:
		return true
	}
	return false
}

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindTransform || k == JobKindPublish
}

// CanTransition reports whether kind's state machine allows from -> to.
func CanTransition(kind JobKind, from, to JobState) bool {
	for _, next := range jobTransitions[kind][from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition checks that every state in t.From may move to t.To.
func validateTransition(kind JobKind, t Transition) error {
	if len(t.From) == 0 {
		return fmt.Errorf("%w: empty from-state set", ErrValidation)
	}
	if !t.To.Valid() {
		return fmt.Errorf("%w: unknown state %s", ErrValidation, t.To)
	}
	for _, from := range t.From {
		if !CanTransition(kind, from, t.To) {
			return fmt.Errorf("%w: %s job cannot move from %s to %s", ErrIllegalTransition, kind, from, t.To)
		}
	}
	if t.Claim && t.To != JobStateRunning {
		return fmt.Errorf("%w: claim must target %s", ErrValidation, JobStateRunning)
	}
	return nil
}

// InitialState returns the state a new job of kind starts in.
func InitialState(kind JobKind) JobState {
	return JobStatePending
}
