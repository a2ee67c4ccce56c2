package engine

import (
	"errors"
	"fmt"
)

// State is the position of a run in the workflow.
type State string

const (
	StateIngested      State = "ingested"
	StateCategorizing  State = "categorizing"
	StateConsultingCat State = "consulting_category"
	StateDispatching   State = "dispatching"
	StateCollecting    State = "collecting"
	StateAssembling    State = "assembling"
	StateConsultingQA  State = "consulting_quality"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// ErrInvalidTransition is returned for a state change the workflow does not allow.
var ErrInvalidTransition = errors.New("engine: invalid state transition")

var allowedTransitions = map[State]map[State]struct{}{
	StateIngested: {
		StateCategorizing: {},
		StateFailed:       {},
	},
	StateCategorizing: {
		StateConsultingCat: {},
		StateDispatching:   {},
		StateFailed:        {},
	},
	StateConsultingCat: {
		StateDispatching: {},
		StateFailed:      {},
	},
	StateDispatching: {
		StateCollecting: {},
		StateFailed:     {},
	},
	StateCollecting: {
		StateAssembling: {},
		StateFailed:     {},
	},
	StateAssembling: {
		StateConsultingQA: {},
		StateCompleted:    {},
		StateFailed:       {},
	},
	StateConsultingQA: {
		StateCompleted: {},
		StateFailed:    {},
	},
	StateCompleted: {},
	StateFailed:    {},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ValidateState rejects states outside the workflow.
func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("engine: unknown state %q", s)
	}
	return nil
}

// ValidateTransition rejects a move the workflow does not allow.
func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
