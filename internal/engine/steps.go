package engine

import (
	"errors"
	"fmt"

	"gampwise/internal/eventlog"
)

var (
	// ErrStepSelfLoop is returned for a step that emits the type it consumes.
	ErrStepSelfLoop = errors.New("engine: step emits its own input")

	// ErrStepCycle is returned when a step emits a type consumed by one of its ancestors.
	ErrStepCycle = errors.New("engine: step graph has a cycle")

	// ErrStepInvalid is returned for an unnamed, duplicated or untyped step.
	ErrStepInvalid = errors.New("engine: invalid step")
)

// Step is a node of the workflow graph: it runs once the event it consumes
// is in the log and contributes the event it emits.
type Step struct {
	Name     string
	Consumes eventlog.Type
	Emits    eventlog.Type
}

// Step names.
const (
	StepCategorize     = "categorize"
	StepConsultCat     = "consult_category"
	StepDispatch       = "dispatch"
	StepCollect        = "collect"
	StepAssemble       = "assemble"
	StepConsultQuality = "consult_quality"
	StepComplete       = "complete"
)

// DefaultSteps is the categorize, dispatch, assemble workflow.
func DefaultSteps() []Step {
	return []Step{
		{Name: StepCategorize, Consumes: eventlog.Ingested, Emits: eventlog.Categorized},
		{Name: StepConsultCat, Consumes: eventlog.Categorized, Emits: eventlog.ConsultationResolved},
		{Name: StepDispatch, Consumes: eventlog.Categorized, Emits: eventlog.AgentDispatched},
		{Name: StepCollect, Consumes: eventlog.AgentDispatched, Emits: eventlog.AgentCompleted},
		{Name: StepAssemble, Consumes: eventlog.AgentCompleted, Emits: eventlog.SuiteAssembled},
		{Name: StepConsultQuality, Consumes: eventlog.SuiteAssembled, Emits: eventlog.ConsultationResolved},
		{Name: StepComplete, Consumes: eventlog.SuiteAssembled, Emits: eventlog.RunCompleted},
	}
}

// ValidateSteps checks the graph formed by linking each step to the steps
// consuming what it emits. A step may not emit its own input, nor the input
// of any step on a path leading to it.
func ValidateSteps(steps []Step) error {
	names := make(map[string]bool, len(steps))
	consumers := make(map[eventlog.Type][]Step)
	for _, s := range steps {
		switch {
		case s.Name == "":
			return fmt.Errorf("%w: unnamed step", ErrStepInvalid)
		case names[s.Name]:
			return fmt.Errorf("%w: duplicate step %q", ErrStepInvalid, s.Name)
		case !s.Consumes.Valid() || !s.Emits.Valid():
			return fmt.Errorf("%w: step %q has unknown event types", ErrStepInvalid, s.Name)
		case s.Emits == s.Consumes:
			return fmt.Errorf("%w: %s consumes and emits %s", ErrStepSelfLoop, s.Name, s.Emits)
		}
		names[s.Name] = true
		consumers[s.Consumes] = append(consumers[s.Consumes], s)
	}

	var visit func(s Step, path []Step) error
	visit = func(s Step, path []Step) error {
		path = append(path[:len(path):len(path)], s)
		for _, anc := range path[:len(path)-1] {
			if anc.Consumes == s.Emits {
				return fmt.Errorf("%w: %s emits %s, consumed by ancestor %s", ErrStepCycle, s.Name, s.Emits, anc.Name)
			}
		}
		for _, next := range consumers[s.Emits] {
			if err := visit(next, path); err != nil {
				return err
			}
		}
		return nil
	}
	for _, s := range steps {
		if err := visit(s, nil); err != nil {
			return err
		}
	}
	return nil
}
