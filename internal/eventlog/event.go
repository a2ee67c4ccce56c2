// Package eventlog holds the per-run audit trail: an append-only, totally
// ordered event log and a keyed, versioned context store. One Log and one
// Context belong to exactly one workflow run.
package eventlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event. The set is closed.
type Type string

const (
	Ingested              Type = "ingested"
	Categorized           Type = "categorized"
	ConsultationRequested Type = "consultation_requested"
	ConsultationResolved  Type = "consultation_resolved"
	AgentDispatched       Type = "agent_dispatched"
	AgentCompleted        Type = "agent_completed"
	AgentFailed           Type = "agent_failed"
	SuiteAssembled        Type = "suite_assembled"
	RunCompleted          Type = "run_completed"
	RunFailed             Type = "run_failed"
)

var knownTypes = map[Type]struct{}{
	Ingested: {}, Categorized: {}, ConsultationRequested: {}, ConsultationResolved: {},
	AgentDispatched: {}, AgentCompleted: {}, AgentFailed: {}, SuiteAssembled: {},
	RunCompleted: {}, RunFailed: {},
}

// Valid reports whether t is one of the declared event types.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Terminal reports whether t ends a run.
func (t Type) Terminal() bool {
	return t == RunCompleted || t == RunFailed
}

// Event is one immutable entry in a run's log.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	RunID   string         `json:"run_id"`
	Seq     uint64         `json:"seq"`
	Type    Type           `json:"type"`
	Stage   string         `json:"stage"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("#%d %s (%s)", e.Seq, e.Type, e.Stage)
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
