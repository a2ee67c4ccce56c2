package engine

import (
	"time"

	"gampwise/internal/consult"
	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess              Status = "success"
	StatusConsultationRequired Status = "consultation-required"
	StatusFailed               Status = "failed"
)

// Usage counts the collaborator work a run performed.
type Usage struct {
	ClassifierCalls int `json:"classifier_calls"`
	AgentCalls      int `json:"agent_calls"`
	AgentFailures   int `json:"agent_failures"`
	Consultations   int `json:"consultations"`
	Retries         int `json:"retries"`
}

// Failure reasons that are not a bare fault kind.
const (
	ReasonRunTimeout   = "timeout"
	ReasonAgentTimeout = "agent_timeout"
	ReasonStageTimeout = "stage_timeout"
)

// FailureDiagnostic explains a failed run.
type FailureDiagnostic struct {
	Stage   string         `json:"stage"`
	Kind    faults.Kind    `json:"kind"`
	Reason  string         `json:"reason"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// RunRecord is everything one run produced, including its full event log.
// A record is built once at the end of the run and never mutated.
type RunRecord struct {
	RunID         string             `json:"run_id"`
	DocumentID    string             `json:"document_id"`
	FoldID        string             `json:"fold_id,omitempty"`
	Status        Status             `json:"status"`
	FinalState    State              `json:"final_state"`
	Category      string             `json:"category,omitempty"`
	ExpectedLabel string             `json:"expected_label,omitempty"`
	Correct       *bool              `json:"correct,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	Duration      time.Duration      `json:"duration"`
	Usage         Usage              `json:"usage"`
	SuiteRef      string             `json:"suite_ref,omitempty"`
	Failure       *FailureDiagnostic `json:"failure,omitempty"`
	Consultations []consult.Record   `json:"consultations,omitempty"`
	Events        []eventlog.Event   `json:"events"`
}

// Succeeded reports whether the run completed with an accepted suite.
func (r RunRecord) Succeeded() bool { return r.Status == StatusSuccess }

// WithFold returns r labeled for an evaluation fold, with correctness
// derived from the expected label when both sides are known.
func (r RunRecord) WithFold(foldID, expected string) RunRecord {
	r.FoldID = foldID
	r.ExpectedLabel = expected
	r.Correct = nil
	if expected != "" && r.Category != "" {
		ok := r.Category == expected
		r.Correct = &ok
	}
	return r
}

// FailedRecord builds the record for a run that could not start, such as a
// fold naming a document missing from the corpus.
func FailedRecord(runID, documentID string, started time.Time, err error) RunRecord {
	return RunRecord{
		RunID:      runID,
		DocumentID: documentID,
		Status:     StatusFailed,
		FinalState: StateFailed,
		StartedAt:  started,
		Failure:    diagnose(err, "ingest", false),
	}
}

func diagnose(err error, stage string, runTimedOut bool) *FailureDiagnostic {
	d := faults.Diagnostic(err)
	kind := faults.KindOf(err)
	stage = faults.StageOf(err, stage)
	reason := string(kind)
	switch {
	case runTimedOut:
		kind, reason = faults.KindTimeout, ReasonRunTimeout
	case kind == faults.KindTimeout && stage == StepDispatch:
		reason = ReasonAgentTimeout
	case kind == faults.KindTimeout:
		reason = ReasonStageTimeout
	}
	msg, _ := d["message"].(string)
	delete(d, "kind")
	delete(d, "message")
	if len(d) == 0 {
		d = nil
	}
	return &FailureDiagnostic{
		Stage:   stage,
		Kind:    kind,
		Reason:  reason,
		Message: msg,
		Detail:  d,
	}
}
