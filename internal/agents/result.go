package agents

import (
	"fmt"
	"time"

	"gampwise/internal/faults"
)

// Status of one task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// SetStatus aggregates a dispatch.
type SetStatus string

const (
	SetComplete        SetStatus = "complete"
	SetPartial         SetStatus = "partial"
	SetCompleteFailure SetStatus = "complete_failure"
)

// Task is one unit of work for one capability.
type Task struct {
	Capability Capability
	Input      map[string]any
	Timeout    time.Duration
}

// Failure describes why a task did not produce a payload.
type Failure struct {
	Kind    faults.Kind    `json:"kind"`
	Message string         `json:"message"`
	Retries int            `json:"retries,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Result is the outcome of one task. Exactly one of Payload and Failure is set.
type Result struct {
	Capability Capability    `json:"capability"`
	Status     Status        `json:"status"`
	Payload    Payload       `json:"payload,omitempty"`
	Failure    *Failure      `json:"failure,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded reports whether the task produced a payload.
func (r Result) Succeeded() bool { return r.Status == StatusSucceeded }

func failed(c Capability, err error, retries int, d time.Duration) Result {
	diag := faults.Diagnostic(err)
	delete(diag, "kind")
	delete(diag, "message")
	delete(diag, "retries")
	if len(diag) == 0 {
		diag = nil
	}
	return Result{
		Capability: c,
		Status:     StatusFailed,
		Failure: &Failure{
			Kind:    faults.KindOf(err),
			Message: err.Error(),
			Retries: retries,
			Detail:  diag,
		},
		Duration: d,
	}
}

// ResultSet is the fan-in of one dispatch. Every submitted task has an entry.
type ResultSet struct {
	Results map[Capability]Result `json:"results"`
	Order   []Capability          `json:"order"`
	Status  SetStatus             `json:"status"`
}

func newResultSet(results []Result) ResultSet {
	rs := ResultSet{Results: make(map[Capability]Result, len(results))}
	ok := 0
	for _, r := range results {
		rs.Results[r.Capability] = r
		rs.Order = append(rs.Order, r.Capability)
		if r.Succeeded() {
			ok++
		}
	}
	switch {
	case ok == len(results):
		rs.Status = SetComplete
	case ok == 0:
		rs.Status = SetCompleteFailure
	default:
		rs.Status = SetPartial
	}
	return rs
}

// Succeeded returns the successful results in dispatch order.
func (rs ResultSet) Succeeded() []Result {
	var out []Result
	for _, c := range rs.Order {
		if r := rs.Results[c]; r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Failed returns the failed results in dispatch order.
func (rs ResultSet) Failed() []Result {
	var out []Result
	for _, c := range rs.Order {
		if r := rs.Results[c]; !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Missing returns the capabilities that failed.
func (rs ResultSet) Missing() []Capability {
	var out []Capability
	for _, r := range rs.Failed() {
		out = append(out, r.Capability)
	}
	return out
}

// Err returns a fault when every task failed. The caller must not proceed
// with empty context.
func (rs ResultSet) Err() error {
	if rs.Status != SetCompleteFailure {
		return nil
	}
	kind := faults.KindTransport
	detail := make(map[string]any, len(rs.Order))
	for _, r := range rs.Failed() {
		detail[string(r.Capability)] = r.Failure.Message
		if r.Failure.Kind == faults.KindTimeout {
			kind = faults.KindTimeout
		}
	}
	e := faults.New(kind, "dispatch", "collect", fmt.Errorf("all %d agent tasks failed", len(rs.Order)))
	e.Detail = map[string]any{"agents": detail}
	return e
}
