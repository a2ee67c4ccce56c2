// Package consult suspends a run pending a human decision. Every request is
// bounded by a deadline; when it passes without a response the caller's
// conservative default is applied and recorded as an automatic resolution.
package consult

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Kind names the condition that raised the consultation.
type Kind string

const (
	KindCategorization Kind = "categorization"
	KindQualityGate    Kind = "quality_gate"
)

// Source records who resolved a consultation.
type Source string

const (
	SourceHuman          Source = "human"
	SourceTimeoutDefault Source = "timeout-default"
)

var (
	// ErrAwaitTimeout is returned by AwaitResponse when the deadline passes
	// without a response.
	ErrAwaitTimeout = errors.New("consult: no response before deadline")

	// ErrUnknownConsultation is returned when resolving an id that was never posted or already expired.
	ErrUnknownConsultation = errors.New("consult: unknown consultation")

	// ErrAlreadyResolved is returned on a second resolution of the same id.
	ErrAlreadyResolved = errors.New("consult: consultation already resolved")

	// ErrInvalidDecision is returned when a decision is not one of the offered options.
	ErrInvalidDecision = errors.New("consult: decision not among options")

	// ErrNoResponder is returned when a human response carries no responder.
	ErrNoResponder = errors.New("consult: responder is required")
)

// Request is what the channel presents to a reviewer.
type Request struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	Kind     Kind           `json:"kind"`
	Reason   string         `json:"reason"`
	Options  []string       `json:"options"`
	Default  string         `json:"default"`
	Deadline time.Time      `json:"deadline"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Allows reports whether decision is one of the options.
func (r Request) Allows(decision string) bool {
	return slices.Contains(r.Options, decision)
}

// Response is a reviewer's answer.
type Response struct {
	Decision  string `json:"decision"`
	Responder string `json:"responder"`
	Note      string `json:"note,omitempty"`
}

func (r Response) validate(req Request) error {
	if !req.Allows(r.Decision) {
		return ErrInvalidDecision
	}
	if r.Responder == "" {
		return ErrNoResponder
	}
	return nil
}

// Channel is the human-consultation transport. Implementations must be safe
// for concurrent use by many runs.
type Channel interface {
	// Post publishes the request and returns its id.
	Post(ctx context.Context, req Request) (string, error)
	// AwaitResponse blocks until a response for id arrives, deadline passes
	// (ErrAwaitTimeout) or ctx ends.
	AwaitResponse(ctx context.Context, id string, deadline time.Time) (Response, error)
}

// Record is the audit entry for one consultation. Values handed out by the
// Manager are copies and never change after resolution.
type Record struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Kind        Kind      `json:"kind"`
	Reason      string    `json:"reason"`
	Options     []string  `json:"options"`
	Default     string    `json:"default"`
	RequestedAt time.Time `json:"requested_at"`
	Deadline    time.Time `json:"deadline"`
	ResolvedAt  time.Time `json:"resolved_at,omitzero"`
	Source      Source    `json:"source,omitempty"`
	Decision    string    `json:"decision,omitempty"`
	Responder   string    `json:"responder,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// Resolved reports whether the record has a decision.
func (r Record) Resolved() bool { return r.Source != "" }

func (r Record) clone() Record {
	r.Options = slices.Clone(r.Options)
	return r
}
