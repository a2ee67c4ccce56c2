// Package faults defines the error taxonomy shared by every pipeline stage.
// Stages wrap failures in *Error so the engine can record the originating
// stage, the kind and a diagnostic payload without string matching.
package faults

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindAmbiguity      Kind = "ambiguity"
	KindQualityGate    Kind = "quality_gate"
	KindStateInvariant Kind = "state_invariant"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

var (
	// ErrTransport marks a failed call to an external collaborator.
	ErrTransport = errors.New("faults: transport failure")

	// ErrTimeout marks an exceeded deadline.
	ErrTimeout = errors.New("faults: deadline exceeded")

	// ErrAmbiguity marks a classification without a clear winner.
	ErrAmbiguity = errors.New("faults: ambiguous classification")

	// ErrQualityGate marks an assembled artifact that failed validation.
	ErrQualityGate = errors.New("faults: quality gate failed")

	// ErrStateInvariant marks an engine bug: an unexpected event or a missing context key.
	ErrStateInvariant = errors.New("faults: state invariant violated")
)

var sentinels = map[Kind]error{
	KindTransport:      ErrTransport,
	KindTimeout:        ErrTimeout,
	KindAmbiguity:      ErrAmbiguity,
	KindQualityGate:    ErrQualityGate,
	KindStateInvariant: ErrStateInvariant,
}

// Error is a classified failure with diagnostic context.
type Error struct {
	Kind    Kind
	Stage   string
	Op      string
	Retries int
	Detail  map[string]any
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [" + e.Stage + "]")
	}
	if e.Op != "" {
		b.WriteString(" " + e.Op)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if e.Retries > 0 {
		fmt.Fprintf(&b, " (after %d retries)", e.Retries)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so errors.Is(err, ErrTimeout)
// works for every timeout-kind Error.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}
	return false
}

// New creates a classified error.
func New(kind Kind, stage, op string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Op: op, Err: err}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// Invariant is shorthand for a StateInvariantError.
func Invariant(stage, format string, args ...any) *Error {
	return Newf(KindStateInvariant, stage, format, args...)
}

// WithDetail returns e with the key set in its diagnostic payload.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// KindOf classifies any error. Context errors map to timeout and cancelled;
// unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindInternal
}

// StageOf returns the outermost stage recorded on err, or fallback.
func StageOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Stage != "" {
		return fe.Stage
	}
	return fallback
}

// Diagnostic flattens err into a payload suitable for an event or a record.
// Detail maps are merged from the outermost to the innermost *Error.
func Diagnostic(err error) map[string]any {
	out := map[string]any{
		"kind":    string(KindOf(err)),
		"message": err.Error(),
	}
	var chain []*Error
	for e := err; e != nil; e = errors.Unwrap(e) {
		if fe, ok := e.(*Error); ok {
			chain = append(chain, fe)
		}
	}
	for _, fe := range chain {
		if fe.Retries > 0 {
			out["retries"] = fe.Retries
		}
		keys := make([]string, 0, len(fe.Detail))
		for k := range fe.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, exists := out[k]; !exists {
				out[k] = fe.Detail[k]
			}
		}
	}
	return out
}

// FromContext converts a context error into a classified error for stage.
// Returns nil when ctx is still live.
func FromContext(ctx context.Context, stage string) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, stage, "deadline", err)
	}
	return New(KindCancelled, stage, "cancel", err)
}
