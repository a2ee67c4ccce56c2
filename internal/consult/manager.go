package consult

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
)

// Manager runs consultations against a Channel. It holds no per-run state:
// resolved records travel back to the caller and onto the run record.
// One Manager may serve many concurrent runs.
type Manager struct {
	channel Channel
	clock   func() time.Time
	logger  *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source for record timestamps.
func WithClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger overrides the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager posting to ch.
func NewManager(ch Channel, opts ...ManagerOption) *Manager {
	m := &Manager{
		channel: ch,
		clock:   func() time.Time { return time.Now().UTC() },
		logger:  logging.New("consult"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Ask is the caller's side of one consultation.
type Ask struct {
	Kind    Kind
	Reason  string
	Options []string
	Default string
	Timeout time.Duration
	Detail  map[string]any
}

func (a Ask) validate() error {
	if len(a.Options) == 0 {
		return errors.New("no options offered")
	}
	if a.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	for _, o := range a.Options {
		if o == a.Default {
			return nil
		}
	}
	return errors.New("default is not among options")
}

// Request posts a consultation, suspends until it is resolved, and returns
// the resolved record. Each call is an independent consultation.
//
// When the deadline passes, the record resolves to ask.Default with source
// timeout-default. When ctx ends first, no resolution is fabricated: the
// record stays unresolved and a timeout or cancelled fault is returned.
func (m *Manager) Request(ctx context.Context, log *eventlog.Log, runID string, ask Ask) (Record, error) {
	stage := "consult_" + string(ask.Kind)
	if err := ask.validate(); err != nil {
		return Record{}, faults.Invariant(stage, "consultation request: %v", err)
	}

	now := m.clock()
	rec := Record{
		ID:          uuid.NewString(),
		RunID:       runID,
		Kind:        ask.Kind,
		Reason:      ask.Reason,
		Options:     append([]string(nil), ask.Options...),
		Default:     ask.Default,
		RequestedAt: now,
		Deadline:    now.Add(ask.Timeout),
	}

	if _, err := log.Append(eventlog.ConsultationRequested, stage, map[string]any{
		"consultation_id": rec.ID,
		"kind":            string(rec.Kind),
		"reason":          rec.Reason,
		"options":         rec.Options,
		"default":         rec.Default,
		"deadline":        rec.Deadline,
	}); err != nil {
		return Record{}, err
	}

	id, err := m.channel.Post(ctx, Request{
		ID:       rec.ID,
		RunID:    runID,
		Kind:     rec.Kind,
		Reason:   rec.Reason,
		Options:  rec.Options,
		Default:  rec.Default,
		Deadline: rec.Deadline,
		Detail:   ask.Detail,
	})
	if err != nil {
		if ctxErr := faults.FromContext(ctx, stage); ctxErr != nil {
			return rec.clone(), ctxErr
		}
		return rec.clone(), faults.New(faults.KindTransport, stage, "post", err)
	}

	// The wait uses the wall clock; the record deadline uses the manager
	// clock so tests can pin timestamps.
	resp, err := m.channel.AwaitResponse(ctx, id, time.Now().Add(ask.Timeout))
	switch {
	case errors.Is(err, ErrAwaitTimeout):
		rec.Source = SourceTimeoutDefault
		rec.Decision = rec.Default
		m.logger.WarnContext(ctx, "consultation resolved by timeout default",
			"run_id", runID, "consultation_id", rec.ID, "kind", string(rec.Kind), "decision", rec.Decision)
	case err != nil:
		if ctxErr := faults.FromContext(ctx, stage); ctxErr != nil {
			return rec.clone(), ctxErr
		}
		return rec.clone(), faults.New(faults.KindTransport, stage, "await", err)
	default:
		if verr := resp.validate(Request{Options: rec.Options}); verr != nil {
			return rec.clone(), faults.New(faults.KindStateInvariant, stage, "response", verr).
				WithDetail("consultation_id", rec.ID).
				WithDetail("decision", resp.Decision)
		}
		rec.Source = SourceHuman
		rec.Decision = resp.Decision
		rec.Responder = resp.Responder
		rec.Note = resp.Note
		m.logger.InfoContext(ctx, "consultation resolved by reviewer",
			"run_id", runID, "consultation_id", rec.ID, "decision", rec.Decision, "responder", rec.Responder)
	}
	rec.ResolvedAt = m.clock()

	if _, err := log.Append(eventlog.ConsultationResolved, stage, map[string]any{
		"consultation_id": rec.ID,
		"source":          string(rec.Source),
		"decision":        rec.Decision,
		"responder":       rec.Responder,
	}); err != nil {
		return rec.clone(), err
	}
	return rec.clone(), nil
}
