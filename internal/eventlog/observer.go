package eventlog

import (
	"context"
	"log/slog"
)

// Observer receives every event after it has been appended. Single-method
// design so new event types never break existing observers.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// MultiObserver fans out events to multiple observers.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(e Event) {
	for _, obs := range m {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}

// LogObserver writes events as structured slog lines.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) OnEvent(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.Uint64("seq", e.Seq),
		slog.String("run_id", e.RunID),
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}
	if id, ok := e.Payload["capability"].(string); ok {
		attrs = append(attrs, slog.String("capability", id))
	}

	level := slog.LevelDebug
	switch e.Type {
	case RunFailed, AgentFailed:
		level = slog.LevelWarn
	case RunCompleted, ConsultationRequested, ConsultationResolved:
		level = slog.LevelInfo
	}
	logger.LogAttrs(context.Background(), level, "run event", attrs...)
}
