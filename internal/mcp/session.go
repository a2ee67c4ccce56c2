package mcp

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"gampwise/internal/logging"
	"gampwise/internal/stats"
)

// SessionState tracks the lifecycle of an evaluation session.
type SessionState string

const (
	StateRunning SessionState = "running"
	StateDone    SessionState = "done"
	StateError   SessionState = "error"
)

// RunFunc runs one evaluation to its report.
type RunFunc func(ctx context.Context) (stats.Report, error)

// Session is one evaluation running in the background while reviewers
// answer its consultations through MCP tool calls.
type Session struct {
	ID   string
	Name string

	state  SessionState
	report *stats.Report
	err    error
	doneCh chan struct{}
	cancel context.CancelFunc

	mu sync.Mutex
}

// NewSession spawns run in a goroutine and returns immediately.
func NewSession(ctx context.Context, name string, run RunFunc) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:     uuid.NewString(),
		Name:   name,
		state:  StateRunning,
		doneCh: make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx, run)
	return s
}

func (s *Session) run(ctx context.Context, run RunFunc) {
	logger := logging.New("mcp-session").With("session_id", s.ID)
	defer close(s.doneCh)
	defer s.cancel()

	rep, err := run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state, s.err = StateError, err
		logger.Error("evaluation session failed", "error", err)
		return
	}
	s.state, s.report = StateDone, &rep
	logger.Info("evaluation session done", "runs", rep.N, "succeeded", rep.Succeeded)
}

// GetState returns the current session state.
func (s *Session) GetState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the evaluation.
func (s *Session) Cancel() { s.cancel() }

// Report returns the report once the session is done.
func (s *Session) Report() *stats.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Err returns the evaluation error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the evaluation has returned.
func (s *Session) Done() <-chan struct{} { return s.doneCh }
