package consult

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/logging"
)

var _ Channel = (*MuxChannel)(nil)

// MuxChannel bridges runs waiting in AwaitResponse with an external reviewer
// that lists Pending requests and calls Resolve. Each posted request gets its
// own response channel, so answers reach the right run even when many runs
// wait at once.
type MuxChannel struct {
	log *slog.Logger

	mu       sync.Mutex
	entries  map[string]*pendingRequest
	closed   map[string]requestState
	abortCh  chan struct{}
	abortErr error
	notify   chan struct{}
}

type requestState int

const (
	stateOpen requestState = iota
	stateResolved
	stateExpired
	stateAborted
)

type pendingRequest struct {
	req   Request
	ch    chan Response
	state requestState
}

// NewMuxChannel creates an empty channel.
func NewMuxChannel() *MuxChannel {
	return &MuxChannel{
		log:     logging.New("consult"),
		entries: make(map[string]*pendingRequest),
		closed:  make(map[string]requestState),
		abortCh: make(chan struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Post registers req. An empty ID is assigned.
func (m *MuxChannel) Post(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	m.mu.Lock()
	select {
	case <-m.abortCh:
		m.mu.Unlock()
		return "", fmt.Errorf("consult channel aborted: %w", m.abortErr)
	default:
	}
	if _, dup := m.entries[req.ID]; dup {
		m.mu.Unlock()
		return "", fmt.Errorf("consult: duplicate consultation id %s", req.ID)
	}
	m.entries[req.ID] = &pendingRequest{req: req, ch: make(chan Response, 1)}
	count := len(m.entries)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}

	m.log.Info("consultation posted",
		slog.String("consultation_id", req.ID),
		slog.String("run_id", req.RunID),
		slog.String("kind", string(req.Kind)),
		slog.Int("pending_count", count),
	)
	return req.ID, nil
}

// AwaitResponse blocks until Resolve delivers a response for id. A response
// delivered before the call is returned immediately.
func (m *MuxChannel) AwaitResponse(ctx context.Context, id string, deadline time.Time) (Response, error) {
	m.mu.Lock()
	p, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownConsultation, id)
	}
	defer m.finish(id)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp, ok := <-p.ch:
		if !ok {
			return Response{}, fmt.Errorf("consult channel aborted: %w", m.getAbortErr())
		}
		return resp, nil
	case <-timer.C:
		if resp, ok := m.expire(p); ok {
			return resp, nil
		}
		m.log.Warn("consultation deadline passed", slog.String("consultation_id", id))
		return Response{}, ErrAwaitTimeout
	case <-ctx.Done():
		if resp, ok := m.expire(p); ok {
			return resp, nil
		}
		return Response{}, ctx.Err()
	}
}

// expire closes p to further resolution. A response that raced with the
// deadline wins.
func (m *MuxChannel) expire(p *pendingRequest) (Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.state == stateResolved {
		return <-p.ch, true
	}
	if p.state == stateOpen {
		p.state = stateExpired
	}
	return Response{}, false
}

func (m *MuxChannel) finish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.entries[id]; ok {
		m.closed[id] = p.state
		delete(m.entries, id)
	}
}

// Resolve routes resp to the run waiting on id.
func (m *MuxChannel) Resolve(id string, resp Response) error {
	m.mu.Lock()
	p, ok := m.entries[id]
	state := m.closed[id]
	if ok {
		state = p.state
	}
	switch {
	case ok && state == stateOpen:
	case state == stateResolved:
		m.mu.Unlock()
		m.log.Error("double resolve detected", slog.String("consultation_id", id))
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConsultation, id)
	}
	if err := resp.validate(p.req); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", id, err)
	}
	p.state = stateResolved
	p.ch <- resp
	m.mu.Unlock()

	m.log.Info("consultation resolved",
		slog.String("consultation_id", id),
		slog.String("decision", resp.Decision),
		slog.String("responder", resp.Responder),
	)
	return nil
}

// Pending returns the open requests ordered by deadline.
func (m *MuxChannel) Pending() []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.entries))
	for _, p := range m.entries {
		if p.state == stateOpen {
			out = append(out, p.req)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Posted signals, without blocking the poster, that at least one request was
// posted since the last receive.
func (m *MuxChannel) Posted() <-chan struct{} { return m.notify }

// Abort fails every open request with err.
func (m *MuxChannel) Abort(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.abortCh:
		return
	default:
	}
	if err == nil {
		err = errors.New("aborted")
	}
	m.abortErr = err
	close(m.abortCh)
	m.log.Warn("consult channel abort", slog.String("error", err.Error()))

	for _, p := range m.entries {
		if p.state == stateOpen {
			p.state = stateAborted
			close(p.ch)
		}
	}
}

func (m *MuxChannel) getAbortErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.abortErr != nil {
		return m.abortErr
	}
	return errors.New("aborted")
}
