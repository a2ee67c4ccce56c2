package consult

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gampwise/internal/display"
)

var _ Channel = (*TerminalChannel)(nil)

// TerminalChannel presents consultations on a writer and reads the answer
// from a reader, one line per decision. Lines are either an option index
// (1-based) or the option itself.
type TerminalChannel struct {
	out       io.Writer
	responder string

	once  sync.Once
	in    *bufio.Reader
	lines chan string

	mu       sync.Mutex
	requests map[string]Request
}

// NewTerminalChannel creates a channel reading from in and writing to out.
// responder identifies the person at the terminal in resolved records.
func NewTerminalChannel(in io.Reader, out io.Writer, responder string) *TerminalChannel {
	if responder == "" {
		responder = "terminal"
	}
	return &TerminalChannel{
		out:       out,
		responder: responder,
		in:        bufio.NewReader(in),
		lines:     make(chan string),
		requests:  make(map[string]Request),
	}
}

// Post prints the consultation banner.
func (t *TerminalChannel) Post(_ context.Context, req Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	t.mu.Lock()
	t.requests[req.ID] = req
	t.mu.Unlock()

	fmt.Fprintln(t.out)
	fmt.Fprintln(t.out, "================================================================")
	fmt.Fprintf(t.out, "  Consultation: %s  (%s)\n", req.ID, req.Kind)
	fmt.Fprintln(t.out, "================================================================")
	fmt.Fprintf(t.out, "  Run:      %s\n", req.RunID)
	fmt.Fprintf(t.out, "  Reason:   %s\n", req.Reason)
	fmt.Fprintf(t.out, "  Deadline: %s (default %q)\n", req.Deadline.Format(time.RFC3339), req.Default)
	fmt.Fprintln(t.out, "----------------------------------------------------------------")
	for i, opt := range req.Options {
		fmt.Fprintf(t.out, "  %d. %s\n", i+1, display.CategoryWithCode(opt))
	}
	fmt.Fprintln(t.out, "================================================================")
	fmt.Fprint(t.out, "  > ")
	return req.ID, nil
}

// AwaitResponse reads lines until one names a valid option or the deadline
// passes. Invalid lines are reported and ignored.
func (t *TerminalChannel) AwaitResponse(ctx context.Context, id string, deadline time.Time) (Response, error) {
	t.mu.Lock()
	req, ok := t.requests[id]
	t.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownConsultation, id)
	}
	defer func() {
		t.mu.Lock()
		delete(t.requests, id)
		t.mu.Unlock()
	}()

	t.once.Do(func() { go t.readLines() })

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case line, ok := <-t.lines:
			if !ok {
				return Response{}, fmt.Errorf("consult: terminal input closed")
			}
			decision, valid := pick(req.Options, line)
			if !valid {
				fmt.Fprintf(t.out, "  %q is not an option\n  > ", strings.TrimSpace(line))
				continue
			}
			return Response{Decision: decision, Responder: t.responder}, nil
		case <-timer.C:
			fmt.Fprintf(t.out, "\n  no answer before deadline, applying default %q\n", req.Default)
			return Response{}, ErrAwaitTimeout
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// readLines feeds lines to waiting consultations. Reads cannot be
// interrupted, so one goroutine owns the reader for the channel lifetime.
func (t *TerminalChannel) readLines() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if line != "" {
			t.lines <- line
		}
		if err != nil {
			return
		}
	}
}

func pick(options []string, line string) (string, bool) {
	line = strings.TrimSpace(line)
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	for _, o := range options {
		if strings.EqualFold(o, line) {
			return o, true
		}
	}
	return "", false
}
