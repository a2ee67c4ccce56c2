package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
)

const dispatchStage = "dispatch"

// Coordinator runs agent tasks concurrently with a bounded pool.
type Coordinator struct {
	Registry       *Registry
	MaxConcurrent  int
	DefaultTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration
	Logger         *slog.Logger

	// OnResult, when set, is called once per finished task.
	OnResult func(Result)
}

// NewCoordinator returns a Coordinator with default limits.
func NewCoordinator(reg *Registry) *Coordinator {
	return &Coordinator{
		Registry:       reg,
		MaxConcurrent:  3,
		DefaultTimeout: 60 * time.Second,
		Retries:        2,
		RetryDelay:     200 * time.Millisecond,
		Logger:         logging.New(dispatchStage),
	}
}

// Dispatch executes tasks and returns one result per task. A slow task does
// not delay collection of the others beyond its own timeout. When ctx ends,
// outstanding tasks are cancelled, recorded as failed, and the context fault
// is returned alongside the full result set.
func (c *Coordinator) Dispatch(ctx context.Context, log *eventlog.Log, base Request, tasks []Task) (ResultSet, error) {
	if len(tasks) == 0 {
		return ResultSet{}, faults.Invariant(dispatchStage, "no agent tasks to dispatch")
	}
	seen := make(map[Capability]bool, len(tasks))
	for _, t := range tasks {
		if !t.Capability.Valid() {
			return ResultSet{}, faults.Invariant(dispatchStage, "task for unknown capability %q", t.Capability)
		}
		if seen[t.Capability] {
			return ResultSet{}, faults.Invariant(dispatchStage, "capability %s dispatched twice", t.Capability)
		}
		seen[t.Capability] = true
	}

	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limit := c.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}

	for _, t := range tasks {
		if _, err := log.Append(eventlog.AgentDispatched, dispatchStage, map[string]any{
			"capability": string(t.Capability),
			"timeout":    c.timeoutFor(t).String(),
		}); err != nil {
			return ResultSet{}, err
		}
	}

	results := make([]Result, len(tasks))
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = c.runTask(ctx, base, t)
			r := results[i]
			if r.Succeeded() {
				_, err := log.Append(eventlog.AgentCompleted, "collect", map[string]any{
					"capability":  string(r.Capability),
					"duration_ms": r.Duration.Milliseconds(),
				})
				if err != nil {
					return err
				}
			} else {
				logger.Warn("agent task failed",
					"capability", r.Capability, "kind", r.Failure.Kind, "error", r.Failure.Message)
				_, err := log.Append(eventlog.AgentFailed, "collect", map[string]any{
					"capability": string(r.Capability),
					"kind":       string(r.Failure.Kind),
					"message":    r.Failure.Message,
					"retries":    r.Failure.Retries,
				})
				if err != nil {
					return err
				}
			}
			if c.OnResult != nil {
				c.OnResult(r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return newResultSet(results), err
	}

	rs := newResultSet(results)
	logger.Info("agent dispatch collected",
		"status", rs.Status, "succeeded", len(rs.Succeeded()), "failed", len(rs.Failed()))
	if err := faults.FromContext(ctx, dispatchStage); err != nil {
		return rs, err
	}
	return rs, nil
}

func (c *Coordinator) timeoutFor(t Task) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 60 * time.Second
}

func (c *Coordinator) runTask(ctx context.Context, base Request, t Task) Result {
	start := time.Now()
	agent, ok := c.Registry.Lookup(t.Capability)
	if !ok {
		return failed(t.Capability,
			faults.Invariant(dispatchStage, "no agent registered for %s", t.Capability), 0, 0)
	}

	timeout := c.timeoutFor(t)
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := base
	req.Input = t.Input
	req.Timeout = timeout

	var payload Payload
	retries, err := faults.WithRetry(taskCtx, c.Retries, c.RetryDelay, func(ctx context.Context) error {
		var callErr error
		payload, callErr = execute(ctx, agent, req)
		return callErr
	})
	d := time.Since(start)
	if err != nil {
		return failed(t.Capability, err, retries, d)
	}
	return Result{Capability: t.Capability, Status: StatusSucceeded, Payload: payload, Duration: d}
}

// execute races the agent against ctx so an agent that ignores cancellation
// still times out on schedule. Unclassified errors become transport faults.
func execute(ctx context.Context, a Agent, req Request) (Payload, error) {
	type outcome struct {
		p   Payload
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: faults.Newf(faults.KindInternal, string(a.Capability()), "agent panic: %v", r)}
			}
		}()
		p, err := a.Execute(ctx, req)
		done <- outcome{p: p, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.p, nil
		}
		var fe *faults.Error
		if errors.As(o.err, &fe) {
			return nil, o.err
		}
		switch {
		case errors.Is(o.err, context.DeadlineExceeded):
			return nil, faults.New(faults.KindTimeout, string(a.Capability()), "execute", o.err)
		case errors.Is(o.err, context.Canceled):
			return nil, faults.New(faults.KindCancelled, string(a.Capability()), "execute", o.err)
		}
		return nil, faults.New(faults.KindTransport, string(a.Capability()), "execute", o.err)
	case <-ctx.Done():
		kind := faults.KindTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = faults.KindCancelled
		}
		return nil, faults.New(kind, string(a.Capability()), "execute",
			fmt.Errorf("no result within %s: %w", req.Timeout, ctx.Err()))
	}
}
