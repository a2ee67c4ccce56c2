// Package engine drives one specification document through the workflow:
// categorize, optionally consult a reviewer, dispatch sub-agents, assemble
// the test suite and gate it. Every run owns its event log and context, and
// ends in exactly one RunCompleted or RunFailed event.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gampwise/internal/agents"
	"gampwise/internal/assemble"
	"gampwise/internal/classify"
	"gampwise/internal/consult"
	"gampwise/internal/corpus"
	"gampwise/internal/eventlog"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
	"gampwise/internal/telemetry"
)

// Quality-gate consultation decisions.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Deps are the collaborators a run calls into.
type Deps struct {
	Classifier    *classify.Stage
	Consultations *consult.Manager
	Coordinator   *agents.Coordinator
	Assembler     *assemble.Assembler
}

// Engine runs documents. It is safe for concurrent use; each Run is isolated.
type Engine struct {
	deps           Deps
	tasks          []agents.Task
	stepList       []Step
	steps          map[string]Step
	runTimeout     time.Duration
	consultTimeout time.Duration
	metrics        *telemetry.Metrics
	tracer         trace.Tracer
	observer       eventlog.Observer
	clock          func() time.Time
	logger         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunTimeout bounds a whole run.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// WithConsultationTimeout bounds each consultation.
func WithConsultationTimeout(d time.Duration) Option {
	return func(e *Engine) { e.consultTimeout = d }
}

// WithTasks replaces the dispatched agent tasks.
func WithTasks(tasks ...agents.Task) Option {
	return func(e *Engine) { e.tasks = tasks }
}

// WithSteps replaces the step graph. It must still name every built-in step.
func WithSteps(steps []Step) Option {
	return func(e *Engine) { e.stepList = steps }
}

// WithMetrics records run, consultation and agent outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the tracer (default: the global provider's).
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithObserver attaches an observer to every run's event log.
func WithObserver(obs eventlog.Observer) Option {
	return func(e *Engine) { e.observer = obs }
}

// WithClock injects the clock used for timestamps (tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine. The step graph is validated here; an invalid graph
// is a construction error, never a run failure.
func New(deps Deps, opts ...Option) (*Engine, error) {
	e := &Engine{
		deps:           deps,
		stepList:       DefaultSteps(),
		runTimeout:     15 * time.Minute,
		consultTimeout: 300 * time.Second,
		clock:          time.Now,
	}
	for _, c := range agents.Capabilities() {
		e.tasks = append(e.tasks, agents.Task{Capability: c})
	}
	for _, opt := range opts {
		opt(e)
	}

	switch {
	case deps.Classifier == nil:
		return nil, errors.New("engine: classifier stage is required")
	case deps.Consultations == nil:
		return nil, errors.New("engine: consultation manager is required")
	case deps.Coordinator == nil:
		return nil, errors.New("engine: agent coordinator is required")
	case deps.Assembler == nil:
		return nil, errors.New("engine: assembler is required")
	case e.runTimeout <= 0 || e.consultTimeout <= 0:
		return nil, errors.New("engine: timeouts must be positive")
	case len(e.tasks) == 0:
		return nil, errors.New("engine: no agent tasks")
	}

	if err := ValidateSteps(e.stepList); err != nil {
		return nil, err
	}
	e.steps = make(map[string]Step, len(e.stepList))
	for _, s := range e.stepList {
		e.steps[s.Name] = s
	}
	for _, name := range []string{StepCategorize, StepConsultCat, StepDispatch, StepCollect, StepAssemble, StepConsultQuality, StepComplete} {
		if _, ok := e.steps[name]; !ok {
			return nil, fmt.Errorf("%w: missing step %q", ErrStepInvalid, name)
		}
	}

	if e.tracer == nil {
		e.tracer = telemetry.Tracer("gampwise/engine")
	}
	if e.logger == nil {
		e.logger = logging.New("engine")
	}
	return e, nil
}

// Run executes the workflow for doc and returns its record. Run never
// returns an error: every failure is captured in the record with the stage,
// kind and reason that caused it.
func (e *Engine) Run(ctx context.Context, doc corpus.Document) RunRecord {
	runID := uuid.NewString()
	started := e.clock()

	ctx, span := e.tracer.Start(ctx, "gampwise.run", trace.WithAttributes(
		attribute.String("gampwise.run_id", runID),
		attribute.String("gampwise.document_id", doc.ID),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, e.runTimeout)
	defer cancel()

	logOpts := []eventlog.LogOption{eventlog.WithClock(e.clock)}
	if e.observer != nil {
		logOpts = append(logOpts, eventlog.WithObserver(e.observer))
	}
	r := &run{
		engine: e,
		id:     runID,
		doc:    doc,
		state:  StateIngested,
		stage:  "ingest",
		log:    eventlog.NewLog(runID, logOpts...),
		wctx:   eventlog.NewContext(runID),
		logger: e.logger.With("run_id", runID, "document_id", doc.ID),
	}

	status, err := r.execute(runCtx)
	rec := r.finish(runCtx, status, err)
	rec.StartedAt = started
	rec.Duration = e.clock().Sub(started)

	span.SetAttributes(attribute.String("gampwise.status", string(rec.Status)))
	if rec.Failure != nil {
		span.SetStatus(codes.Error, rec.Failure.Message)
	}
	e.metrics.RecordRun(ctx, string(rec.Status), rec.Duration)
	for _, c := range rec.Consultations {
		if c.Resolved() {
			e.metrics.RecordConsultation(ctx, string(c.Kind), string(c.Source))
		}
	}
	return rec
}

// run is the mutable state of one Run call.
type run struct {
	engine *Engine
	id     string
	doc    corpus.Document
	state  State
	stage  string
	log    *eventlog.Log
	wctx   *eventlog.Context
	logger *slog.Logger

	category      string
	suiteID       string
	usage         Usage
	consultations []consult.Record
}

// enter moves the run to state `to` for step, after checking the step's
// prerequisite event is in the log.
func (r *run) enter(to State, step string) error {
	if err := ValidateTransition(r.state, to); err != nil {
		return faults.Invariant(step, "%v", err)
	}
	s, ok := r.engine.steps[step]
	if !ok {
		return faults.Invariant(step, "no step named %q", step)
	}
	if _, err := r.log.Require(s.Consumes, s.Name); err != nil {
		return err
	}
	r.state = to
	r.stage = step
	r.logger.Debug("state change", "state", to, "step", step)
	return nil
}

func (r *run) execute(ctx context.Context) (status Status, err error) {
	defer func() {
		if p := recover(); p != nil {
			status = StatusFailed
			err = faults.Newf(faults.KindInternal, r.stage, "panic: %v", p).
				WithDetail("stack", string(debug.Stack()))
		}
	}()

	if _, err := r.log.Append(eventlog.Ingested, "ingest", map[string]any{
		"document_id": r.doc.ID,
		"complexity":  r.doc.Complexity,
	}); err != nil {
		return StatusFailed, err
	}
	if err := r.wctx.Put(eventlog.KeyDocument, r.doc); err != nil {
		return StatusFailed, err
	}
	text, err := r.doc.Content()
	if err != nil {
		return StatusFailed, faults.New(faults.KindTransport, "ingest", "read document", err)
	}

	if err := r.categorize(ctx, text); err != nil {
		return StatusFailed, err
	}
	rs, err := r.dispatch(ctx, text)
	if err != nil {
		return StatusFailed, err
	}
	status, err = r.assemble(ctx, rs)
	if err != nil {
		return StatusFailed, err
	}

	if err := r.enter(StateCompleted, StepComplete); err != nil {
		return StatusFailed, err
	}
	if _, err := r.log.Append(eventlog.RunCompleted, StepComplete, map[string]any{
		"status":   string(status),
		"category": r.category,
		"suite_id": r.suiteID,
	}); err != nil {
		return StatusFailed, err
	}
	return status, nil
}

func (r *run) categorize(ctx context.Context, text string) error {
	if err := r.enter(StateCategorizing, StepCategorize); err != nil {
		return err
	}
	res, err := r.engine.deps.Classifier.Classify(ctx, text)
	r.usage.ClassifierCalls++
	r.usage.Retries += res.Retries
	if err != nil {
		return err
	}
	if err := r.wctx.Put(eventlog.KeyCategoryResult, res); err != nil {
		return err
	}
	if _, err := r.log.Append(eventlog.Categorized, StepCategorize, map[string]any{
		"category":  res.Category,
		"gap":       res.Assessment.Gap,
		"ambiguous": res.Ambiguous(),
		"reason":    res.Assessment.Reason,
		"scores":    map[string]float64(res.Scores),
	}); err != nil {
		return err
	}
	r.category = res.Category
	if !res.Ambiguous() {
		return nil
	}

	if err := r.enter(StateConsultingCat, StepConsultCat); err != nil {
		return err
	}
	def, err := r.engine.deps.Classifier.ConservativeDefault(res)
	if err != nil {
		return faults.New(faults.KindStateInvariant, StepConsultCat, "conservative default", err)
	}
	r.logger.Info("classification ambiguous, consulting reviewer",
		"reason", res.Assessment.Reason, "gap", res.Assessment.Gap, "default", def)
	rec, err := r.consult(ctx, consult.Ask{
		Kind:    consult.KindCategorization,
		Reason:  res.AsAmbiguityError().Error(),
		Options: res.Options(),
		Default: def,
		Timeout: r.engine.consultTimeout,
		Detail: map[string]any{
			"document_id": r.doc.ID,
			"scores":      map[string]float64(res.Scores),
			"reason":      res.Assessment.Reason,
		},
	})
	if err != nil {
		return err
	}
	if err := r.wctx.Put(eventlog.KeyConsultationCategory, rec); err != nil {
		return err
	}
	if rec.Decision != res.Category {
		res.Category = rec.Decision
		if err := r.wctx.Overwrite(eventlog.KeyCategoryResult, res, "consultation "+rec.ID+" resolved by "+string(rec.Source)); err != nil {
			return err
		}
	}
	r.category = rec.Decision
	return nil
}

// assignedCategory is the category downstream stages work with. A
// consultation that changed the classifier's pick has already overwritten
// the stored result.
func (r *run) assignedCategory() (string, error) {
	res, err := eventlog.Lookup[classify.Result](r.wctx, eventlog.KeyCategoryResult)
	if err != nil {
		return "", err
	}
	return res.Category, nil
}

func (r *run) dispatch(ctx context.Context, text string) (agents.ResultSet, error) {
	if err := r.enter(StateDispatching, StepDispatch); err != nil {
		return agents.ResultSet{}, err
	}
	category, err := r.assignedCategory()
	if err != nil {
		return agents.ResultSet{}, err
	}
	rs, dispatchErr := r.engine.deps.Coordinator.Dispatch(ctx, r.log, agents.Request{
		RunID:      r.id,
		DocumentID: r.doc.ID,
		Category:   category,
		Text:       text,
	}, r.engine.tasks)
	for _, c := range rs.Order {
		res := rs.Results[c]
		r.usage.AgentCalls++
		if !res.Succeeded() {
			r.usage.AgentFailures++
			r.usage.Retries += res.Failure.Retries
		}
		r.engine.metrics.RecordAgentResult(ctx, string(c), string(res.Status))
	}
	if dispatchErr != nil {
		return rs, dispatchErr
	}

	if err := r.enter(StateCollecting, StepCollect); err != nil {
		return rs, err
	}
	if err := r.wctx.Put(eventlog.KeyAgentResults, rs); err != nil {
		return rs, err
	}
	if err := rs.Err(); err != nil {
		return rs, err
	}
	return rs, nil
}

func (r *run) assemble(ctx context.Context, rs agents.ResultSet) (Status, error) {
	if err := r.enter(StateAssembling, StepAssemble); err != nil {
		return StatusFailed, err
	}
	category, err := r.assignedCategory()
	if err != nil {
		return StatusFailed, err
	}
	out, err := r.engine.deps.Assembler.Assemble(ctx, category, rs)
	if err != nil {
		return StatusFailed, err
	}
	if err := r.wctx.Put(eventlog.KeySuite, out.Suite); err != nil {
		return StatusFailed, err
	}
	r.suiteID = out.Suite.ID
	if _, err := r.log.Append(eventlog.SuiteAssembled, StepAssemble, map[string]any{
		"suite_id":        out.Suite.ID,
		"tests":           len(out.Suite.Tests),
		"partial_context": out.Suite.PartialContext,
		"missing":         capabilityNames(out.Suite.Missing),
		"failed_gates":    out.FailedGates(),
	}); err != nil {
		return StatusFailed, err
	}
	if !out.NeedsConsultation {
		return StatusSuccess, nil
	}

	if err := r.enter(StateConsultingQA, StepConsultQuality); err != nil {
		return StatusFailed, err
	}
	rec, err := r.consult(ctx, consult.Ask{
		Kind:    consult.KindQualityGate,
		Reason:  out.QualityError().Error(),
		Options: []string{DecisionAccept, DecisionReject},
		Default: DecisionReject,
		Timeout: r.engine.consultTimeout,
		Detail: map[string]any{
			"document_id":  r.doc.ID,
			"suite_id":     out.Suite.ID,
			"failed_gates": out.FailedGates(),
		},
	})
	if err != nil {
		return StatusFailed, err
	}
	if err := r.wctx.Put(eventlog.KeyConsultationQuality, rec); err != nil {
		return StatusFailed, err
	}
	if rec.Decision != DecisionAccept {
		r.logger.Warn("suite rejected at quality gate", "source", rec.Source, "failed_gates", out.FailedGates())
		return StatusConsultationRequired, nil
	}
	return StatusSuccess, nil
}

func (r *run) consult(ctx context.Context, ask consult.Ask) (consult.Record, error) {
	r.usage.Consultations++
	rec, err := r.engine.deps.Consultations.Request(ctx, r.log, r.id, ask)
	if rec.ID != "" {
		r.consultations = append(r.consultations, rec)
	}
	return rec, err
}

// finish appends the terminal event, seals the log and builds the record.
func (r *run) finish(ctx context.Context, status Status, err error) RunRecord {
	rec := RunRecord{
		RunID:         r.id,
		DocumentID:    r.doc.ID,
		Status:        status,
		Category:      r.category,
		SuiteRef:      r.suiteID,
		Usage:         r.usage,
		Consultations: r.consultations,
	}

	if err != nil {
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		diag := diagnose(err, r.stage, timedOut)
		rec.Status = StatusFailed
		rec.Failure = diag
		r.state = StateFailed
		payload := map[string]any{
			"stage":   diag.Stage,
			"kind":    string(diag.Kind),
			"reason":  diag.Reason,
			"message": diag.Message,
		}
		if diag.Detail != nil {
			payload["detail"] = diag.Detail
		}
		if _, aerr := r.log.Append(eventlog.RunFailed, diag.Stage, payload); aerr != nil {
			r.logger.Error("append terminal event", "error", aerr)
		}
		r.logger.Warn("run failed", "stage", diag.Stage, "kind", diag.Kind, "reason", diag.Reason, "error", diag.Message)
	} else {
		r.logger.Info("run completed", "status", status, "category", r.category)
	}

	r.log.Seal()
	rec.FinalState = r.state
	rec.Events = r.log.Events()
	return rec
}

func capabilityNames(cs []agents.Capability) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
