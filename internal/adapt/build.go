package adapt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gampwise/internal/agents"
	"gampwise/internal/assemble"
	"gampwise/internal/classify"
	"gampwise/internal/config"
	"gampwise/internal/consult"
	"gampwise/internal/corpus"
	"gampwise/internal/engine"
	"gampwise/internal/logging"
	"gampwise/internal/telemetry"
	"gampwise/internal/transport"
)

// ErrChannelRequired is returned when the configured consultation channel
// must be supplied by the caller, as the MCP channel is.
var ErrChannelRequired = errors.New("adapt: consultation channel must be provided")

// Runtime is an engine with the collaborators it was built from.
type Runtime struct {
	Engine    *engine.Engine
	Manager   *consult.Manager
	Channel   consult.Channel
	Stubs     *Stubs
	Knowledge *KnowledgeBase
}

// Close releases the collaborators' connections.
func (r *Runtime) Close() error {
	if r.Knowledge == nil {
		return nil
	}
	return r.Knowledge.Close()
}

// BuildOption configures Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	channel    consult.Channel
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	engineOpts []engine.Option
}

// WithChannel sets the reviewer channel. Stub runs still answer scripted
// consultations before reaching it.
func WithChannel(ch consult.Channel) BuildOption {
	return func(o *buildOptions) { o.channel = ch }
}

// WithMetrics records run metrics.
func WithMetrics(m *telemetry.Metrics) BuildOption {
	return func(o *buildOptions) { o.metrics = m }
}

// WithLogger sets the logger handed to every collaborator.
func WithLogger(l *slog.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// WithEngineOptions appends engine options, applied after the configured ones.
func WithEngineOptions(opts ...engine.Option) BuildOption {
	return func(o *buildOptions) { o.engineOpts = append(o.engineOpts, opts...) }
}

// Build assembles an engine from cfg. m supplies the knowledge passages and,
// for the stub adapter, the scripted collaborator behavior.
func Build(ctx context.Context, cfg config.Config, m *corpus.Manifest, opts ...BuildOption) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m == nil {
		m = &corpus.Manifest{}
	}
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New("adapt")
	}

	rt := &Runtime{}
	kb, err := OpenKnowledge(ctx, cfg.Knowledge, m.Knowledge, o.logger)
	if err != nil {
		return nil, err
	}
	rt.Knowledge = kb

	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	ch := o.channel
	if ch == nil {
		switch cfg.Consultation.Channel {
		case config.ChannelTimeout:
			ch = TimeoutChannel{}
		case config.ChannelTerminal:
			ch = consult.NewTerminalChannel(os.Stdin, os.Stderr, cfg.Consultation.Responder)
		default:
			return fail(fmt.Errorf("%w: %s", ErrChannelRequired, cfg.Consultation.Channel))
		}
	}

	var (
		classifier classify.Classifier
		registered []agents.Agent
	)
	switch cfg.Adapter {
	case config.AdapterStub:
		stubs, err := NewStubs(m)
		if err != nil {
			return fail(err)
		}
		rt.Stubs = stubs
		classifier = stubs.Classifier()
		for _, c := range agents.Capabilities() {
			a := &StubAgent{Cap: c, Stubs: stubs}
			if c == agents.ContextRetrieval {
				a.Fallback = kb.Agent()
			}
			registered = append(registered, a)
		}
		ch = NewScriptedChannel(stubs, ch)

	case config.AdapterHTTP:
		client, err := newClient(cfg.Classifier.URL, cfg.Classifier.Token, cfg.Classifier.Timeout, o.logger)
		if err != nil {
			return fail(err)
		}
		classifier = classify.NewHTTPClassifier(client)
		for _, c := range agents.Capabilities() {
			url, ok := cfg.Agents.Endpoints[string(c)]
			switch {
			case ok:
				client, err := newClient(url, cfg.Agents.Token, 0, o.logger)
				if err != nil {
					return fail(err)
				}
				a, err := agents.NewHTTPAgent(c, client)
				if err != nil {
					return fail(err)
				}
				registered = append(registered, a)
			case c == agents.ContextRetrieval:
				registered = append(registered, kb.Agent())
			default:
				o.logger.Warn("no endpoint configured, capability not dispatched", "capability", string(c))
			}
		}
	}
	rt.Channel = ch

	reg, err := agents.NewRegistry(registered...)
	if err != nil {
		return fail(err)
	}
	tasks := make([]agents.Task, 0, len(registered))
	for _, a := range registered {
		tasks = append(tasks, agents.Task{Capability: a.Capability()})
	}
	for _, c := range cfg.RequiredCapabilities() {
		if _, ok := reg.Lookup(c); !ok {
			return fail(fmt.Errorf("adapt: required capability %s has no agent", c))
		}
	}

	stage := classify.NewStage(classifier)
	stage.Thresholds = cfg.Classifier.Thresholds
	stage.Retries = cfg.Classifier.Retries
	stage.RetryDelay = cfg.Classifier.RetryDelay
	stage.Logger = o.logger.With("component", "classify")

	coord := agents.NewCoordinator(reg)
	coord.MaxConcurrent = cfg.Agents.MaxConcurrent
	coord.DefaultTimeout = cfg.Agents.Timeout
	coord.Retries = cfg.Agents.Retries
	coord.RetryDelay = cfg.Agents.RetryDelay
	coord.Logger = o.logger.With("component", "dispatch")

	asm := assemble.NewAssembler()
	asm.Logger = o.logger.With("component", "assemble")
	if cfg.Agents.RequireAll {
		asm.Policy = assemble.RequireAllAgents()
	} else {
		asm.Policy = assemble.AllowPartial(cfg.RequiredCapabilities()...)
	}

	rt.Manager = consult.NewManager(ch, consult.WithLogger(o.logger.With("component", "consult")))

	engineOpts := []engine.Option{
		engine.WithRunTimeout(cfg.Run.Timeout),
		engine.WithConsultationTimeout(cfg.Consultation.Timeout),
		engine.WithTasks(tasks...),
		engine.WithLogger(o.logger.With("component", "engine")),
	}
	if o.metrics != nil {
		engineOpts = append(engineOpts, engine.WithMetrics(o.metrics))
	}
	engineOpts = append(engineOpts, o.engineOpts...)

	eng, err := engine.New(engine.Deps{
		Classifier:    stage,
		Consultations: rt.Manager,
		Coordinator:   coord,
		Assembler:     asm,
	}, engineOpts...)
	if err != nil {
		return fail(err)
	}
	rt.Engine = eng
	return rt, nil
}

func newClient(url, token string, timeout time.Duration, logger *slog.Logger) (*transport.Client, error) {
	opts := []transport.Option{transport.WithLogger(logger.With("component", "transport"))}
	if timeout > 0 {
		opts = append(opts, transport.WithTimeout(timeout))
	}
	if token != "" {
		opts = append(opts, transport.WithBearerToken(token))
	}
	return transport.New(url, opts...)
}
