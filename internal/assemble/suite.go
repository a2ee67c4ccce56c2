// Package assemble turns a category and the collected agent outputs into a
// compliance test suite, then runs the quality gates over it.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"gampwise/internal/agents"
	"gampwise/internal/faults"
	"gampwise/internal/logging"
)

const stageName = "assemble"

// TestCase is one generated test.
type TestCase struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Objective  string   `json:"objective" yaml:"objective"`
	Rigor      string   `json:"rigor" yaml:"rigor"`
	TracesTo   []string `json:"traces_to,omitempty" yaml:"traces_to,omitempty"`
	Source     string   `json:"source,omitempty" yaml:"source,omitempty"`
	Acceptance string   `json:"acceptance,omitempty" yaml:"acceptance,omitempty"`
}

// Suite is the assembled artifact.
type Suite struct {
	ID             string              `json:"id"`
	Category       string              `json:"category"`
	Tests          []TestCase          `json:"tests"`
	Sources        []string            `json:"sources,omitempty"`
	PartialContext bool                `json:"partial_context"`
	Missing        []agents.Capability `json:"missing,omitempty"`
}

// Generator writes the suite body.
type Generator interface {
	Generate(ctx context.Context, category string, rs agents.ResultSet) ([]TestCase, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, category string, rs agents.ResultSet) ([]TestCase, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, category string, rs agents.ResultSet) ([]TestCase, error) {
	return f(ctx, category, rs)
}

// TemplateGenerator emits one test per retrieved context item and expert
// finding, with rigor scaled by category.
type TemplateGenerator struct{}

// rigorFor maps a category to the level of testing it warrants.
func rigorFor(category string) string {
	switch {
	case strings.HasSuffix(category, "5"):
		return "full"
	case strings.HasSuffix(category, "4"):
		return "configuration"
	case strings.HasSuffix(category, "3"):
		return "functional"
	default:
		return "verification"
	}
}

// Generate implements Generator.
func (TemplateGenerator) Generate(_ context.Context, category string, rs agents.ResultSet) ([]TestCase, error) {
	rigor := rigorFor(category)
	var tests []TestCase
	add := func(title, source string, traces []string) {
		tests = append(tests, TestCase{
			ID:         fmt.Sprintf("TC-%03d", len(tests)+1),
			Title:      title,
			Objective:  fmt.Sprintf("Verify %s (%s testing)", title, rigor),
			Rigor:      rigor,
			TracesTo:   traces,
			Source:     source,
			Acceptance: "Observed behavior matches the documented requirement",
		})
	}

	for _, r := range rs.Succeeded() {
		for _, item := range items(r.Payload) {
			add(item.title, string(r.Capability), item.traces)
		}
	}
	return tests, nil
}

type payloadItem struct {
	title  string
	traces []string
}

// items reads the list-valued fields agents commonly return.
func items(p agents.Payload) []payloadItem {
	var out []payloadItem
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := p[k].(type) {
		case []map[string]any:
			for _, m := range v {
				out = append(out, itemFromMap(m))
			}
		case []any:
			for _, e := range v {
				switch e := e.(type) {
				case map[string]any:
					out = append(out, itemFromMap(e))
				case string:
					out = append(out, payloadItem{title: e, traces: []string{k}})
				}
			}
		case []string:
			if k == "sources" {
				continue
			}
			for _, s := range v {
				out = append(out, payloadItem{title: s, traces: []string{k}})
			}
		}
	}
	return out
}

func itemFromMap(m map[string]any) payloadItem {
	it := payloadItem{}
	for _, key := range []string{"title", "requirement", "text", "finding"} {
		if s, ok := m[key].(string); ok && s != "" {
			it.title = s
			break
		}
	}
	for _, key := range []string{"id", "source"} {
		if s, ok := m[key].(string); ok && s != "" {
			it.traces = append(it.traces, s)
		}
	}
	if it.title == "" {
		it.title = fmt.Sprint(m)
	}
	return it
}

func collectSources(rs agents.ResultSet) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rs.Succeeded() {
		if srcs, ok := r.Payload["sources"].([]string); ok {
			for _, s := range srcs {
				if s != "" && !seen[s] {
					seen[s] = true
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// Outcome is the assembler's answer: a suite plus its gate verdicts.
type Outcome struct {
	Suite             Suite           `json:"suite"`
	Gates             []GateResult    `json:"gates"`
	Partial           PartialDecision `json:"partial"`
	NeedsConsultation bool            `json:"needs_consultation"`
}

// FailedGates returns the names of failing gates.
func (o Outcome) FailedGates() []string {
	var out []string
	for _, g := range o.Gates {
		if !g.Pass {
			out = append(out, g.Name)
		}
	}
	return out
}

// QualityError returns a quality-gate fault when gates failed.
func (o Outcome) QualityError() error {
	failed := o.FailedGates()
	if len(failed) == 0 {
		return nil
	}
	return faults.Newf(faults.KindQualityGate, stageName, "quality gates failed: %s", strings.Join(failed, ", ")).
		WithDetail("gates", failed)
}

// Assembler builds suites.
type Assembler struct {
	Generator Generator
	Gates     []Gate
	Policy    PartialPolicy
	Logger    *slog.Logger
}

// NewAssembler returns an Assembler with the template generator, the
// built-in gates and a policy that requires context retrieval.
func NewAssembler() *Assembler {
	return &Assembler{
		Generator: TemplateGenerator{},
		Gates:     []Gate{MinTestCases(1), RequireCategory(), RequireTraceability()},
		Policy:    AllowPartial(agents.ContextRetrieval),
		Logger:    logging.New(stageName),
	}
}

// Assemble produces a suite from rs. A complete failure, or a partial set
// the policy rejects, is an error: the suite is never built from empty or
// insufficient context. Failed gates are not an error; they are reported in
// the outcome for the caller to route to consultation.
func (a *Assembler) Assemble(ctx context.Context, category string, rs agents.ResultSet) (Outcome, error) {
	if err := rs.Err(); err != nil {
		return Outcome{}, err
	}
	logger := a.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	decision := a.Policy.Decide(rs)
	if len(decision.Missing) > 0 {
		logger.InfoContext(ctx, "partial agent context decision",
			"proceed", decision.Proceed, "missing", decision.Missing, "reason", decision.Reason)
	}
	if !decision.Proceed {
		kind := faults.KindTransport
		for _, c := range decision.Missing {
			if r, ok := rs.Results[c]; ok && r.Failure != nil {
				kind = r.Failure.Kind
				break
			}
		}
		return Outcome{Partial: decision}, faults.Newf(kind, stageName,
			"insufficient agent context: %s", decision.Reason).
			WithDetail("missing", capabilityNames(decision.Missing))
	}

	gen := a.Generator
	if gen == nil {
		gen = TemplateGenerator{}
	}
	tests, err := gen.Generate(ctx, category, rs)
	if err != nil {
		return Outcome{Partial: decision}, faults.New(faults.KindTransport, stageName, "generate", err)
	}

	suite := Suite{
		ID:             uuid.NewString(),
		Category:       category,
		Tests:          tests,
		Sources:        collectSources(rs),
		PartialContext: len(decision.Missing) > 0,
		Missing:        decision.Missing,
	}
	out := Outcome{Suite: suite, Partial: decision}
	for _, g := range a.Gates {
		out.Gates = append(out.Gates, g(suite))
	}
	out.NeedsConsultation = len(out.FailedGates()) > 0
	if out.NeedsConsultation {
		logger.WarnContext(ctx, "suite failed quality gates", "gates", out.FailedGates())
	}
	return out, nil
}

func capabilityNames(cs []agents.Capability) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
