// Package adapt builds the engine's collaborators from configuration: the
// scripted stubs used for offline evaluation, or HTTP clients for the real
// classifier and sub-agents.
package adapt

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"gampwise/internal/agents"
	"gampwise/internal/classify"
	"gampwise/internal/consult"
	"gampwise/internal/corpus"
	"gampwise/internal/faults"
)

// ScriptedResponder names the reviewer in records resolved from a script.
const ScriptedResponder = "scripted"

// faultHang makes a stub block until its context ends.
const faultHang = "hang"

// ErrConflictingStubs is returned when two documents with the same text
// script different classifier behavior.
var ErrConflictingStubs = errors.New("adapt: documents with identical text have different classifier stubs")

// Stubs indexes the scripted behavior of every document in a manifest.
type Stubs struct {
	byID   map[string]*corpus.Stub
	byText map[string]*corpus.Stub
}

// NewStubs reads the stubs from m. Documents without a stub still classify:
// their label scores 0.9 and every other category 0.05.
func NewStubs(m *corpus.Manifest) (*Stubs, error) {
	s := &Stubs{byID: map[string]*corpus.Stub{}, byText: map[string]*corpus.Stub{}}
	for _, d := range m.Documents {
		stub := d.Stub
		if stub == nil {
			stub = &corpus.Stub{}
		}
		if len(stub.Scores) == 0 && d.Label != "" {
			stub = withLabelScores(stub, d.Label)
		}
		s.byID[d.ID] = stub
		text, err := d.Content()
		if err != nil {
			// Unreadable documents fail at ingest before classification.
			continue
		}
		if prev, ok := s.byText[text]; ok && !sameClassifierStub(prev, stub) {
			return nil, fmt.Errorf("%w: %s", ErrConflictingStubs, d.ID)
		}
		s.byText[text] = stub
	}
	return s, nil
}

var stubCategories = []string{"cat1", "cat3", "cat4", "cat5"}

func withLabelScores(stub *corpus.Stub, label string) *corpus.Stub {
	cp := *stub
	cp.Scores = map[string]float64{label: 0.9}
	for _, c := range stubCategories {
		if c != label {
			cp.Scores[c] = 0.05
		}
	}
	return &cp
}

func sameClassifierStub(a, b *corpus.Stub) bool {
	return a.ClassifierFault == b.ClassifierFault &&
		a.ClassifierDelay == b.ClassifierDelay &&
		maps.Equal(a.Scores, b.Scores)
}

// Document returns the stub for a document id.
func (s *Stubs) Document(id string) (*corpus.Stub, bool) {
	st, ok := s.byID[id]
	return st, ok
}

// sleep waits d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scriptedFault turns a fault name from the manifest into an error.
func scriptedFault(ctx context.Context, stage, name string) error {
	if name == faultHang {
		<-ctx.Done()
		return faults.FromContext(ctx, stage)
	}
	kind := faults.Kind(name)
	if kind == faults.KindTimeout {
		return faults.New(kind, stage, "scripted", context.DeadlineExceeded)
	}
	return faults.Newf(kind, stage, "scripted %s fault", name)
}

// Classifier returns a classifier answering from the stubs, keyed by the
// document text it is asked about.
func (s *Stubs) Classifier() classify.Classifier {
	return classify.ClassifierFunc(func(ctx context.Context, text string) (classify.Classification, error) {
		stub, ok := s.byText[text]
		if !ok {
			return classify.Classification{}, faults.Newf(faults.KindTransport, "classify", "no scripted scores for document")
		}
		if sleep(ctx, stub.ClassifierDelay) != nil {
			return classify.Classification{}, faults.FromContext(ctx, "classify")
		}
		if stub.ClassifierFault != "" {
			return classify.Classification{}, scriptedFault(ctx, "classify", stub.ClassifierFault)
		}
		return classify.Classification{Scores: maps.Clone(stub.Scores)}, nil
	})
}

// StubAgent answers one capability from the stubs. Documents without a
// scripted entry for the capability get Fallback when set, otherwise a
// generic finding.
type StubAgent struct {
	Cap      agents.Capability
	Stubs    *Stubs
	Fallback agents.Agent
}

// Capability implements agents.Agent.
func (a *StubAgent) Capability() agents.Capability { return a.Cap }

// Execute implements agents.Agent.
func (a *StubAgent) Execute(ctx context.Context, req agents.Request) (agents.Payload, error) {
	stub, _ := a.Stubs.Document(req.DocumentID)
	var script corpus.AgentStub
	scripted := false
	if stub != nil {
		script, scripted = stub.Agents[string(a.Cap)]
	}
	if !scripted {
		if a.Fallback != nil {
			return a.Fallback.Execute(ctx, req)
		}
		return agents.Payload{
			"findings": []any{fmt.Sprintf("%s review of %s for %s", a.Cap, req.DocumentID, req.Category)},
		}, nil
	}
	if sleep(ctx, script.Delay) != nil {
		return nil, faults.FromContext(ctx, string(a.Cap))
	}
	if script.Fault != "" {
		return nil, scriptedFault(ctx, string(a.Cap), script.Fault)
	}
	return agents.Payload(maps.Clone(script.Payload)), nil
}

// ScriptedChannel answers consultations from the stubs' scripted decisions
// and hands every other request to Fallback.
type ScriptedChannel struct {
	Stubs    *Stubs
	Fallback consult.Channel

	mu       sync.Mutex
	answered map[string]consult.Response
}

var _ consult.Channel = (*ScriptedChannel)(nil)

// NewScriptedChannel creates a channel over stubs. A nil fallback leaves
// unscripted consultations to their timeout default.
func NewScriptedChannel(stubs *Stubs, fallback consult.Channel) *ScriptedChannel {
	return &ScriptedChannel{Stubs: stubs, Fallback: fallback, answered: map[string]consult.Response{}}
}

// Post implements consult.Channel.
func (c *ScriptedChannel) Post(ctx context.Context, req consult.Request) (string, error) {
	docID, _ := req.Detail["document_id"].(string)
	if stub, ok := c.Stubs.Document(docID); ok {
		if decision, ok := stub.Decisions[string(req.Kind)]; ok {
			c.mu.Lock()
			c.answered[req.ID] = consult.Response{Decision: decision, Responder: ScriptedResponder, Note: "scripted in corpus manifest"}
			c.mu.Unlock()
			return req.ID, nil
		}
	}
	if c.Fallback != nil {
		return c.Fallback.Post(ctx, req)
	}
	return req.ID, nil
}

// AwaitResponse implements consult.Channel.
func (c *ScriptedChannel) AwaitResponse(ctx context.Context, id string, deadline time.Time) (consult.Response, error) {
	c.mu.Lock()
	resp, ok := c.answered[id]
	delete(c.answered, id)
	c.mu.Unlock()
	if ok {
		return resp, nil
	}
	if c.Fallback != nil {
		return c.Fallback.AwaitResponse(ctx, id, deadline)
	}
	return consult.Response{}, waitDeadline(ctx, deadline)
}

// TimeoutChannel never answers: every consultation resolves to its default
// when the deadline passes.
type TimeoutChannel struct{}

var _ consult.Channel = TimeoutChannel{}

// Post implements consult.Channel.
func (TimeoutChannel) Post(_ context.Context, req consult.Request) (string, error) {
	return req.ID, nil
}

// AwaitResponse implements consult.Channel.
func (TimeoutChannel) AwaitResponse(ctx context.Context, _ string, deadline time.Time) (consult.Response, error) {
	return consult.Response{}, waitDeadline(ctx, deadline)
}

func waitDeadline(ctx context.Context, deadline time.Time) error {
	if err := sleep(ctx, time.Until(deadline)); err != nil {
		return err
	}
	return consult.ErrAwaitTimeout
}
