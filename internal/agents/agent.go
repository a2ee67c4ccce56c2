// Package agents fans a run's work out to the sub-agents and collects their
// results. The set of agent capabilities is closed: an agent that does not
// declare one of the known capabilities cannot be registered.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Capability identifies what a sub-agent does.
type Capability string

const (
	ContextRetrieval Capability = "context_retrieval"
	DomainExpert     Capability = "domain_expert"
	Research         Capability = "research"
)

// Capabilities lists every known capability in dispatch order.
func Capabilities() []Capability {
	return []Capability{ContextRetrieval, DomainExpert, Research}
}

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case ContextRetrieval, DomainExpert, Research:
		return true
	}
	return false
}

// ErrUnknownCapability is returned for capability ids outside the closed set.
var ErrUnknownCapability = errors.New("agents: unknown capability")

// ParseCapability converts an id from configuration.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, s)
	}
	return c, nil
}

// Request is what an agent receives. Timeout is the budget the callee is
// expected to honor; the coordinator enforces it through ctx as well.
type Request struct {
	RunID      string         `json:"run_id"`
	DocumentID string         `json:"document_id"`
	Category   string         `json:"category"`
	Text       string         `json:"text"`
	Input      map[string]any `json:"input,omitempty"`
	Timeout    time.Duration  `json:"-"`
}

// Payload is an agent's successful output.
type Payload map[string]any

// Agent is one sub-agent.
type Agent interface {
	Capability() Capability
	Execute(ctx context.Context, req Request) (Payload, error)
}

// FuncAgent adapts a function to Agent.
type FuncAgent struct {
	Cap Capability
	Fn  func(ctx context.Context, req Request) (Payload, error)
}

// Capability implements Agent.
func (f FuncAgent) Capability() Capability { return f.Cap }

// Execute implements Agent.
func (f FuncAgent) Execute(ctx context.Context, req Request) (Payload, error) {
	return f.Fn(ctx, req)
}

// Registry maps each capability to exactly one agent.
type Registry struct {
	agents map[Capability]Agent
}

// NewRegistry validates and indexes agents. Unknown or duplicate
// capabilities fail here rather than at dispatch time.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[Capability]Agent, len(agents))}
	for _, a := range agents {
		if a == nil {
			return nil, errors.New("agents: nil agent")
		}
		c := a.Capability()
		if !c.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
		}
		if _, dup := r.agents[c]; dup {
			return nil, fmt.Errorf("agents: duplicate agent for capability %s", c)
		}
		r.agents[c] = a
	}
	return r, nil
}

// Lookup returns the agent for c.
func (r *Registry) Lookup(c Capability) (Agent, bool) {
	a, ok := r.agents[c]
	return a, ok
}

// Capabilities returns the registered capabilities, sorted.
func (r *Registry) Capabilities() []Capability {
	out := make([]Capability, 0, len(r.agents))
	for c := range r.agents {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
