package agents

import (
	"context"
	"fmt"

	"gampwise/internal/faults"
	"gampwise/internal/knowledge"
	"gampwise/internal/transport"
)

// HTTPAgent calls a remote sub-agent at POST <base>/execute.
type HTTPAgent struct {
	cap    Capability
	client *transport.Client
}

// NewHTTPAgent creates a remote agent for c.
func NewHTTPAgent(c Capability, client *transport.Client) (*HTTPAgent, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, c)
	}
	return &HTTPAgent{cap: c, client: client}, nil
}

// Capability implements Agent.
func (h *HTTPAgent) Capability() Capability { return h.cap }

type executeRequest struct {
	Capability Capability `json:"capability"`
	Request
	TimeoutMS int64 `json:"timeout_ms"`
}

// Execute implements Agent. The timeout is sent so the callee can honor it.
func (h *HTTPAgent) Execute(ctx context.Context, req Request) (Payload, error) {
	var out Payload
	body := executeRequest{Capability: h.cap, Request: req, TimeoutMS: req.Timeout.Milliseconds()}
	if err := h.client.PostJSON(ctx, "execute", string(h.cap), body, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, faults.Newf(faults.KindTransport, string(h.cap), "agent at %s returned an empty payload", h.client.BaseURL())
	}
	return out, nil
}

// ContextAgent retrieves regulatory guidance for the document from the
// knowledge base, filtered by the assigned category.
type ContextAgent struct {
	Searcher knowledge.Searcher
	Embedder knowledge.Embedder
	Limit    int
}

// Capability implements Agent.
func (a *ContextAgent) Capability() Capability { return ContextRetrieval }

// Execute implements Agent.
func (a *ContextAgent) Execute(ctx context.Context, req Request) (Payload, error) {
	query := req.Text
	if q, ok := req.Input["query"].(string); ok && q != "" {
		query = q
	}
	vec, err := a.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, faults.New(faults.KindTransport, string(ContextRetrieval), "embed", err)
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 5
	}
	passages, err := a.Searcher.Search(ctx, vec, req.Category, limit)
	if err != nil {
		return nil, faults.New(faults.KindTransport, string(ContextRetrieval), "search", err)
	}
	items := make([]map[string]any, len(passages))
	sources := make([]string, len(passages))
	for i, p := range passages {
		items[i] = map[string]any{"id": p.ID, "source": p.Source, "text": p.Text, "score": p.Score}
		sources[i] = p.Source
	}
	return Payload{"passages": items, "sources": sources}, nil
}
