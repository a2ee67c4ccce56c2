package classify

import (
	"context"

	"gampwise/internal/faults"
	"gampwise/internal/transport"
)

// HTTPClassifier calls a remote classifier at POST <base>/classify.
type HTTPClassifier struct {
	client *transport.Client
}

// NewHTTPClassifier wraps a transport client.
func NewHTTPClassifier(c *transport.Client) *HTTPClassifier {
	return &HTTPClassifier{client: c}
}

type classifyRequest struct {
	Text string `json:"text"`
}

// Classify implements Classifier.
func (h *HTTPClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	var out Classification
	if err := h.client.PostJSON(ctx, "classify", stageName, classifyRequest{Text: text}, &out); err != nil {
		return Classification{}, err
	}
	if len(out.Scores) == 0 {
		return Classification{}, faults.Newf(faults.KindTransport, stageName,
			"classifier at %s returned no scores", h.client.BaseURL())
	}
	return out, nil
}
