// Package knowledge is the regulatory knowledge base read by the
// context-retrieval agent. Passages are stored as dense vectors and filtered
// by the GAMP category they apply to.
package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Passage is one retrievable piece of guidance.
type Passage struct {
	ID       string    `json:"id" yaml:"id"`
	Category string    `json:"category,omitempty" yaml:"category,omitempty"`
	Source   string    `json:"source" yaml:"source"`
	Text     string    `json:"text" yaml:"text"`
	Score    float32   `json:"score,omitempty" yaml:"-"`
	Vector   []float32 `json:"-" yaml:"-"`
}

// Searcher finds passages near a query vector. An empty category searches
// every passage.
type Searcher interface {
	Search(ctx context.Context, vector []float32, category string, limit int) ([]Passage, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}

// HashEmbedder is a deterministic feature-hashing embedder for offline runs.
// It has no notion of meaning; texts that share words land close together.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns an embedder producing dims-wide unit vectors.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dims implements Embedder.
func (h *HashEmbedder) Dims() int { return h.dims }

// Embed implements Embedder.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, fmt.Errorf("knowledge: nothing to embed")
	}
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims)) //nolint:gosec // dims is positive
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	normalize(vec)
	return vec, nil
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MemoryIndex is an in-process Searcher for stub runs and tests.
type MemoryIndex struct {
	mu       sync.RWMutex
	passages []Passage
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex { return &MemoryIndex{} }

// Upsert stores passages, replacing any with the same id. Each passage must
// carry a vector.
func (m *MemoryIndex) Upsert(ctx context.Context, passages []Passage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range passages {
		if len(p.Vector) == 0 {
			return fmt.Errorf("knowledge: passage %q has no vector", p.ID)
		}
		replaced := false
		for i := range m.passages {
			if m.passages[i].ID == p.ID {
				m.passages[i], replaced = p, true
				break
			}
		}
		if !replaced {
			m.passages = append(m.passages, p)
		}
	}
	return nil
}

// Writer stores embedded passages.
type Writer interface {
	Upsert(ctx context.Context, passages []Passage) error
}

// Index embeds passages with e and writes them to dst.
func Index(ctx context.Context, e Embedder, dst Writer, passages []Passage) error {
	for i := range passages {
		v, err := e.Embed(ctx, passages[i].Text)
		if err != nil {
			return fmt.Errorf("embed passage %q: %w", passages[i].ID, err)
		}
		passages[i].Vector = v
	}
	return dst.Upsert(ctx, passages)
}

// Search implements Searcher.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, category string, limit int) ([]Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	m.mu.RLock()
	var out []Passage
	for _, p := range m.passages {
		if category != "" && p.Category != "" && p.Category != category {
			continue
		}
		p.Score = cosine(vector, p.Vector)
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored passages.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.passages)
}
