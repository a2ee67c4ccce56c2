package adapt

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"gampwise/internal/agents"
	"gampwise/internal/config"
	"gampwise/internal/knowledge"
)

// KnowledgeBase is the seeded index behind the context-retrieval agent.
type KnowledgeBase struct {
	Searcher knowledge.Searcher
	Embedder knowledge.Embedder
	Limit    int
	close    func() error
}

// Agent returns a context-retrieval agent over the knowledge base.
func (kb *KnowledgeBase) Agent() *agents.ContextAgent {
	return &agents.ContextAgent{Searcher: kb.Searcher, Embedder: kb.Embedder, Limit: kb.Limit}
}

// Close releases the index connection.
func (kb *KnowledgeBase) Close() error {
	if kb.close == nil {
		return nil
	}
	return kb.close()
}

// OpenKnowledge builds the index named by cfg and seeds it with passages:
// Qdrant when a URL is configured, the in-memory index otherwise.
func OpenKnowledge(ctx context.Context, cfg config.KnowledgeConfig, passages []knowledge.Passage, logger *slog.Logger) (*KnowledgeBase, error) {
	emb := knowledge.NewHashEmbedder(cfg.Dims)
	seed := slices.Clone(passages)

	if cfg.QdrantURL == "" {
		idx := knowledge.NewMemoryIndex()
		if err := knowledge.Index(ctx, emb, idx, seed); err != nil {
			return nil, fmt.Errorf("adapt: seed memory index: %w", err)
		}
		logger.Debug("knowledge base ready", "backend", "memory", "passages", len(seed))
		return &KnowledgeBase{Searcher: idx, Embedder: emb, Limit: cfg.Limit}, nil
	}

	idx, err := knowledge.NewQdrantIndex(knowledge.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.APIKey,
		Collection: cfg.Collection,
		Dims:       uint64(cfg.Dims),
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := idx.EnsureCollection(ctx); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("adapt: qdrant collection: %w", err)
	}
	if len(seed) > 0 {
		if err := knowledge.Index(ctx, emb, idx, seed); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("adapt: seed qdrant: %w", err)
		}
	}
	logger.Info("knowledge base ready", "backend", "qdrant", "collection", cfg.Collection, "passages", len(seed))
	return &KnowledgeBase{Searcher: idx, Embedder: emb, Limit: cfg.Limit, close: idx.Close}, nil
}
