package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Searcher backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

var _ Searcher = (*QdrantIndex)(nil)

// passageNamespace derives stable point ids from passage ids.
var passageNamespace = uuid.MustParse("4f6c1b0e-2b8f-4f0a-9d55-6a3c6f2f8e11")

// parseQdrantURL extracts host, gRPC port and TLS flag. The REST port 6333 is
// mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("knowledge: invalid qdrant URL: %q", rawURL)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("knowledge: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant over gRPC. The connection is lazy; the
// first RPC reports an unreachable server.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("knowledge: qdrant collection is required")
	}
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection and its category index if needed.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("knowledge: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("knowledge: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "category",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("knowledge: ensure index on category: %w", err)
	}
	return nil
}

// Upsert stores passages. Passage ids need not be UUIDs.
func (q *QdrantIndex) Upsert(ctx context.Context, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		if uint64(len(p.Vector)) != q.dims {
			return fmt.Errorf("knowledge: passage %q has %d dims, collection has %d", p.ID, len(p.Vector), q.dims)
		}
		payload := map[string]any{
			"passage_id": p.ID,
			"source":     p.Source,
			"text":       p.Text,
		}
		if p.Category != "" {
			payload["category"] = p.Category
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(p.ID)),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(payload),
		}
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("knowledge: qdrant upsert %d points: %w", len(passages), err)
	}
	return nil
}

// Search implements Searcher.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, category string, limit int) ([]Passage, error) {
	if limit <= 0 {
		limit = 5
	}
	fetch := uint64(limit) //nolint:gosec // limit is positive
	query := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if category != "" {
		query.Filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("category", category)}}
	}
	scored, err := q.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant query: %w", err)
	}
	out := make([]Passage, 0, len(scored))
	for _, sp := range scored {
		pl := sp.GetPayload()
		out = append(out, Passage{
			ID:       pl["passage_id"].GetStringValue(),
			Category: pl["category"].GetStringValue(),
			Source:   pl["source"].GetStringValue(),
			Text:     pl["text"].GetStringValue(),
			Score:    sp.GetScore(),
		})
	}
	return out, nil
}

// Healthy returns nil if Qdrant is reachable.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("knowledge: qdrant unhealthy: %w", err)
	}
	return nil
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func pointID(passageID string) string {
	if id, err := uuid.Parse(passageID); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(passageNamespace, []byte(passageID)).String()
}
