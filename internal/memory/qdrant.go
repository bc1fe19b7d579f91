package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Embedder is the slice of the embedding client the retriever needs.
type Embedder interface {
	Ready(ctx context.Context) bool
	Generate(ctx context.Context, text string) ([]float32, error)
}

// QdrantConfig holds Qdrant connection configuration.
type QdrantConfig struct {
	// URL is the Qdrant server address (e.g., "https://example.qdrant.io:6334").
	URL string

	// Collection is the name of the memory collection to search.
	Collection string

	// APIKey is an optional API key for authentication.
	APIKey string
}

// QdrantRetriever implements Retriever against a Qdrant collection.
// Each point's payload carries the memory text under "content", the
// owning personality under "personality_id", an optional "user_id", and
// an optional RFC3339 "created_at".
type QdrantRetriever struct {
	client     *qdrant.Client
	collection string
	embedder   Embedder
	logger     *slog.Logger
}

// NewQdrantRetriever creates a memory retriever backed by Qdrant.
func NewQdrantRetriever(cfg QdrantConfig, embedder Embedder, logger *slog.Logger) (*QdrantRetriever, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	parsedURL := cfg.URL
	if !strings.HasPrefix(parsedURL, "http://") && !strings.HasPrefix(parsedURL, "https://") {
		parsedURL = "https://" + parsedURL
	}

	u, err := url.Parse(parsedURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}

	host := u.Hostname()
	port := 6334 // qdrant gRPC default
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port: %w", err)
		}
		port = p
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}

	return &QdrantRetriever{
		client:     client,
		collection: cfg.Collection,
		embedder:   embedder,
		logger:     logger.With("component", "memory"),
	}, nil
}

// RetrieveRelevant embeds the query and searches the collection. When
// the embedding service is not ready, it returns no documents and logs
// at debug level — an expected degraded mode, not an error.
func (r *QdrantRetriever) RetrieveRelevant(ctx context.Context, query string, filter Filter) ([]Document, error) {
	if filter.PersonalityID == "" {
		return nil, fmt.Errorf("memory filter requires a personality id")
	}
	if r.embedder == nil || !r.embedder.Ready(ctx) {
		r.logger.Debug("embedding service not ready, skipping memory retrieval",
			"personality", filter.PersonalityID)
		return nil, nil
	}

	vector, err := r.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed memory query: %w", err)
	}

	limit := uint64(filter.Limit)
	if limit == 0 {
		limit = 10
	}

	points, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}

	docs := make([]Document, 0, len(points))
	for _, point := range points {
		if filter.MinScore > 0 && point.Score < filter.MinScore {
			continue
		}

		doc := Document{
			Score:    point.Score,
			Metadata: make(map[string]any),
		}

		for k, v := range point.GetPayload() {
			switch k {
			case "content":
				doc.PageContent = v.GetStringValue()
			case "created_at":
				if ts := v.GetStringValue(); ts != "" {
					if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
						doc.CreatedAt = parsed
					}
				}
			default:
				doc.Metadata[k] = extractValue(v)
			}
		}

		if doc.PageContent == "" {
			continue
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// Close releases the underlying gRPC connection.
func (r *QdrantRetriever) Close() error {
	return r.client.Close()
}

// buildFilter converts a Filter into a Qdrant payload filter.
func buildFilter(filter Filter) *qdrant.Filter {
	conditions := []*qdrant.Condition{
		keywordCondition("personality_id", filter.PersonalityID),
	}
	if filter.UserID != "" {
		conditions = append(conditions, keywordCondition("user_id", filter.UserID))
	}
	return &qdrant.Filter{Must: conditions}
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

// extractValue extracts a Go value from a Qdrant payload value.
func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}

	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	default:
		return nil
	}
}

// Compile-time check that QdrantRetriever implements Retriever.
var _ Retriever = (*QdrantRetriever)(nil)
