package search

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/rlmrs/rlmrs/pkg/config"
)

// QdrantProvider searches an indexed corpus in qdrant. Indexed points carry
// doc_index/start_char/end_char/preview payload fields written at ingestion
// time; sessions are isolated by a session_id payload filter.
type QdrantProvider struct {
	client     *qdrant.Client
	embedder   *Embedder
	collection string
}

// NewQdrantProvider creates a provider from configuration.
func NewQdrantProvider(cfg config.SearchConfig, embedderCfg *config.EmbedderConfig) (*QdrantProvider, error) {
	if embedderCfg == nil {
		return nil, fmt.Errorf("qdrant search requires an embedder")
	}
	embedder, err := NewEmbedder(*embedderCfg)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithUserAgent("rlmrs"),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantProvider{
		client:     client,
		embedder:   embedder,
		collection: cfg.Collection,
	}, nil
}

// Name returns "qdrant".
func (p *QdrantProvider) Name() string { return string(config.SearchProviderQdrant) }

// Close shuts down the gRPC connection.
func (p *QdrantProvider) Close() error { return p.client.Close() }

// Query embeds the query text and searches the collection, scoped to the
// given index (session).
func (p *QdrantProvider) Query(ctx context.Context, indexID, query string, k int, filters map[string]any) ([]Hit, error) {
	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	conditions := []*qdrant.Condition{
		qdrant.NewMatch("session_id", indexID),
	}
	for key, value := range filters {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		if s := val.GetStringValue(); s != "" {
			conditions = append(conditions, qdrant.NewMatch(key, s))
		}
	}

	req := &qdrant.SearchPoints{
		CollectionName: p.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         &qdrant.Filter{Must: conditions},
	}

	result, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, point := range result.Result {
		hit := Hit{Score: float64(point.Score)}
		if point.Payload != nil {
			hit.DocIndex = int(point.Payload["doc_index"].GetIntegerValue())
			hit.StartChar = int(point.Payload["start_char"].GetIntegerValue())
			hit.EndChar = int(point.Payload["end_char"].GetIntegerValue())
			hit.Preview = point.Payload["preview"].GetStringValue()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

var _ Provider = (*QdrantProvider)(nil)
