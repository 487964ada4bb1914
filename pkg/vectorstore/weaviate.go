package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// WeaviateEngine backs the search contract with a Weaviate cluster. All
// objects live in one class; the tenantId property is part of every query's
// where filter, so cross-tenant reads are impossible by construction.
type WeaviateEngine struct {
	client    *weaviate.Client
	className string
	logger    *slog.Logger
}

// NewWeaviateEngine connects to the configured cluster and ensures the
// chunk class exists.
func NewWeaviateEngine(cfg config.VectorSearchConfig, logger *slog.Logger) (*WeaviateEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientConfig := weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	}
	if cfg.WeaviateAPIKey != "" {
		clientConfig.AuthConfig = auth.ApiKey{Value: cfg.WeaviateAPIKey}
	}

	client, err := weaviate.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	we := &WeaviateEngine{
		client:    client,
		className: cfg.ClassName,
		logger:    logger.With("component", "weaviate-vectorstore"),
	}
	if err := we.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize weaviate schema: %w", err)
	}
	return we, nil
}

func (we *WeaviateEngine) ensureSchema(ctx context.Context) error {
	exists, err := we.client.Schema().ClassExistenceChecker().WithClassName(we.className).Do(ctx)
	if err != nil {
		return fmt.Errorf("schema check failed: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      we.className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "tenantId", DataType: []string{"text"}},
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "documentId", DataType: []string{"text"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "position", DataType: []string{"int"}},
			{Name: "fileName", DataType: []string{"text"}},
			{Name: "tags", DataType: []string{"text[]"}},
			{Name: "indexedAt", DataType: []string{"date"}},
		},
	}
	if err := we.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		// Another instance may have created it concurrently.
		if strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return fmt.Errorf("class creation failed: %w", err)
	}
	we.logger.Info("Created weaviate class", "class", we.className)
	return nil
}

// Index upserts a chunk. The object id is derived deterministically from
// (tenant, chunk), so re-indexing replaces the stored object.
func (we *WeaviateEngine) Index(ctx context.Context, tenantID string, req IndexRequest) error {
	if err := validateIndexArgs(tenantID, req); err != nil {
		return err
	}

	objectID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(tenantID+"/"+req.ChunkID)).String()
	properties := map[string]interface{}{
		"tenantId":   tenantID,
		"chunkId":    req.ChunkID,
		"documentId": req.DocumentID,
		"content":    req.Content,
		"position":   req.Position,
		"fileName":   req.FileName,
		"tags":       req.Tags,
		"indexedAt":  time.Now().Format(time.RFC3339),
	}

	_, err := we.client.Data().Creator().
		WithClassName(we.className).
		WithID(objectID).
		WithProperties(properties).
		WithVector(req.Vector).
		Do(ctx)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "422") {
		return fmt.Errorf("weaviate create failed for chunk %s: %w", req.ChunkID, err)
	}

	if err := we.client.Data().Updater().
		WithClassName(we.className).
		WithID(objectID).
		WithProperties(properties).
		WithVector(req.Vector).
		Do(ctx); err != nil {
		return fmt.Errorf("weaviate update failed for chunk %s: %w", req.ChunkID, err)
	}
	return nil
}

// Search runs a nearVector query restricted to the tenant's namespace.
func (we *WeaviateEngine) Search(ctx context.Context, tenantID string, queryVector []float32, k int, threshold float64) ([]types.RetrievedChunk, error) {
	if err := validateSearchArgs(tenantID, queryVector, k, threshold); err != nil {
		return nil, err
	}
	startTime := time.Now()

	nearVector := we.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVector).
		WithCertainty(float32(threshold))

	tenantFilter := filters.Where().
		WithPath([]string{"tenantId"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "documentId"},
		{Name: "content"},
		{Name: "position"},
		{Name: "fileName"},
		{Name: "tags"},
		{Name: "indexedAt"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := we.client.GraphQL().Get().
		WithClassName(we.className).
		WithNearVector(nearVector).
		WithWhere(tenantFilter).
		WithFields(fields...).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search returned errors: %v", result.Errors[0].Message)
	}

	chunks := we.parseResults(result.Data)

	// Weaviate orders by certainty already; enforce the recency tie-break.
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].IndexedAt.After(chunks[j].IndexedAt)
	})

	we.logger.Debug("Weaviate search completed",
		"tenant_id", tenantID,
		"results", len(chunks),
		"took", time.Since(startTime),
	)
	return chunks, nil
}

func (we *WeaviateEngine) parseResults(data map[string]models.JSONObject) []types.RetrievedChunk {
	var chunks []types.RetrievedChunk

	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return chunks
	}
	items, ok := get[we.className].([]interface{})
	if !ok {
		return chunks
	}

	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := types.RetrievedChunk{}
		if v, ok := obj["chunkId"].(string); ok {
			chunk.ChunkID = v
		}
		if v, ok := obj["documentId"].(string); ok {
			chunk.DocumentID = v
		}
		if v, ok := obj["content"].(string); ok {
			chunk.Content = v
		}
		if v, ok := obj["position"].(float64); ok {
			chunk.Position = int(v)
		}
		if v, ok := obj["fileName"].(string); ok {
			chunk.FileName = v
		}
		if v, ok := obj["tags"].([]interface{}); ok {
			for _, t := range v {
				if s, ok := t.(string); ok {
					chunk.Tags = append(chunk.Tags, s)
				}
			}
		}
		if v, ok := obj["indexedAt"].(string); ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				chunk.IndexedAt = ts
			}
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if c, ok := additional["certainty"].(float64); ok {
				chunk.Score = c
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// Healthy checks cluster readiness.
func (we *WeaviateEngine) Healthy(ctx context.Context) bool {
	ready, err := we.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		we.logger.Warn("Weaviate readiness check failed", "error", err)
		return false
	}
	return ready
}

// Close is a no-op; the weaviate client holds no persistent connections
// beyond its HTTP pool.
func (we *WeaviateEngine) Close() error { return nil }
