// Package vectorstore implements tenant-scoped vector similarity search.
// Tenant isolation is enforced by construction: every lookup is namespaced
// by tenant id before any scoring happens, never post-filtered.
package vectorstore

import (
	"context"

	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// IndexRequest is an upsert into the vector index. Re-indexing the same
// chunk id replaces content rather than duplicating.
type IndexRequest struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Vector     []float32         `json:"vector"`
	Position   int               `json:"position"`
	FileName   string            `json:"file_name,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchEngine retrieves the top-K most similar chunks above a similarity
// threshold, strictly tenant-scoped.
type SearchEngine interface {
	// Search returns chunks ordered by descending score, ties broken by
	// most recently indexed first. An empty result is not an error.
	Search(ctx context.Context, tenantID string, queryVector []float32, k int, threshold float64) ([]types.RetrievedChunk, error)

	// Index upserts a chunk into the tenant's namespace.
	Index(ctx context.Context, tenantID string, req IndexRequest) error

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) bool

	Close() error
}

// validateSearchArgs enforces the shared preconditions for every backend.
// Violations fail fast; they are never silently clamped.
func validateSearchArgs(tenantID string, queryVector []float32, k int, threshold float64) error {
	if tenantID == "" {
		return ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if len(queryVector) == 0 {
		return ragerrors.InvalidArgument("query vector must not be empty")
	}
	if k <= 0 {
		return ragerrors.InvalidArgument("k must be positive, got %d", k)
	}
	if threshold < 0.0 || threshold > 1.0 {
		return ragerrors.InvalidArgument("threshold must be in [0.0, 1.0], got %f", threshold)
	}
	return nil
}

func validateIndexArgs(tenantID string, req IndexRequest) error {
	if tenantID == "" {
		return ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if req.ChunkID == "" {
		return ragerrors.InvalidArgument("chunk id must not be empty")
	}
	if len(req.Vector) == 0 {
		return ragerrors.InvalidArgument("vector must not be empty")
	}
	return nil
}
