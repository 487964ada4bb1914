package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
)

func seedChunk(t *testing.T, engine *MemoryEngine, tenant, chunkID string, vector []float32, content string) {
	t.Helper()
	err := engine.Index(context.Background(), tenant, IndexRequest{
		ChunkID:    chunkID,
		DocumentID: "doc-" + chunkID,
		Content:    content,
		Vector:     vector,
	})
	require.NoError(t, err)
}

func TestSearchTenantIsolation(t *testing.T) {
	engine := NewMemoryEngine(nil)
	seedChunk(t, engine, "tenant-a", "a1", []float32{1, 0, 0}, "alpha secret")
	seedChunk(t, engine, "tenant-b", "b1", []float32{1, 0, 0}, "bravo secret")

	results, err := engine.Search(context.Background(), "tenant-a", []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "a1", results[0].ChunkID)

	// A tenant with no index gets an empty result, never an error.
	results, err = engine.Search(context.Background(), "tenant-c", []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRankingAndTopK(t *testing.T) {
	engine := NewMemoryEngine(nil)
	seedChunk(t, engine, "tenant-a", "close", []float32{1, 0.1, 0}, "close match")
	seedChunk(t, engine, "tenant-a", "exact", []float32{1, 0, 0}, "exact match")
	seedChunk(t, engine, "tenant-a", "far", []float32{0, 1, 0}, "unrelated")

	results, err := engine.Search(context.Background(), "tenant-a", []float32{1, 0, 0}, 2, 0.2)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].ChunkID)
	assert.Equal(t, "close", results[1].ChunkID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearchThresholdFiltersResults(t *testing.T) {
	engine := NewMemoryEngine(nil)
	seedChunk(t, engine, "tenant-a", "exact", []float32{1, 0, 0}, "exact")
	seedChunk(t, engine, "tenant-a", "orthogonal", []float32{0, 1, 0}, "orthogonal")

	results, err := engine.Search(context.Background(), "tenant-a", []float32{1, 0, 0}, 10, 0.9)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "exact", results[0].ChunkID)
}

func TestSearchScoreTieBreaksByRecency(t *testing.T) {
	engine := NewMemoryEngine(nil)
	seedChunk(t, engine, "tenant-a", "older", []float32{1, 0, 0}, "same vector")
	time.Sleep(2 * time.Millisecond)
	seedChunk(t, engine, "tenant-a", "newer", []float32{1, 0, 0}, "same vector")

	results, err := engine.Search(context.Background(), "tenant-a", []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "newer", results[0].ChunkID)
}

func TestSearchInvalidArguments(t *testing.T) {
	engine := NewMemoryEngine(nil)
	vector := []float32{1, 0, 0}

	tests := []struct {
		name      string
		tenant    string
		vector    []float32
		k         int
		threshold float64
	}{
		{"empty tenant", "", vector, 10, 0.5},
		{"empty vector", "tenant-a", nil, 10, 0.5},
		{"zero k", "tenant-a", vector, 0, 0.5},
		{"negative k", "tenant-a", vector, -1, 0.5},
		{"negative threshold", "tenant-a", vector, 10, -0.1},
		{"threshold above one", "tenant-a", vector, 10, 1.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Search(context.Background(), tt.tenant, tt.vector, tt.k, tt.threshold)
			require.Error(t, err)
			assert.True(t, ragerrors.IsKind(err, ragerrors.KindInvalidArgument))
		})
	}
}

func TestIndexUpsertReplacesContent(t *testing.T) {
	engine := NewMemoryEngine(nil)
	seedChunk(t, engine, "tenant-a", "c1", []float32{1, 0, 0}, "first version")
	seedChunk(t, engine, "tenant-a", "c1", []float32{1, 0, 0}, "second version")

	results, err := engine.Search(context.Background(), "tenant-a", []float32{1, 0, 0}, 10, 0.5)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "second version", results[0].Content)
}

func TestCosineMismatchedDimensions(t *testing.T) {
	assert.Zero(t, cosine([]float32{1, 0}, 1, []float32{1, 0, 0}, 1))
}

func TestCosineNegativeClampedToZero(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	assert.Zero(t, cosine(a, vectorNorm(a), b, vectorNorm(b)))
}
