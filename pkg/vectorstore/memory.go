package vectorstore

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// MemoryEngine is an in-process search engine. It is the reference
// implementation for the retrieval contract and the default backend for
// tests and single-node deployments.
type MemoryEngine struct {
	tenants map[string]map[string]*indexedChunk
	mutex   sync.RWMutex
	logger  *slog.Logger
}

type indexedChunk struct {
	req       IndexRequest
	norm      float64
	indexedAt time.Time
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine(logger *slog.Logger) *MemoryEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryEngine{
		tenants: make(map[string]map[string]*indexedChunk),
		logger:  logger.With("component", "memory-vectorstore"),
	}
}

// Index upserts a chunk under the tenant's namespace.
func (m *MemoryEngine) Index(ctx context.Context, tenantID string, req IndexRequest) error {
	if err := validateIndexArgs(tenantID, req); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	ns, ok := m.tenants[tenantID]
	if !ok {
		ns = make(map[string]*indexedChunk)
		m.tenants[tenantID] = ns
	}
	ns[req.ChunkID] = &indexedChunk{
		req:       req,
		norm:      vectorNorm(req.Vector),
		indexedAt: time.Now(),
	}
	return nil
}

// Search scores every chunk in the tenant's namespace by cosine similarity.
func (m *MemoryEngine) Search(ctx context.Context, tenantID string, queryVector []float32, k int, threshold float64) ([]types.RetrievedChunk, error) {
	if err := validateSearchArgs(tenantID, queryVector, k, threshold); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mutex.RLock()
	ns := m.tenants[tenantID]
	queryNorm := vectorNorm(queryVector)

	type scored struct {
		chunk *indexedChunk
		score float64
	}
	candidates := make([]scored, 0, len(ns))
	for _, c := range ns {
		score := cosine(queryVector, queryNorm, c.req.Vector, c.norm)
		if score >= threshold {
			candidates = append(candidates, scored{chunk: c, score: score})
		}
	}
	m.mutex.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunk.indexedAt.After(candidates[j].chunk.indexedAt)
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]types.RetrievedChunk, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, types.RetrievedChunk{
			ChunkID:    c.chunk.req.ChunkID,
			DocumentID: c.chunk.req.DocumentID,
			Content:    c.chunk.req.Content,
			Position:   c.chunk.req.Position,
			Score:      c.score,
			FileName:   c.chunk.req.FileName,
			Tags:       c.chunk.req.Tags,
			Metadata:   c.chunk.req.Metadata,
			IndexedAt:  c.chunk.indexedAt,
		})
	}

	m.logger.Debug("Vector search completed",
		"tenant_id", tenantID,
		"candidates", len(ns),
		"results", len(results),
	)
	return results, nil
}

// Healthy always reports true for the in-process engine.
func (m *MemoryEngine) Healthy(ctx context.Context) bool { return true }

// Close releases the index.
func (m *MemoryEngine) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.tenants = make(map[string]map[string]*indexedChunk)
	return nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns similarity in [0,1] for non-negative score space; mismatched
// dimensions score zero.
func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	score := dot / (aNorm * bNorm)
	if score < 0 {
		return 0
	}
	return score
}
