package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("tenant-a", "what is weaviate", "c1;c2;", "openai", "gpt-4o-mini", 0.7)
	b := Fingerprint("tenant-a", "what is weaviate", "c1;c2;", "openai", "gpt-4o-mini", 0.7)
	assert.Equal(t, a, b)
}

func TestFingerprintNormalizesQuery(t *testing.T) {
	a := Fingerprint("tenant-a", "What   is\tWeaviate", "", "openai", "m", 0.7)
	b := Fingerprint("tenant-a", "what is weaviate", "", "openai", "m", 0.7)
	assert.Equal(t, a, b)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("tenant-a", "query", "sig", "openai", "m", 0.7)

	tests := []struct {
		name string
		got  string
	}{
		{"tenant", Fingerprint("tenant-b", "query", "sig", "openai", "m", 0.7)},
		{"query", Fingerprint("tenant-a", "other query", "sig", "openai", "m", 0.7)},
		{"context", Fingerprint("tenant-a", "query", "other-sig", "openai", "m", 0.7)},
		{"provider", Fingerprint("tenant-a", "query", "sig", "ollama", "m", 0.7)},
		{"model", Fingerprint("tenant-a", "query", "sig", "openai", "m2", 0.7)},
		{"temperature bucket", Fingerprint("tenant-a", "query", "sig", "openai", "m", 0.2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, tt.got)
		})
	}
}

func TestFingerprintTemperatureBucketing(t *testing.T) {
	a := Fingerprint("tenant-a", "query", "sig", "openai", "m", 0.70)
	b := Fingerprint("tenant-a", "query", "sig", "openai", "m", 0.71)
	assert.Equal(t, a, b)
}

func TestFingerprintTenantPrefixed(t *testing.T) {
	fp := Fingerprint("tenant-a", "query", "sig", "openai", "m", 0.7)
	assert.True(t, strings.HasPrefix(fp, "tenant-a:"))
}

func newTestCache(t *testing.T, mutate func(*config.CacheConfig)) *MemoryCache {
	t.Helper()
	cfg := config.Default().Cache
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewMemoryCache(cfg, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func response(answer string) *types.RagQueryResponse {
	return &types.RagQueryResponse{
		TenantID:    "tenant-a",
		Answer:      answer,
		GeneratedAt: time.Now(),
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	_, ok := c.Get(ctx, "tenant-a:fp1")
	assert.False(t, ok)

	c.Put(ctx, "tenant-a:fp1", response("cached answer"), time.Minute)

	got, ok := c.Get(ctx, "tenant-a:fp1")
	require.True(t, ok)
	assert.Equal(t, "cached answer", got.Answer)
}

func TestMemoryCacheTTLExpiry(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Put(ctx, "tenant-a:fp1", response("short lived"), 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, ok := c.Get(ctx, "tenant-a:fp1")
	assert.False(t, ok)
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	c := newTestCache(t, func(cfg *config.CacheConfig) {
		cfg.MaxItems = 3
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Put(ctx, fmt.Sprintf("tenant-a:fp%d", i), response(fmt.Sprintf("answer-%d", i)), time.Minute)
	}

	// Touch fp0 so fp1 becomes the eviction candidate.
	_, ok := c.Get(ctx, "tenant-a:fp0")
	require.True(t, ok)

	c.Put(ctx, "tenant-a:fp3", response("answer-3"), time.Minute)

	_, ok = c.Get(ctx, "tenant-a:fp1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "tenant-a:fp0")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "tenant-a:fp3")
	assert.True(t, ok)
}

func TestMemoryCacheInvalidateTenant(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Put(ctx, "tenant-a:fp1", response("a1"), time.Minute)
	c.Put(ctx, "tenant-a:fp2", response("a2"), time.Minute)
	c.Put(ctx, "tenant-b:fp1", response("b1"), time.Minute)

	require.NoError(t, c.InvalidateTenant(ctx, "tenant-a"))

	_, ok := c.Get(ctx, "tenant-a:fp1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "tenant-a:fp2")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "tenant-b:fp1")
	assert.True(t, ok)
}

func TestMemoryCacheStats(t *testing.T) {
	c := newTestCache(t, nil)
	ctx := context.Background()

	c.Put(ctx, "tenant-a:fp1", response("a"), time.Minute)
	c.Get(ctx, "tenant-a:fp1")
	c.Get(ctx, "tenant-a:missing")

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}
