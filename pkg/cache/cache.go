// Package cache maps a fingerprint of (tenant, optimized query, context,
// provider, model, temperature) to a previously generated answer. A hit
// short-circuits retrieval and generation entirely.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// ResponseCache is the answer cache contract. Get is a miss after TTL
// expiry; Put with ttl<=0 uses the configured default.
type ResponseCache interface {
	Get(ctx context.Context, fingerprint string) (*types.RagQueryResponse, bool)
	Put(ctx context.Context, fingerprint string, response *types.RagQueryResponse, ttl time.Duration)
	InvalidateTenant(ctx context.Context, tenantID string) error
	Close() error
}

// Fingerprint derives the deterministic cache key. Any change in any input
// yields a different key; the tenant id is a visible prefix so tenant-wide
// invalidation can match on it.
func Fingerprint(tenantID, optimizedQuery, contextSignature, provider, model string, temperature float64) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(optimizedQuery), " "))
	// One-decimal bucket collapses float jitter without conflating 0.2 and 0.7.
	bucket := fmt.Sprintf("%.1f", temperature)

	h := sha256.New()
	for _, part := range []string{tenantID, normalized, contextSignature, provider, model, bucket} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return tenantID + ":" + hex.EncodeToString(h.Sum(nil))
}
