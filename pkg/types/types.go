// Package types defines the shared data model for the RAG query engine.
// Every entity carries a tenant id; nothing crosses tenant boundaries.
package types

import (
	"time"
)

// DeliveryMode selects how a query response is delivered.
type DeliveryMode string

const (
	ModeSync      DeliveryMode = "sync"
	ModeStreaming DeliveryMode = "streaming"
	ModeAsync     DeliveryMode = "async"
)

// RagQueryRequest is the inbound query contract. TenantID is set by the
// caller from an already-authenticated context and is propagated to every
// downstream call.
type RagQueryRequest struct {
	TenantID       string  `json:"tenant_id"`
	UserID         string  `json:"user_id,omitempty"`
	Query          string  `json:"query"`
	ConversationID string  `json:"conversation_id,omitempty"`
	MaxChunks      int     `json:"max_chunks,omitempty"`
	Threshold      float64 `json:"relevance_threshold,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	// Temperature is a pointer so an explicit 0 (deterministic sampling) is
	// distinguishable from unset, which falls back to the configured default.
	Temperature    *float64 `json:"temperature,omitempty"`
	Provider       string   `json:"provider,omitempty"`
	IncludeContext bool     `json:"include_context,omitempty"`
	Streaming      bool     `json:"streaming,omitempty"`
}

// RetrievedChunk is the unit of retrieval. Immutable once returned for a
// given request.
type RetrievedChunk struct {
	ChunkID    string            `json:"chunk_id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Position   int               `json:"position"`
	Score      float64           `json:"score"`
	FileName   string            `json:"file_name,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IndexedAt  time.Time         `json:"indexed_at,omitempty"`
}

// ChunkRef identifies a chunk that made it into the assembled context.
type ChunkRef struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
	Tokens     int     `json:"tokens"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// AssembledContext is the bounded context handed to the LLM. TokenCount is
// always <= the budget it was assembled under.
type AssembledContext struct {
	Text         string     `json:"text"`
	Chunks       []ChunkRef `json:"chunks"`
	TokenCount   int        `json:"token_count"`
	TokenBudget  int        `json:"token_budget"`
	HistoryTurns int        `json:"history_turns"`
	Truncated    bool       `json:"truncated"`
}

// Signature returns a deterministic identity for the assembled context,
// used as a cache fingerprint component.
func (ac *AssembledContext) Signature() string {
	if ac == nil {
		return ""
	}
	sig := ""
	for _, c := range ac.Chunks {
		sig += c.ChunkID + ";"
	}
	return sig
}

// TurnRole is the author of a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// ConversationTurn is a single message in a conversation.
type ConversationTurn struct {
	Role      TurnRole  `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the durable per-conversation history. Owned by the
// conversation store; orchestrators only read and append through it.
type ConversationState struct {
	ConversationID string             `json:"conversation_id"`
	TenantID       string             `json:"tenant_id"`
	Turns          []ConversationTurn `json:"turns"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivity   time.Time          `json:"last_activity"`
}

// Source is a cited chunk in a response.
type Source struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name,omitempty"`
	Relevance  float64 `json:"relevance"`
}

// ProviderHealth classifies a provider's observed state.
type ProviderHealth string

const (
	ProviderHealthy  ProviderHealth = "healthy"
	ProviderDegraded ProviderHealth = "degraded"
	ProviderOffline  ProviderHealth = "offline"
)

// ProviderStatus is diagnostic state for one LLM provider. Refreshed after
// every call; read-only for clients.
type ProviderStatus struct {
	Name        string         `json:"name"`
	Health      ProviderHealth `json:"health"`
	LastLatency time.Duration  `json:"last_latency"`
	LastError   string         `json:"last_error,omitempty"`
	LastUsed    time.Time      `json:"last_used,omitempty"`
	Requests    int64          `json:"requests"`
	Failures    int64          `json:"failures"`
}

// RagMetrics is the per-response timing breakdown.
type RagMetrics struct {
	OptimizationTimeMs int64   `json:"optimization_time_ms"`
	RetrievalTimeMs    int64   `json:"retrieval_time_ms"`
	AssemblyTimeMs     int64   `json:"assembly_time_ms"`
	GenerationTimeMs   int64   `json:"generation_time_ms"`
	TotalTimeMs        int64   `json:"total_time_ms"`
	ChunksRetrieved    int     `json:"chunks_retrieved"`
	ChunksUsed         int     `json:"chunks_used"`
	TokensUsed         int     `json:"tokens_used"`
	AverageRelevance   float64 `json:"average_relevance"`
	Provider           string  `json:"provider,omitempty"`
	Model              string  `json:"model,omitempty"`
	CacheHit           bool    `json:"cache_hit"`
}

// RagQueryResponse is the outbound answer contract.
type RagQueryResponse struct {
	TenantID       string     `json:"tenant_id"`
	ConversationID string     `json:"conversation_id"`
	Query          string     `json:"query"`
	Answer         string     `json:"answer"`
	Sources        []Source   `json:"sources,omitempty"`
	Context        string     `json:"context,omitempty"`
	Metrics        RagMetrics `json:"metrics"`
	Degraded       bool       `json:"degraded,omitempty"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
	GeneratedAt    time.Time  `json:"generated_at"`
}

// StreamChunk is one element of a streaming response. The terminal chunk
// has Final set and carries the sources and usage metadata.
type StreamChunk struct {
	Delta string `json:"delta,omitempty"`
	Index int    `json:"index"`
	Final bool   `json:"final,omitempty"`

	// Populated on the final chunk only.
	Response *RagQueryResponse `json:"response,omitempty"`

	// Error is set instead of Response when the stream ends abnormally.
	Error string `json:"error,omitempty"`
}

// TaskState is the lifecycle of an async query task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Embedding is the embedding service's response for one text.
type Embedding struct {
	Vector []float32 `json:"vector"`
	Model  string    `json:"model"`
}
