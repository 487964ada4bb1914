// Package rag implements the query pipeline: optimize, retrieve, assemble,
// check the response cache, generate, persist. Stage-local failures degrade
// the response where the stage allows it; only argument violations, unknown
// conversations, deadline violations, and exhausted provider fallback
// surface as errors.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/enterprise-rag/rag-query-engine/pkg/cache"
	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/conversation"
	"github.com/enterprise-rag/rag-query-engine/pkg/embedding"
	"github.com/enterprise-rag/rag-query-engine/pkg/llm"
	"github.com/enterprise-rag/rag-query-engine/pkg/monitoring"
	"github.com/enterprise-rag/rag-query-engine/pkg/optimizer"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
	"github.com/enterprise-rag/rag-query-engine/pkg/vectorstore"
)

// Pipeline stages, used for logging and stage latency metrics.
const (
	stageOptimizing = "optimizing"
	stageRetrieving = "retrieving"
	stageAssembling = "assembling"
	stageCacheCheck = "cache_check"
	stageGenerating = "generating"
	stagePersisting = "persisting"
)

const systemPrompt = "You are a helpful assistant that answers questions using the provided context. " +
	"If the context does not contain enough information to answer, say so plainly instead of guessing. " +
	"Keep answers grounded in the context; do not invent sources."

const noContextAnswer = "I could not find relevant information in the knowledge base to answer your question. " +
	"Try rephrasing it or asking about a different topic."

// Generator is the slice of the LLM orchestrator the pipeline needs.
type Generator interface {
	Generate(ctx context.Context, preferred string, req *llm.GenerateRequest) (*llm.GenerateResult, string, error)
	GenerateStream(ctx context.Context, preferred string, req *llm.GenerateRequest) (*llm.Stream, error)
}

// Service wires the pipeline together. All stage components are injected;
// the service owns only orchestration and degrade policy.
type Service struct {
	config        *config.Config
	optimizer     *optimizer.Optimizer
	embedder      embedding.Client
	search        vectorstore.SearchEngine
	conversations conversation.Store
	cache         cache.ResponseCache
	generator     Generator
	assembler     *Assembler
	metrics       *monitoring.Metrics
	logger        *slog.Logger
	flight        singleflight.Group

	// provider name -> configured model, for cache fingerprinting.
	providerModels map[string]string
}

// NewService assembles the pipeline from its stage components.
func NewService(
	cfg *config.Config,
	opt *optimizer.Optimizer,
	embedder embedding.Client,
	search vectorstore.SearchEngine,
	conversations conversation.Store,
	responseCache cache.ResponseCache,
	generator Generator,
	metrics *monitoring.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = monitoring.NewNop()
	}
	models := make(map[string]string, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		models[p.Name] = p.Model
	}
	return &Service{
		config:         cfg,
		optimizer:      opt,
		embedder:       embedder,
		search:         search,
		conversations:  conversations,
		cache:          responseCache,
		generator:      generator,
		assembler:      NewAssembler(cfg.Context, nil, logger),
		metrics:        metrics,
		logger:         logger.With("component", "rag-service"),
		providerModels: models,
	}
}

// pipelineState carries one request through the stages.
type pipelineState struct {
	request      *types.RagQueryRequest
	started      time.Time
	conversation *types.ConversationState
	optimized    *optimizer.OptimizedQuery
	chunks       []types.RetrievedChunk
	assembled    *types.AssembledContext
	fingerprint  string
	provider     string
	model        string
	temperature  float64
	maxTokens    int

	degraded       bool
	degradedReason string
	metrics        types.RagMetrics
}

// Query runs the full synchronous pipeline.
func (s *Service) Query(ctx context.Context, req *types.RagQueryRequest) (*types.RagQueryResponse, error) {
	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	state, err := s.prepare(ctx, req)
	if err != nil {
		s.metrics.QueriesTotal.WithLabelValues(string(types.ModeSync), "error").Inc()
		return nil, err
	}

	// Retrieval succeeded but found nothing relevant, and there is no
	// history to answer from either. Skip generation.
	if len(state.chunks) == 0 && !state.degraded && state.conversation == nil {
		response := s.noContextResponse(state)
		s.persist(ctx, state, response)
		s.finish(state, response, types.ModeSync)
		return response, nil
	}

	if cached, ok := s.cacheLookup(ctx, state); ok {
		s.persist(ctx, state, cached)
		s.finish(state, cached, types.ModeSync)
		return cached, nil
	}

	response, err := s.generateShared(ctx, state)
	if err != nil {
		s.metrics.QueriesTotal.WithLabelValues(string(types.ModeSync), "error").Inc()
		return nil, err
	}

	s.persist(ctx, state, response)
	s.finish(state, response, types.ModeSync)
	return response, nil
}

// QueryStream runs the pipeline in streaming mode. Preparation errors are
// returned directly; anything after the stream starts is reported through a
// terminal chunk.
func (s *Service) QueryStream(ctx context.Context, req *types.RagQueryRequest) (<-chan types.StreamChunk, error) {
	ctx, cancel := s.withStreamDeadline(ctx)

	state, err := s.prepare(ctx, req)
	if err != nil {
		cancel()
		s.metrics.QueriesTotal.WithLabelValues(string(types.ModeStreaming), "error").Inc()
		return nil, err
	}

	out := make(chan types.StreamChunk, s.config.LLM.StreamBuffer)

	if len(state.chunks) == 0 && !state.degraded && state.conversation == nil {
		response := s.noContextResponse(state)
		s.persist(ctx, state, response)
		s.finish(state, response, types.ModeStreaming)
		go func() {
			defer cancel()
			defer close(out)
			out <- types.StreamChunk{Delta: response.Answer, Index: 0}
			out <- types.StreamChunk{Index: 1, Final: true, Response: response}
		}()
		return out, nil
	}

	if cached, ok := s.cacheLookup(ctx, state); ok {
		s.persist(ctx, state, cached)
		s.finish(state, cached, types.ModeStreaming)
		go func() {
			defer cancel()
			defer close(out)
			out <- types.StreamChunk{Delta: cached.Answer, Index: 0}
			out <- types.StreamChunk{Index: 1, Final: true, Response: cached}
		}()
		return out, nil
	}

	stream, err := s.generator.GenerateStream(ctx, state.provider, s.buildGenerateRequest(state))
	if err != nil {
		cancel()
		s.metrics.QueriesTotal.WithLabelValues(string(types.ModeStreaming), "error").Inc()
		return nil, err
	}

	s.metrics.ActiveStreams.Inc()
	go func() {
		defer cancel()
		defer close(out)
		defer s.metrics.ActiveStreams.Dec()

		genStart := time.Now()
		var answer strings.Builder
		index := 0
		tokensUsed := 0
		for delta := range stream.Deltas {
			if delta.Done {
				tokensUsed = delta.TokensUsed
				continue
			}
			answer.WriteString(delta.Text)
			select {
			case out <- types.StreamChunk{Delta: delta.Text, Index: index}:
				index++
			case <-ctx.Done():
				s.metrics.QueriesTotal.WithLabelValues(string(types.ModeStreaming), "canceled").Inc()
				return
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				s.metrics.QueriesTotal.WithLabelValues(string(types.ModeStreaming), "canceled").Inc()
				return
			}
			s.logger.Error("Stream failed", "error", err, "tenant_id", state.request.TenantID)
			s.metrics.QueriesTotal.WithLabelValues(string(types.ModeStreaming), "error").Inc()
			out <- types.StreamChunk{Index: index, Final: true, Error: ragerrors.Sanitize(err)}
			return
		}

		state.metrics.GenerationTimeMs = time.Since(genStart).Milliseconds()
		state.provider = stream.Provider
		state.model = stream.Model
		response := s.buildResponse(state, answer.String(), tokensUsed)
		s.cacheStore(ctx, state, response)
		s.persist(ctx, state, response)
		s.finish(state, response, types.ModeStreaming)
		out <- types.StreamChunk{Index: index, Final: true, Response: response}
	}()
	return out, nil
}

// prepare runs validation through cache fingerprinting.
func (s *Service) prepare(ctx context.Context, req *types.RagQueryRequest) (*pipelineState, error) {
	state := &pipelineState{request: req, started: time.Now()}
	if err := s.validate(req, state); err != nil {
		return nil, err
	}

	if req.ConversationID != "" {
		conv, err := s.conversations.Get(ctx, req.TenantID, req.ConversationID)
		if err != nil {
			return nil, err
		}
		state.conversation = conv
	}

	// Optimize. Failures degrade to the raw query.
	optStart := time.Now()
	optimized, err := s.optimizer.Optimize(req.TenantID, req.Query)
	if err != nil {
		s.logger.Warn("Query optimization failed, using raw query",
			"tenant_id", req.TenantID, "error", err)
		optimized = &optimizer.OptimizedQuery{Original: req.Query, Query: req.Query}
	}
	state.optimized = optimized
	state.metrics.OptimizationTimeMs = time.Since(optStart).Milliseconds()
	s.metrics.ObserveStage(stageOptimizing, time.Since(optStart))

	searchQuery := optimized.Query
	if state.conversation != nil {
		searchQuery = conversation.ContextualizeQuery(state.conversation, optimized.Query, s.config.Conversation.ContextWindow)
	}

	// Retrieve. Failures degrade to an empty context.
	retStart := time.Now()
	chunks, err := s.retrieve(ctx, req, searchQuery)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ragerrors.DeadlineExceeded("request deadline reached during retrieval", ctx.Err())
		}
		s.logger.Warn("Retrieval failed, continuing without context",
			"tenant_id", req.TenantID, "error", err)
		state.degraded = true
		state.degradedReason = "retrieval_unavailable"
		chunks = nil
	}
	state.chunks = chunks
	state.metrics.RetrievalTimeMs = time.Since(retStart).Milliseconds()
	state.metrics.ChunksRetrieved = len(chunks)
	s.metrics.ObserveStage(stageRetrieving, time.Since(retStart))

	// Assemble.
	asmStart := time.Now()
	budget := req.MaxTokens
	if budget <= 0 {
		budget = s.config.Context.MaxTokens
	}
	state.assembled = s.assembler.Assemble(chunks, state.conversation, budget)
	state.metrics.AssemblyTimeMs = time.Since(asmStart).Milliseconds()
	state.metrics.ChunksUsed = len(state.assembled.Chunks)
	s.metrics.ObserveStage(stageAssembling, time.Since(asmStart))
	s.metrics.ChunksUsed.Observe(float64(len(state.assembled.Chunks)))

	state.fingerprint = cache.Fingerprint(
		req.TenantID,
		optimized.Query,
		state.assembled.Signature(),
		state.provider,
		state.model,
		state.temperature,
	)
	return state, nil
}

// validate applies argument preconditions and resolves defaults into state.
func (s *Service) validate(req *types.RagQueryRequest, state *pipelineState) error {
	if req == nil {
		return ragerrors.InvalidArgument("request is required")
	}
	if strings.TrimSpace(req.TenantID) == "" {
		return ragerrors.InvalidArgument("tenant_id is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return ragerrors.InvalidArgument("query must not be blank")
	}
	if req.MaxChunks < 0 {
		return ragerrors.InvalidArgument("max_chunks must not be negative, got %d", req.MaxChunks)
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return ragerrors.InvalidArgument("relevance_threshold must be in [0,1], got %g", req.Threshold)
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return ragerrors.InvalidArgument("temperature must be in [0,2], got %g", *req.Temperature)
	}
	if req.MaxTokens < 0 {
		return ragerrors.InvalidArgument("max_tokens must not be negative, got %d", req.MaxTokens)
	}

	state.provider = req.Provider
	if state.provider == "" {
		state.provider = s.config.LLM.DefaultProvider
	}
	state.model = s.providerModels[state.provider]
	state.temperature = s.config.LLM.Temperature
	if req.Temperature != nil {
		state.temperature = *req.Temperature
	}
	state.maxTokens = s.config.LLM.MaxTokens
	return nil
}

// retrieve embeds the search query and runs the tenant-scoped vector search.
func (s *Service) retrieve(ctx context.Context, req *types.RagQueryRequest, searchQuery string) ([]types.RetrievedChunk, error) {
	emb, err := s.embedder.Embed(ctx, req.TenantID, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}

	k := req.MaxChunks
	if k == 0 {
		k = s.config.VectorSearch.DefaultMaxChunks
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = s.config.VectorSearch.DefaultThreshold
	}
	chunks, err := s.search.Search(ctx, req.TenantID, emb.Vector, k, threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return chunks, nil
}

// cacheLookup checks the response cache and rebinds a hit to this request's
// conversation.
func (s *Service) cacheLookup(ctx context.Context, state *pipelineState) (*types.RagQueryResponse, bool) {
	if s.cache == nil || !s.config.Cache.Enabled {
		return nil, false
	}
	start := time.Now()
	defer s.metrics.ObserveStage(stageCacheCheck, time.Since(start))

	cached, ok := s.cache.Get(ctx, state.fingerprint)
	if !ok {
		s.metrics.CacheMisses.Inc()
		return nil, false
	}
	s.metrics.CacheHits.Inc()

	// The cached answer is shared across conversations with identical
	// fingerprints; only the conversation binding and timing are per-request.
	response := *cached
	response.ConversationID = state.request.ConversationID
	response.Query = state.request.Query
	response.Metrics.CacheHit = true
	response.Metrics.OptimizationTimeMs = state.metrics.OptimizationTimeMs
	response.Metrics.RetrievalTimeMs = state.metrics.RetrievalTimeMs
	response.Metrics.AssemblyTimeMs = state.metrics.AssemblyTimeMs
	response.Metrics.GenerationTimeMs = 0
	return &response, true
}

func (s *Service) cacheStore(ctx context.Context, state *pipelineState, response *types.RagQueryResponse) {
	if s.cache == nil || !s.config.Cache.Enabled || response.Degraded {
		return
	}
	// Detach the cached copy; the response keeps mutating (conversation
	// binding) after this point.
	snapshot := *response
	snapshot.ConversationID = ""
	s.cache.Put(ctx, state.fingerprint, &snapshot, s.config.Cache.TTL)
}

// generateShared runs generation for the sync path, collapsing concurrent
// identical requests onto one provider call via the fingerprint.
func (s *Service) generateShared(ctx context.Context, state *pipelineState) (*types.RagQueryResponse, error) {
	genStart := time.Now()
	raw, err, _ := s.flight.Do(state.fingerprint, func() (interface{}, error) {
		result, providerName, err := s.generator.Generate(ctx, state.provider, s.buildGenerateRequest(state))
		if err != nil {
			return nil, err
		}
		return &sharedResult{text: result.Text, model: result.Model, tokens: result.TokensUsed, provider: providerName}, nil
	})
	s.metrics.ObserveStage(stageGenerating, time.Since(genStart))
	if err != nil {
		if ctx.Err() != nil && !ragerrors.IsKind(err, ragerrors.KindDeadlineExceeded) {
			return nil, ragerrors.DeadlineExceeded("request deadline reached during generation", err)
		}
		return nil, err
	}

	shared := raw.(*sharedResult)
	state.metrics.GenerationTimeMs = time.Since(genStart).Milliseconds()
	state.provider = shared.provider
	state.model = shared.model
	response := s.buildResponse(state, shared.text, shared.tokens)
	s.cacheStore(ctx, state, response)
	return response, nil
}

type sharedResult struct {
	text     string
	model    string
	tokens   int
	provider string
}

// buildGenerateRequest renders the prompt from the assembled context.
func (s *Service) buildGenerateRequest(state *pipelineState) *llm.GenerateRequest {
	var prompt string
	if state.assembled != nil && state.assembled.Text != "" {
		prompt = fmt.Sprintf(
			"Context information:\n\n%s\n\nBased on the context above, answer the following question:\n%s",
			state.assembled.Text, state.request.Query,
		)
	} else {
		prompt = state.request.Query
	}
	return &llm.GenerateRequest{
		SystemPrompt: systemPrompt,
		Prompt:       prompt,
		MaxTokens:    state.maxTokens,
		Temperature:  state.temperature,
	}
}

// buildResponse materializes the outbound response from pipeline state.
func (s *Service) buildResponse(state *pipelineState, answer string, tokensUsed int) *types.RagQueryResponse {
	chunkByID := make(map[string]types.RetrievedChunk, len(state.chunks))
	for _, c := range state.chunks {
		chunkByID[c.ChunkID] = c
	}

	var sources []types.Source
	var relevanceSum float64
	for _, ref := range state.assembled.Chunks {
		src := types.Source{
			ChunkID:    ref.ChunkID,
			DocumentID: ref.DocumentID,
			Relevance:  ref.Score,
		}
		if c, ok := chunkByID[ref.ChunkID]; ok {
			src.FileName = c.FileName
		}
		sources = append(sources, src)
		relevanceSum += ref.Score
	}
	if len(sources) > 0 {
		state.metrics.AverageRelevance = relevanceSum / float64(len(sources))
	}

	state.metrics.TokensUsed = tokensUsed
	state.metrics.TotalTimeMs = time.Since(state.started).Milliseconds()
	state.metrics.Provider = state.provider
	state.metrics.Model = state.model

	response := &types.RagQueryResponse{
		TenantID:       state.request.TenantID,
		ConversationID: state.request.ConversationID,
		Query:          state.request.Query,
		Answer:         answer,
		Sources:        sources,
		Metrics:        state.metrics,
		Degraded:       state.degraded,
		DegradedReason: state.degradedReason,
		GeneratedAt:    time.Now(),
	}
	if state.request.IncludeContext {
		response.Context = state.assembled.Text
	}
	return response
}

// noContextResponse answers without a provider call when retrieval worked
// but nothing cleared the relevance threshold.
func (s *Service) noContextResponse(state *pipelineState) *types.RagQueryResponse {
	state.metrics.TotalTimeMs = time.Since(state.started).Milliseconds()
	return &types.RagQueryResponse{
		TenantID:       state.request.TenantID,
		ConversationID: state.request.ConversationID,
		Query:          state.request.Query,
		Answer:         noContextAnswer,
		Metrics:        state.metrics,
		Degraded:       true,
		DegradedReason: "no_relevant_context",
		GeneratedAt:    time.Now(),
	}
}

// persist appends the exchange to conversation history. Failures are logged
// and swallowed; history loss never fails a delivered answer. The write uses
// a detached context so client disconnects cannot drop turns.
func (s *Service) persist(ctx context.Context, state *pipelineState, response *types.RagQueryResponse) {
	start := time.Now()
	defer s.metrics.ObserveStage(stagePersisting, time.Since(start))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	updated, err := s.conversations.Append(writeCtx, state.request.TenantID, response.ConversationID, types.ConversationTurn{
		Role:      types.RoleUser,
		Content:   state.request.Query,
		Timestamp: time.Now(),
	})
	if err != nil {
		s.logger.Error("Failed to persist user turn",
			"tenant_id", state.request.TenantID, "error", err)
		return
	}
	response.ConversationID = updated.ConversationID

	if _, err := s.conversations.Append(writeCtx, state.request.TenantID, updated.ConversationID, types.ConversationTurn{
		Role:      types.RoleAssistant,
		Content:   response.Answer,
		Sources:   response.Sources,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Error("Failed to persist assistant turn",
			"tenant_id", state.request.TenantID, "error", err)
	}
}

// finish records terminal metrics and logs the outcome.
func (s *Service) finish(state *pipelineState, response *types.RagQueryResponse, mode types.DeliveryMode) {
	status := "ok"
	if response.Degraded {
		status = "degraded"
	}
	s.metrics.QueriesTotal.WithLabelValues(string(mode), status).Inc()
	s.metrics.QueryDuration.WithLabelValues(string(mode)).Observe(time.Since(state.started).Seconds())

	s.logger.Info("Query completed",
		"tenant_id", state.request.TenantID,
		"conversation_id", response.ConversationID,
		"mode", string(mode),
		"cache_hit", response.Metrics.CacheHit,
		"chunks_used", response.Metrics.ChunksUsed,
		"degraded", response.Degraded,
		"total_ms", time.Since(state.started).Milliseconds(),
	)
}

// withDeadline applies the service deadline unless the caller set a tighter one.
func (s *Service) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.Service.RequestDeadline)
}

// withStreamDeadline applies the streaming deadline, which is deliberately
// much longer than the sync one. Delivery pace is policed by the provider
// idle timeout, not by the overall deadline.
func (s *Service) withStreamDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	if s.config.Service.StreamDeadline <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.Service.StreamDeadline)
}

// Analyze reports optimization diagnostics for a query without running it.
func (s *Service) Analyze(query string) (*optimizer.QueryAnalysis, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ragerrors.InvalidArgument("query must not be blank")
	}
	return s.optimizer.Analyze(query), nil
}

// GetConversation fetches conversation history, tenant-scoped.
func (s *Service) GetConversation(ctx context.Context, tenantID, conversationID string) (*types.ConversationState, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ragerrors.InvalidArgument("tenant_id is required")
	}
	if strings.TrimSpace(conversationID) == "" {
		return nil, ragerrors.InvalidArgument("conversation_id is required")
	}
	return s.conversations.Get(ctx, tenantID, conversationID)
}

// InvalidateTenantCache drops every cached response for a tenant, typically
// after a document re-index.
func (s *Service) InvalidateTenantCache(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ragerrors.InvalidArgument("tenant_id is required")
	}
	if s.cache == nil {
		return nil
	}
	return s.cache.InvalidateTenant(ctx, tenantID)
}

// Healthy reports readiness of the retrieval backend.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.search.Healthy(ctx)
}
