package rag

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

func testAssembler(t *testing.T, mutate func(*config.ContextConfig)) *Assembler {
	t.Helper()
	cfg := config.Default().Context
	if mutate != nil {
		mutate(&cfg)
	}
	return NewAssembler(cfg, nil, nil)
}

func chunk(id string, score float64, content string) types.RetrievedChunk {
	return types.RetrievedChunk{
		ChunkID:    id,
		DocumentID: "doc-" + id,
		Content:    content,
		Score:      score,
		FileName:   id + ".md",
	}
}

func TestAssembleOrdersByRelevance(t *testing.T) {
	a := testAssembler(t, nil)

	result := a.Assemble([]types.RetrievedChunk{
		chunk("low", 0.71, "low relevance content"),
		chunk("high", 0.95, "high relevance content"),
		chunk("mid", 0.84, "mid relevance content"),
	}, nil, 4000)

	require.Len(t, result.Chunks, 3)
	assert.Equal(t, "high", result.Chunks[0].ChunkID)
	assert.Equal(t, "mid", result.Chunks[1].ChunkID)
	assert.Equal(t, "low", result.Chunks[2].ChunkID)
	assert.False(t, result.Truncated)
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	a := testAssembler(t, nil)

	var chunks []types.RetrievedChunk
	for i := 0; i < 40; i++ {
		chunks = append(chunks, chunk(
			fmt.Sprintf("c%d", i),
			0.9-float64(i)*0.01,
			strings.Repeat(fmt.Sprintf("chunk %d body text ", i), 30),
		))
	}

	for _, budget := range []int{50, 200, 1000, 4000} {
		result := a.Assemble(chunks, nil, budget)
		assert.LessOrEqual(t, result.TokenCount, budget, "budget %d", budget)
		assert.Equal(t, budget, result.TokenBudget)
	}
}

func TestAssembleDeduplicatesKeepingHighestScore(t *testing.T) {
	a := testAssembler(t, nil)

	result := a.Assemble([]types.RetrievedChunk{
		chunk("dup-low", 0.70, "Shared   content body"),
		chunk("dup-high", 0.92, "shared content body"),
		chunk("other", 0.80, "different content"),
	}, nil, 4000)

	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "dup-high", result.Chunks[0].ChunkID)
	assert.Equal(t, "other", result.Chunks[1].ChunkID)
}

func TestAssembleTruncatesSingleOversizedChunk(t *testing.T) {
	a := testAssembler(t, nil)

	result := a.Assemble([]types.RetrievedChunk{
		chunk("huge", 0.9, strings.Repeat("many words here ", 500)),
	}, nil, 100)

	require.Len(t, result.Chunks, 1)
	assert.True(t, result.Chunks[0].Truncated)
	assert.True(t, result.Truncated)
	assert.LessOrEqual(t, result.TokenCount, 100)
	assert.NotEmpty(t, result.Text)
}

func TestAssembleTruncationKeepsValidUTF8(t *testing.T) {
	a := testAssembler(t, func(cfg *config.ContextConfig) {
		cfg.IncludeMetadata = false
	})

	// Multi-byte runes with no spaces force the cut into the middle of a
	// rune unless truncation backs up to a boundary.
	result := a.Assemble([]types.RetrievedChunk{
		chunk("jp", 0.9, strings.Repeat("日本語テキスト", 200)),
	}, nil, 50)

	require.Len(t, result.Chunks, 1)
	assert.True(t, result.Chunks[0].Truncated)
	assert.True(t, utf8.ValidString(result.Text))
	assert.NotEmpty(t, result.Text)
}

func TestTruncateToTokensRuneBoundary(t *testing.T) {
	text := strings.Repeat("日本語テキスト", 100)
	for _, tokens := range []int{10, 11, 13, 50} {
		cut := truncateToTokens(text, tokens)
		assert.True(t, utf8.ValidString(cut), "tokens=%d", tokens)
		assert.LessOrEqual(t, len(cut), tokens*4)
		assert.NotEmpty(t, cut)
	}
}

func TestAssembleReservesHistorySlice(t *testing.T) {
	a := testAssembler(t, nil)

	// A long-running conversation: only the window's most recent turns are
	// considered, and they must fit the reserved fraction of the budget.
	state := &types.ConversationState{ConversationID: "conv-1", TenantID: "tenant-a"}
	for i := 0; i < 50; i++ {
		state.Turns = append(state.Turns, types.ConversationTurn{
			Role:      types.RoleUser,
			Content:   fmt.Sprintf("historic question number %d with a reasonable amount of text", i),
			Timestamp: time.Now(),
		})
	}

	budget := 1000
	result := a.Assemble([]types.RetrievedChunk{
		chunk("c1", 0.9, "relevant content"),
	}, state, budget)

	reserved := int(float64(budget) * config.Default().Context.HistoryFraction)
	assert.Greater(t, result.HistoryTurns, 0)
	assert.LessOrEqual(t, result.HistoryTurns, config.Default().Context.HistoryTurns)
	assert.LessOrEqual(t, result.TokenCount, budget)
	assert.Contains(t, result.Text, "Conversation history:")
	assert.Contains(t, result.Text, "historic question number 49")
	assert.NotContains(t, result.Text, "historic question number 0 ")

	historyPortion := result.Text[:strings.Index(result.Text, "[Source:")]
	assert.LessOrEqual(t, CharEstimator{}.Estimate(historyPortion), reserved+1)
}

func TestAssembleHistoryDropsOldestWhenOverReservation(t *testing.T) {
	a := testAssembler(t, func(cfg *config.ContextConfig) {
		cfg.HistoryTurns = 5
	})

	state := &types.ConversationState{}
	for i := 0; i < 5; i++ {
		state.Turns = append(state.Turns, types.ConversationTurn{
			Role:    types.RoleUser,
			Content: strings.Repeat(fmt.Sprintf("turn %d filler ", i), 20),
		})
	}

	// Reservation is 20% of 400 = 80 tokens; five fat turns cannot all fit.
	result := a.Assemble(nil, state, 400)

	assert.Less(t, result.HistoryTurns, 5)
	assert.Greater(t, result.HistoryTurns, 0)
	assert.Contains(t, result.Text, "turn 4 filler")
	assert.NotContains(t, result.Text, "turn 0 filler")
}

func TestAssembleEmptyInputs(t *testing.T) {
	a := testAssembler(t, nil)

	result := a.Assemble(nil, nil, 4000)

	assert.Empty(t, result.Text)
	assert.Empty(t, result.Chunks)
	assert.Zero(t, result.TokenCount)
	assert.Empty(t, result.Signature())
}

func TestAssembleMetadataHeader(t *testing.T) {
	a := testAssembler(t, nil)

	result := a.Assemble([]types.RetrievedChunk{
		chunk("c1", 0.87, "the content"),
	}, nil, 4000)

	assert.Contains(t, result.Text, "[Source: c1.md | Relevance: 0.87]")
}

func TestAssembleMetadataDisabled(t *testing.T) {
	a := testAssembler(t, func(cfg *config.ContextConfig) {
		cfg.IncludeMetadata = false
	})

	result := a.Assemble([]types.RetrievedChunk{
		chunk("c1", 0.87, "the content"),
	}, nil, 4000)

	assert.Equal(t, "the content", result.Text)
}

func TestCharEstimator(t *testing.T) {
	est := CharEstimator{}
	assert.Zero(t, est.Estimate(""))
	assert.Equal(t, 1, est.Estimate("abc"))
	assert.Equal(t, 1, est.Estimate("abcd"))
	assert.Equal(t, 2, est.Estimate("abcde"))
}
