package rag

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// Assembler turns retrieved chunks and conversation history into a single
// bounded context block. The token budget is a hard ceiling: the assembled
// context never exceeds it, whatever the inputs.
type Assembler struct {
	config    config.ContextConfig
	estimator TokenEstimator
	logger    *slog.Logger
}

// NewAssembler builds an assembler. A nil estimator falls back to the
// character heuristic.
func NewAssembler(cfg config.ContextConfig, estimator TokenEstimator, logger *slog.Logger) *Assembler {
	if estimator == nil {
		estimator = CharEstimator{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		config:    cfg,
		estimator: estimator,
		logger:    logger.With("component", "context-assembler"),
	}
}

// Assemble deduplicates and ranks chunks, reserves a slice of the budget for
// conversation history when there is any, and greedily packs chunks into the
// remainder in relevance order. budget <= 0 falls back to the configured
// maximum.
func (a *Assembler) Assemble(chunks []types.RetrievedChunk, history *types.ConversationState, budget int) *types.AssembledContext {
	if budget <= 0 {
		budget = a.config.MaxTokens
	}

	result := &types.AssembledContext{
		TokenBudget: budget,
	}

	historyText, historyTurns, historyTokens := a.buildHistory(history, budget)
	chunkBudget := budget - historyTokens

	deduped := dedupeChunks(chunks)
	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})

	var parts []string
	separatorTokens := a.estimator.Estimate(a.config.ChunkSeparator)
	used := 0
	for _, chunk := range deduped {
		text := a.formatChunk(chunk)
		tokens := a.estimator.Estimate(text)
		cost := tokens
		if len(parts) > 0 {
			cost += separatorTokens
		}

		if used+cost > chunkBudget {
			if len(parts) == 0 && chunkBudget > 0 {
				// Nothing fits whole; truncate the best chunk to fill the
				// budget rather than answering with no context at all.
				text = truncateToTokens(text, chunkBudget)
				tokens = a.estimator.Estimate(text)
				parts = append(parts, text)
				used += tokens
				result.Chunks = append(result.Chunks, types.ChunkRef{
					ChunkID:    chunk.ChunkID,
					DocumentID: chunk.DocumentID,
					Score:      chunk.Score,
					Tokens:     tokens,
					Truncated:  true,
				})
				result.Truncated = true
			}
			break
		}

		parts = append(parts, text)
		used += cost
		result.Chunks = append(result.Chunks, types.ChunkRef{
			ChunkID:    chunk.ChunkID,
			DocumentID: chunk.DocumentID,
			Score:      chunk.Score,
			Tokens:     tokens,
		})
	}
	if len(result.Chunks) < len(deduped) {
		result.Truncated = true
	}

	var b strings.Builder
	if historyText != "" {
		b.WriteString(historyText)
		if len(parts) > 0 {
			b.WriteString("\n\n")
		}
	}
	b.WriteString(strings.Join(parts, a.config.ChunkSeparator))

	result.Text = b.String()
	result.HistoryTurns = historyTurns
	result.TokenCount = historyTokens + used
	return result
}

// buildHistory renders the most recent conversation turns into the reserved
// slice of the budget, dropping the oldest turns first when they overflow it.
func (a *Assembler) buildHistory(history *types.ConversationState, budget int) (string, int, int) {
	if history == nil || len(history.Turns) == 0 || a.config.HistoryFraction <= 0 {
		return "", 0, 0
	}

	reserved := int(float64(budget) * a.config.HistoryFraction)
	if reserved <= 0 {
		return "", 0, 0
	}

	turns := history.Turns
	if a.config.HistoryTurns > 0 && len(turns) > a.config.HistoryTurns {
		turns = turns[len(turns)-a.config.HistoryTurns:]
	}

	const header = "Conversation history:\n"

	// Walk from the oldest candidate forward, shrinking the window until the
	// rendered turns fit the reservation.
	for start := 0; start < len(turns); start++ {
		var b strings.Builder
		b.WriteString(header)
		for _, turn := range turns[start:] {
			label := "User"
			if turn.Role == types.RoleAssistant {
				label = "Assistant"
			}
			fmt.Fprintf(&b, "%s: %s\n", label, turn.Content)
		}
		text := b.String()
		tokens := a.estimator.Estimate(text)
		if tokens <= reserved {
			return text, len(turns) - start, tokens
		}
	}
	return "", 0, 0
}

// formatChunk renders one chunk, with a provenance line when configured.
func (a *Assembler) formatChunk(chunk types.RetrievedChunk) string {
	if !a.config.IncludeMetadata {
		return chunk.Content
	}
	source := chunk.FileName
	if source == "" {
		source = chunk.DocumentID
	}
	return fmt.Sprintf("[Source: %s | Relevance: %.2f]\n%s", source, chunk.Score, chunk.Content)
}

// dedupeChunks drops chunks whose normalized content already appeared,
// keeping the highest-scoring copy.
func dedupeChunks(chunks []types.RetrievedChunk) []types.RetrievedChunk {
	seen := make(map[string]int, len(chunks))
	out := make([]types.RetrievedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		key := normalizeContent(chunk.Content)
		if idx, ok := seen[key]; ok {
			if chunk.Score > out[idx].Score {
				out[idx] = chunk
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, chunk)
	}
	return out
}

func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// truncateToTokens cuts text so its estimate fits within tokens, breaking on
// a word boundary when one is near the cut and never splitting a rune.
func truncateToTokens(text string, tokens int) string {
	maxChars := tokens * 4
	if len(text) <= maxChars {
		return text
	}
	for maxChars > 0 && !utf8.RuneStart(text[maxChars]) {
		maxChars--
	}
	cut := text[:maxChars]
	if idx := strings.LastIndexByte(cut, ' '); idx > maxChars/2 {
		cut = cut[:idx]
	}
	return cut
}
