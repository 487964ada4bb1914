// Package conversation owns durable, TTL-bounded per-conversation message
// history. All reads and writes are keyed by (tenant, conversation); a
// lookup under the wrong tenant is a miss, never another tenant's data.
package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// Store is the conversation history contract. Append creates the
// conversation lazily when the id is unknown, and appends for the same
// (tenant, conversation) key are serialized so turns land in arrival order.
type Store interface {
	Get(ctx context.Context, tenantID, conversationID string) (*types.ConversationState, error)
	Append(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) (*types.ConversationState, error)
	Close() error
}

// ContextualizeQuery folds the most recent exchanges of a conversation into
// a follow-up query so retrieval sees referents like "it" or "that" resolved
// by surrounding text. window is the number of most recent turns to include.
func ContextualizeQuery(state *types.ConversationState, query string, window int) string {
	if state == nil || len(state.Turns) == 0 || window <= 0 {
		return query
	}

	turns := state.Turns
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, turn := range turns {
		label := "User"
		if turn.Role == types.RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, turn.Content)
	}
	b.WriteString("\nCurrent question: ")
	b.WriteString(query)
	return b.String()
}
