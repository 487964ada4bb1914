package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// MemoryStore keeps conversations in process memory with lazy TTL eviction
// plus a periodic sweep. Appends for one (tenant, conversation) key are
// serialized by a per-entry lock; different conversations proceed in
// parallel.
type MemoryStore struct {
	config   config.ConversationConfig
	logger   *slog.Logger
	entries  map[string]*conversationEntry
	mutex    sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

type conversationEntry struct {
	state types.ConversationState
	mutex sync.Mutex
}

// NewMemoryStore creates the store and starts the eviction sweep.
func NewMemoryStore(cfg config.ConversationConfig, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MemoryStore{
		config:   cfg,
		logger:   logger.With("component", "conversation-store"),
		entries:  make(map[string]*conversationEntry),
		stopChan: make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop()
	}
	return s
}

func compoundKey(tenantID, conversationID string) string {
	return tenantID + "\x00" + conversationID
}

// Get returns the conversation state, or NotFound for unknown ids, ids owned
// by another tenant, and expired conversations.
func (s *MemoryStore) Get(ctx context.Context, tenantID, conversationID string) (*types.ConversationState, error) {
	if tenantID == "" {
		return nil, ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if conversationID == "" {
		return nil, ragerrors.InvalidArgument("conversation id must not be empty")
	}

	s.mutex.RLock()
	entry, ok := s.entries[compoundKey(tenantID, conversationID)]
	s.mutex.RUnlock()
	if !ok {
		return nil, ragerrors.NotFound("conversation %s not found", conversationID)
	}

	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if s.expired(entry.state.LastActivity) {
		s.remove(compoundKey(tenantID, conversationID), entry)
		return nil, ragerrors.NotFound("conversation %s not found", conversationID)
	}
	state := cloneState(&entry.state)
	return state, nil
}

// Append adds a turn, creating the conversation if the id is unknown. An
// empty conversationID allocates a fresh id.
func (s *MemoryStore) Append(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) (*types.ConversationState, error) {
	if tenantID == "" {
		return nil, ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	key := compoundKey(tenantID, conversationID)
	now := time.Now()

	s.mutex.Lock()
	entry, ok := s.entries[key]
	if !ok || s.expired(entry.state.LastActivity) {
		entry = &conversationEntry{state: types.ConversationState{
			ConversationID: conversationID,
			TenantID:       tenantID,
			CreatedAt:      now,
		}}
		s.entries[key] = entry
	}
	s.mutex.Unlock()

	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	entry.state.Turns = append(entry.state.Turns, turn)
	entry.state.LastActivity = now

	// Retention keeps the most recent MaxHistory exchanges (user+assistant
	// turn pairs), mirroring the 24h TTL with a size bound.
	if maxTurns := s.config.MaxHistory * 2; maxTurns > 0 && len(entry.state.Turns) > maxTurns {
		entry.state.Turns = entry.state.Turns[len(entry.state.Turns)-maxTurns:]
	}

	return cloneState(&entry.state), nil
}

func (s *MemoryStore) expired(lastActivity time.Time) bool {
	return s.config.TTL > 0 && !lastActivity.IsZero() && time.Since(lastActivity) > s.config.TTL
}

// remove drops an expired entry, but only if the map still holds that exact
// entry. A concurrent Append may have replaced it with a fresh conversation,
// which must survive.
func (s *MemoryStore) remove(key string, entry *conversationEntry) {
	s.mutex.Lock()
	if current, ok := s.entries[key]; ok && current == entry {
		delete(s.entries, key)
	}
	s.mutex.Unlock()
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mutex.Lock()
	var evicted int
	for key, entry := range s.entries {
		// TryLock skips conversations actively being read or appended,
		// so eviction never races a request in flight.
		if !entry.mutex.TryLock() {
			continue
		}
		if s.expired(entry.state.LastActivity) {
			delete(s.entries, key)
			evicted++
		}
		entry.mutex.Unlock()
	}
	s.mutex.Unlock()

	if evicted > 0 {
		s.logger.Debug("Swept expired conversations", "evicted", evicted)
	}
}

// Close stops the sweep loop.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopChan) })
	return nil
}

func cloneState(state *types.ConversationState) *types.ConversationState {
	clone := *state
	clone.Turns = make([]types.ConversationTurn, len(state.Turns))
	copy(clone.Turns, state.Turns)
	return &clone
}
