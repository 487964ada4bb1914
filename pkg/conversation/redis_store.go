package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/enterprise-rag/rag-query-engine/pkg/config"
	"github.com/enterprise-rag/rag-query-engine/pkg/ragerrors"
	"github.com/enterprise-rag/rag-query-engine/pkg/types"
)

// RedisStore persists conversations in Redis. Keys are compound
// ({prefix}:conv:{tenant}:{conversation}) and carry the TTL as redis expiry,
// so eviction is handled by the server. Appends are serialized per key by a
// local striped lock; arrival order within one instance is preserved.
type RedisStore struct {
	client    *redis.Client
	config    config.ConversationConfig
	keyPrefix string
	logger    *slog.Logger
	locks     [64]sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisCfg config.RedisConfig, cfg config.ConversationConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         redisCfg.Address,
		Password:     redisCfg.Password,
		DB:           redisCfg.Database,
		PoolSize:     redisCfg.PoolSize,
		DialTimeout:  redisCfg.DialTimeout,
		ReadTimeout:  redisCfg.ReadTimeout,
		WriteTimeout: redisCfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisCfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", redisCfg.Address, err)
	}

	return &RedisStore{
		client:    client,
		config:    cfg,
		keyPrefix: redisCfg.KeyPrefix,
		logger:    logger.With("component", "conversation-redis"),
	}, nil
}

func (s *RedisStore) key(tenantID, conversationID string) string {
	return fmt.Sprintf("%s:conv:%s:%s", s.keyPrefix, tenantID, conversationID)
}

func (s *RedisStore) lockFor(key string) *sync.Mutex {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return &s.locks[h%uint32(len(s.locks))]
}

// Get loads the conversation state or reports NotFound.
func (s *RedisStore) Get(ctx context.Context, tenantID, conversationID string) (*types.ConversationState, error) {
	if tenantID == "" {
		return nil, ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if conversationID == "" {
		return nil, ragerrors.InvalidArgument("conversation id must not be empty")
	}

	payload, err := s.client.Get(ctx, s.key(tenantID, conversationID)).Bytes()
	if err == redis.Nil {
		return nil, ragerrors.NotFound("conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var state types.ConversationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	return &state, nil
}

// Append adds a turn, creating the conversation lazily, and refreshes the
// TTL on every write.
func (s *RedisStore) Append(ctx context.Context, tenantID, conversationID string, turn types.ConversationTurn) (*types.ConversationState, error) {
	if tenantID == "" {
		return nil, ragerrors.InvalidArgument("tenant id must not be empty")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	key := s.key(tenantID, conversationID)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.Get(ctx, tenantID, conversationID)
	if err != nil {
		if !ragerrors.IsKind(err, ragerrors.KindNotFound) {
			return nil, err
		}
		state = &types.ConversationState{
			ConversationID: conversationID,
			TenantID:       tenantID,
			CreatedAt:      time.Now(),
		}
	}

	state.Turns = append(state.Turns, turn)
	state.LastActivity = time.Now()
	if maxTurns := s.config.MaxHistory * 2; maxTurns > 0 && len(state.Turns) > maxTurns {
		state.Turns = state.Turns[len(state.Turns)-maxTurns:]
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, s.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("redis set failed: %w", err)
	}
	return state, nil
}

// Close releases the redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
