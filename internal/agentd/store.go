package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
)

// HistoryStore persists per-conversation message history for the dev server.
type HistoryStore interface {
	Append(ctx context.Context, conversationID string, msg protocol.HistoryMessage) error
	List(ctx context.Context, conversationID string, limit, offset int) ([]protocol.HistoryMessage, error)
}

// NewHistoryStore returns a Redis-backed store when REDIS_URL is configured
// and reachable, otherwise an in-memory store.
func NewHistoryStore() HistoryStore {
	url := config.GetRedisURL()
	if url == "" {
		return newMemoryStore()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: config.GetRedisPassword(),
		DB:       0,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		log.Error().Err(err).Str("addr", url).Msg("Failed to establish Redis connection, using memory store")
		return newMemoryStore()
	}

	log.Info().Str("addr", url).Msg("History store backed by Redis")
	return &redisStore{client: client}
}

type memoryStore struct {
	mu      sync.RWMutex
	history map[string][]protocol.HistoryMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{history: make(map[string][]protocol.HistoryMessage)}
}

func (s *memoryStore) Append(_ context.Context, conversationID string, msg protocol.HistoryMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[conversationID] = append(s.history[conversationID], msg)
	return nil
}

func (s *memoryStore) List(_ context.Context, conversationID string, limit, offset int) ([]protocol.HistoryMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.history[conversationID]
	return pageOf(all, limit, offset), nil
}

type redisStore struct {
	client *redis.Client
}

func historyKey(conversationID string) string {
	return "parley:history:" + conversationID
}

func (s *redisStore) Append(ctx context.Context, conversationID string, msg protocol.HistoryMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: encode history message: %w", err)
	}
	if err := s.client.RPush(ctx, historyKey(conversationID), payload).Err(); err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Redis RPUSH failed")
		return err
	}
	return nil
}

func (s *redisStore) List(ctx context.Context, conversationID string, limit, offset int) ([]protocol.HistoryMessage, error) {
	raw, err := s.client.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("Redis LRANGE failed")
		return nil, err
	}

	all := make([]protocol.HistoryMessage, 0, len(raw))
	for _, item := range raw {
		var msg protocol.HistoryMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable history entry")
			continue
		}
		all = append(all, msg)
	}
	return pageOf(all, limit, offset), nil
}

// pageOf applies limit/offset from the start of the list, matching the
// backend's history endpoint semantics.
func pageOf(all []protocol.HistoryMessage, limit, offset int) []protocol.HistoryMessage {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	rest := all[offset:]
	if limit <= 0 || limit > len(rest) {
		limit = len(rest)
	}
	out := make([]protocol.HistoryMessage, limit)
	copy(out, rest[:limit])
	return out
}
