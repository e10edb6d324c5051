package agentd

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/api"
)

// conversationRegistry is the dev server's in-memory conversation table.
type conversationRegistry struct {
	mu            sync.RWMutex
	conversations map[string]api.Conversation
}

func newConversationRegistry() *conversationRegistry {
	return &conversationRegistry{conversations: make(map[string]api.Conversation)}
}

func (r *conversationRegistry) create(userID, title string, metadata map[string]interface{}) api.Conversation {
	now := time.Now().UTC()
	conv := api.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata,
	}

	r.mu.Lock()
	r.conversations[conv.ID] = conv
	r.mu.Unlock()
	return conv
}

func (r *conversationRegistry) get(id string) (api.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conv, ok := r.conversations[id]
	return conv, ok
}

func (r *conversationRegistry) delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return false
	}
	delete(r.conversations, id)
	return true
}
