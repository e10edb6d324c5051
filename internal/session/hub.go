package session

import (
	"sync"
)

// Hub tracks the active conversation session. Selecting a conversation always
// disconnects the previous transport first, so two live sockets can never
// deliver events side by side.
type Hub struct {
	mu     sync.Mutex
	active *Session
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Select closes the currently active session, if any, and opens a new one for
// the given config.
func (h *Hub) Select(cfg Config) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil {
		h.active.Close()
		h.active = nil
	}

	s, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	h.active = s
	return s, nil
}

// Active returns the current session, or nil when none is selected.
func (h *Hub) Active() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Close disconnects the active session, if any.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active != nil {
		h.active.Close()
		h.active = nil
	}
}
