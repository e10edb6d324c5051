package agentd

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/api"
	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/pkg/httpext"
)

// Server is the development stand-in for the agent backend. It speaks the
// same REST and realtime protocol the client consumes, with the agent itself
// replaced by a simulator.
type Server struct {
	store         HistoryStore
	conversations *conversationRegistry
	replier       Replier
	timeouts      TimeoutConfig
}

// NewServer wires a dev server from its parts. Nil parts get defaults.
func NewServer(store HistoryStore, replier Replier) *Server {
	if store == nil {
		store = NewHistoryStore()
	}
	if replier == nil {
		replier = NewReplier()
	}
	return &Server{
		store:         store,
		conversations: newConversationRegistry(),
		replier:       replier,
		timeouts:      DefaultTimeouts,
	}
}

// SetTimeouts overrides the socket keepalive timing, primarily for tests.
func (s *Server) SetTimeouts(timeouts TimeoutConfig) {
	s.timeouts = timeouts
}

// Router builds the dev server's route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{conversation_id}", s.handleGetConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{conversation_id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{conversation_id}/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/ws/conversations/{conversation_id}", s.HandleConversationSocket)
	return r
}

// handleLogin accepts any non-empty credentials and mints a dev token. The
// user id is derived from the username so repeated logins share conversations.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		httpext.JsonError(w, "Username and password are required", http.StatusUnauthorized)
		return
	}

	userID := "dev-" + req.Username
	token, err := mintToken(userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to mint token")
		httpext.JsonError(w, "Token issue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, auth.Token{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(tokenLifetime.Seconds()),
		User:        &auth.User{ID: userID, Username: req.Username},
	})
}

// handleRegister accepts any complete registration. The dev server keeps no
// user table, so the account simply exists once login derives its id.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		httpext.JsonError(w, "Username, email and password are required", http.StatusBadRequest)
		return
	}

	log.Info().Str("username", req.Username).Msg("User registered")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "User registered successfully",
		"data": map[string]string{
			"user_id":  "dev-" + req.Username,
			"username": req.Username,
		},
	})
}

// bearerUser authenticates a REST request, writing the error response itself
// when the token is missing or invalid.
func (s *Server) bearerUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		httpext.JsonError(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	userID, ok := verifyToken(parts[1])
	if !ok {
		httpext.JsonError(w, "Invalid token", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(w, r)
	if !ok {
		return
	}

	var req api.ConversationCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Conversation " + uuid.New().String()[:8]
	}

	conv := s.conversations.create(userID, req.Title, req.Metadata)
	log.Info().Str("conversation_id", conv.ID).Str("user_id", userID).Msg("Conversation created")
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(w, r)
	if !ok {
		return
	}

	conv, found := s.conversations.get(mux.Vars(r)["conversation_id"])
	if !found {
		httpext.JsonError(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if conv.UserID != userID {
		httpext.JsonError(w, "Access denied", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["conversation_id"]
	conv, found := s.conversations.get(id)
	if !found {
		httpext.JsonError(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if conv.UserID != userID {
		httpext.JsonError(w, "Access denied", http.StatusForbidden)
		return
	}

	s.conversations.delete(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.bearerUser(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["conversation_id"]
	conv, found := s.conversations.get(id)
	if !found {
		httpext.JsonError(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if conv.UserID != userID {
		httpext.JsonError(w, "Access denied", http.StatusForbidden)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	history, err := s.store.List(r.Context(), id, limit, offset)
	if err != nil {
		httpext.JsonError(w, "Failed to load history", http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []protocol.HistoryMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
