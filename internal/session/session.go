package session

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/realtime"
	"github.com/parley-chat/parley/internal/transcript"
)

// Config describes one conversation session.
type Config struct {
	// BaseURL is the backend's HTTP base; the realtime endpoint derives from it.
	BaseURL string
	// Token authorizes the connection. Expiry is checked locally before dialing.
	Token          string
	ConversationID string
	// History seeds the transcript before the socket connects.
	History []transcript.Message
	// OnUpdate, when set, is invoked with the updated transcript after every
	// applied event. Delivered from the connection's read goroutine.
	OnUpdate func(messages []transcript.Message)
	// ErrorSink receives server-reported error events.
	ErrorSink transcript.ErrorSink
	// Realtime tunes the reconnection policy; zero values use defaults.
	Realtime realtime.Options
}

// Session owns exactly one transport and one transcript for one conversation.
// Sessions are not reused across conversations: selecting a different
// conversation means closing this session and opening a new one.
type Session struct {
	conversationID string
	manager        *realtime.Manager
	reconciler     *transcript.Reconciler
}

// Open validates the credential, seeds the reconciler, and starts connecting.
func Open(cfg Config) (*Session, error) {
	if cfg.ConversationID == "" {
		return nil, fmt.Errorf("session: conversation id is required")
	}

	if claims, err := auth.InspectToken(cfg.Token); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	} else if claims.Expired(time.Now()) {
		return nil, fmt.Errorf("session: token expired, refresh before connecting")
	}

	s := &Session{
		conversationID: cfg.ConversationID,
		reconciler:     transcript.NewReconciler(cfg.History, cfg.ErrorSink),
	}

	wsURL := realtime.ConversationURL(cfg.BaseURL, cfg.ConversationID, cfg.Token)
	s.manager = realtime.NewManager(wsURL, realtime.Callbacks{
		OnOpen: func() {
			log.Info().Str("conversation_id", cfg.ConversationID).Msg("Session connected")
		},
		OnClose: func(code int) {
			log.Info().Str("conversation_id", cfg.ConversationID).Int("code", code).
				Msg("Session transport closed")
		},
		OnEvent: func(ev protocol.Event) {
			msgs := s.reconciler.Apply(ev)
			if cfg.OnUpdate != nil {
				cfg.OnUpdate(msgs)
			}
		},
		OnError: func(err error) {
			log.Warn().Err(err).Str("conversation_id", cfg.ConversationID).Msg("Session transport error")
		},
	}, cfg.Realtime)

	s.manager.Connect()
	return s, nil
}

// ConversationID returns the conversation this session serves.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// Connect re-dials after the retry budget was exhausted or an explicit Close.
func (s *Session) Connect() {
	s.manager.Connect()
}

// Close disconnects the transport. Idempotent.
func (s *Session) Close() {
	s.manager.Disconnect()
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool {
	return s.manager.Connected()
}

// Typing reports whether the agent is mid-response.
func (s *Session) Typing() bool {
	return s.reconciler.Typing()
}

// Transcript returns a snapshot of the reconciled transcript.
func (s *Session) Transcript() []transcript.Message {
	return s.reconciler.Messages()
}

// Send submits user input. Fails with realtime.ErrNotConnected when the
// socket is not open; nothing is queued.
func (s *Session) Send(text string) error {
	return s.manager.Send(text)
}

// Interrupt asks the agent to stop the current run.
func (s *Session) Interrupt() error {
	return s.manager.Interrupt()
}

// Ping probes liveness at the protocol level.
func (s *Session) Ping() error {
	return s.manager.Ping()
}

// RequestHistory asks the server for a persisted history page.
func (s *Session) RequestHistory(limit, offset int) error {
	return s.manager.RequestHistory(limit, offset)
}
