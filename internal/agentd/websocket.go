package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/protocol"
)

// Close codes matching the backend protocol.
const (
	closeAuthFailed   = 4001
	closeAccessDenied = 4003
)

// TimeoutConfig holds the keepalive timing for conversation sockets.
type TimeoutConfig struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

// DefaultTimeouts provides sensible default timeout values
var DefaultTimeouts = TimeoutConfig{
	PongWait:   30 * time.Second,
	PingPeriod: 27 * time.Second, // (PongWait * 9) / 10
	WriteWait:  10 * time.Second,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server, no origin policy
	},
}

// wsConn serializes writes to one client socket; the replier goroutine and
// the read loop both emit frames.
type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	timeouts TimeoutConfig
}

func (c *wsConn) sendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.WriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.conn.Close()
}

// HandleConversationSocket upgrades and serves one conversation connection.
// Authentication mirrors the backend: the connection is accepted first, then
// closed with 4001/4003 when the token or conversation check fails.
func (s *Server) HandleConversationSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversation_id"]

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := &wsConn{conn: raw, timeouts: s.timeouts}

	userID, ok := verifyToken(r.URL.Query().Get("token"))
	if !ok {
		conn.closeWith(closeAuthFailed, "Authentication failed")
		return
	}

	conv, ok := s.conversations.get(conversationID)
	if !ok || conv.UserID != userID {
		conn.closeWith(closeAccessDenied, "Access denied")
		return
	}

	log.Info().Str("conversation_id", conversationID).Str("user_id", userID).
		Msg("Conversation socket connected")
	defer raw.Close()

	// Keepalive: ping on a ticker, expect pongs within PongWait.
	raw.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.timeouts.PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(s.timeouts.WriteWait)
				if err := raw.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	s.readLoop(r.Context(), conn, conversationID, userID)
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, conversationID, userID string) {
	var runMu sync.Mutex
	var cancelRun context.CancelFunc
	defer func() {
		runMu.Lock()
		if cancelRun != nil {
			cancelRun()
		}
		runMu.Unlock()
	}()

	for {
		conn.conn.SetReadDeadline(time.Now().Add(s.timeouts.PongWait))
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("conversation_id", conversationID).Msg("Conversation socket dropped")
			}
			return
		}

		var frame struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Limit   int    `json:"limit"`
			Offset  int    `json:"offset"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.sendJSON(map[string]string{"type": "error", "error": "Invalid JSON format"})
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			conn.sendJSON(newEvent(protocol.EventPong))

		case protocol.FrameSendMessage:
			if strings.TrimSpace(frame.Content) == "" {
				conn.sendJSON(map[string]string{"type": "error", "error": "Empty message"})
				continue
			}
			runMu.Lock()
			if cancelRun != nil {
				cancelRun()
			}
			runCtx, cancel := context.WithCancel(ctx)
			cancelRun = cancel
			runMu.Unlock()

			s.handleSend(runCtx, conn, conversationID, frame.Content)

		case protocol.FrameInterrupt:
			runMu.Lock()
			if cancelRun != nil {
				cancelRun()
				cancelRun = nil
			}
			runMu.Unlock()

			interrupted := newEvent(protocol.EventInterrupted)
			interrupted.Reason = "user_interrupt"
			conn.sendJSON(interrupted)

			result := newEvent(protocol.EventInterruptResult)
			result.Success = true
			conn.sendJSON(result)

		case protocol.FrameGetHistory:
			history, err := s.store.List(ctx, conversationID, frame.Limit, frame.Offset)
			if err != nil {
				conn.sendJSON(map[string]string{"type": "error", "error": "Failed to load history"})
				continue
			}
			page := newEvent(protocol.EventHistory)
			page.Messages = history
			conn.sendJSON(page)

		default:
			conn.sendJSON(map[string]string{"type": "error", "error": "Unknown message type: " + frame.Type})
		}
	}
}

// handleSend records and echoes the user message, acks it, and streams the
// simulated agent run back over the socket.
func (s *Server) handleSend(ctx context.Context, conn *wsConn, conversationID, content string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	userMsg := protocol.HistoryMessage{
		EventID:   uuid.New().String(),
		EventType: protocol.EventUserMessage,
		Timestamp: now,
		Role:      "user",
		Content:   content,
	}
	if err := s.store.Append(ctx, conversationID, userMsg); err != nil {
		log.Error().Err(err).Msg("Failed to persist user message")
	}

	echo := newEvent(protocol.EventUserMessage)
	echo.EventID = userMsg.EventID
	echo.Role = "user"
	echo.Content = content
	conn.sendJSON(echo)

	ack := newEvent(protocol.EventMessageSent)
	ack.EventID = userMsg.EventID
	conn.sendJSON(ack)

	history, err := s.store.List(ctx, conversationID, 0, 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load history for replier")
	}

	go func() {
		var assembled strings.Builder
		s.replier.Reply(ctx, history, content, func(ev protocol.Event) {
			if ctx.Err() != nil {
				return
			}
			if err := conn.sendJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Dropping event, socket gone")
				return
			}
			// Persist the assistant utterance once the stream settles.
			if ev.Type == protocol.EventLLMStream {
				assembled.WriteString(ev.Content)
				if ev.IsComplete && assembled.Len() > 0 {
					s.store.Append(ctx, conversationID, protocol.HistoryMessage{
						EventID:   uuid.New().String(),
						EventType: protocol.EventAssistantMessage,
						Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
						Role:      "assistant",
						Content:   assembled.String(),
					})
				}
			}
		})
	}()
}
