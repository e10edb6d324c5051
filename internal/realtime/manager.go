package realtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
)

// ErrNotConnected is returned by outbound calls while the socket is not open.
// Frames are never queued; the caller surfaces the failure to the user.
var ErrNotConnected = errors.New("realtime: not connected")

// State is the connection lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Callbacks are the lifecycle hooks a Manager invokes. All of them are
// delivered sequentially from the manager's own goroutine; a nil hook is
// skipped. OnEvent receives every decoded inbound frame verbatim.
type Callbacks struct {
	OnOpen  func()
	OnClose func(code int)
	OnEvent func(ev protocol.Event)
	OnError func(err error)
}

// Options tune the reconnection policy. Zero values fall back to the
// configured defaults.
type Options struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	CapDelay         time.Duration
	AbnormalCooldown time.Duration
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = config.GetMaxReconnectAttempts()
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = config.GetReconnectBaseDelay()
	}
	if o.CapDelay == 0 {
		o.CapDelay = config.GetReconnectCapDelay()
	}
	if o.AbnormalCooldown == 0 {
		o.AbnormalCooldown = config.DefaultAbnormalCloseCooldown
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Manager owns exactly one conversation WebSocket and its recovery policy.
// It knows nothing about message semantics: inbound payloads are decoded to
// protocol.Event and handed to OnEvent untouched.
type Manager struct {
	wsURL string
	cb    Callbacks
	opts  Options

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	attempt int
	// gen invalidates in-flight dials and pending retry timers after a
	// disconnect or a superseding connect.
	gen   int
	timer *time.Timer

	writeMu sync.Mutex
}

// ConversationURL builds the realtime endpoint for a conversation, carrying
// the bearer credential as a connection parameter.
func ConversationURL(baseURL, conversationID, token string) string {
	ws := strings.Replace(baseURL, "http", "ws", 1)
	return fmt.Sprintf("%s/ws/conversations/%s?token=%s", ws, conversationID, url.QueryEscape(token))
}

// NewManager creates a manager for one conversation socket. Call Connect to
// start it.
func NewManager(wsURL string, cb Callbacks, opts Options) *Manager {
	return &Manager{
		wsURL: wsURL,
		cb:    cb,
		opts:  opts.withDefaults(),
		state: StateIdle,
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the socket is open.
func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// Connect starts a connection attempt. A call while already connecting or
// open is a no-op, and a closed manager is revived with a fresh attempt
// budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateConnecting, StateOpen:
		return
	case StateClosed:
		// Explicit reconnect after exhaustion starts from scratch.
		m.attempt = 0
	}

	m.state = StateConnecting
	m.gen++
	go m.dial(m.gen)
}

// Disconnect closes the transport with a normal-closure code and suppresses
// any further automatic retry. Safe to call repeatedly or when already closed.
func (m *Manager) Disconnect() {
	m.mu.Lock()

	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	everConnected := m.state != StateIdle

	m.state = StateClosed
	m.attempt = m.opts.MaxAttempts
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		conn.Close()
	}

	// A manager that never dialed has no connection to report closed.
	if everConnected {
		m.emitClose(websocket.CloseNormalClosure)
	}
}

// Send submits user input. Fire-and-forget: the server acknowledges with a
// message_sent event, not a reply here.
func (m *Manager) Send(text string) error {
	return m.writeJSON(protocol.NewSendMessage(text))
}

// Interrupt asks the agent to stop the current run.
func (m *Manager) Interrupt() error {
	return m.writeJSON(protocol.NewInterrupt())
}

// Ping sends an application-level liveness probe.
func (m *Manager) Ping() error {
	return m.writeJSON(protocol.NewPing())
}

// RequestHistory asks for a page of persisted conversation history.
func (m *Manager) RequestHistory(limit, offset int) error {
	return m.writeJSON(protocol.NewGetHistory(limit, offset))
}

func (m *Manager) writeJSON(frame interface{}) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("realtime: write frame: %w", err)
	}
	return nil
}

func (m *Manager) dial(gen int) {
	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	conn, _, err := dialer.Dial(m.wsURL, nil)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("url", m.wsURL).Msg("Realtime dial failed")
		m.emitError(err)
		m.handleClosed(gen, websocket.CloseAbnormalClosure)
		return
	}

	// The attempt budget is not recovered yet: an endpoint that accepts the
	// handshake and immediately drops must still exhaust the retry bound.
	// readLoop resets it once the connection carries traffic.
	m.state = StateOpen
	m.conn = conn
	m.mu.Unlock()

	log.Info().Str("url", m.wsURL).Msg("Realtime connection open")
	if m.cb.OnOpen != nil {
		m.cb.OnOpen()
	}

	m.readLoop(gen, conn)
}

// readLoop pumps inbound frames until the transport drops. It is the only
// reader, so event delivery order matches arrival order.
func (m *Manager) readLoop(gen int, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(gen, closeCode(err))
			return
		}

		// Inbound traffic proves the connection stable, so a long-lived
		// session recovers its full retry budget.
		m.resetAttempts(gen)

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			// Protocol noise must not affect connection state.
			log.Warn().Err(err).Msg("Dropping undecodable realtime frame")
			continue
		}

		if m.cb.OnEvent != nil {
			m.cb.OnEvent(ev)
		}
	}
}

func (m *Manager) resetAttempts(gen int) {
	m.mu.Lock()
	if gen == m.gen && m.state == StateOpen {
		m.attempt = 0
	}
	m.mu.Unlock()
}

// handleClosed runs the retry policy after the transport dropped with the
// given close code.
func (m *Manager) handleClosed(gen int, code int) {
	m.mu.Lock()

	if gen != m.gen {
		// A disconnect or newer connect superseded this transport; that path
		// already emitted its own close.
		m.mu.Unlock()
		return
	}
	m.conn = nil

	if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
		m.state = StateClosed
		m.mu.Unlock()
		log.Info().Int("code", code).Msg("Realtime connection closed, not retrying")
		m.emitClose(code)
		return
	}

	m.attempt++
	if m.attempt >= m.opts.MaxAttempts {
		m.state = StateClosed
		m.mu.Unlock()
		log.Warn().Int("code", code).Int("attempts", m.opts.MaxAttempts).
			Msg("Realtime reconnect attempts exhausted")
		m.emitClose(code)
		return
	}

	m.state = StateReconnecting
	delay := backoffDelay(m.attempt, m.opts.BaseDelay, m.opts.CapDelay)
	if code == websocket.CloseAbnormalClosure {
		// Abnormal closures tend to fire in rapid unrecoverable bursts and
		// need a longer cooldown before the backoff timer starts.
		delay += m.opts.AbnormalCooldown
	}

	timerGen := m.gen
	m.timer = time.AfterFunc(delay, func() { m.retry(timerGen) })
	attempt := m.attempt
	m.mu.Unlock()

	log.Info().Int("code", code).Int("attempt", attempt).Dur("delay", delay).
		Msg("Realtime connection lost, scheduling reconnect")
	m.emitClose(code)
}

func (m *Manager) retry(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.gen++
	dialGen := m.gen
	m.mu.Unlock()

	m.dial(dialGen)
}

func (m *Manager) emitClose(code int) {
	if m.cb.OnClose != nil {
		m.cb.OnClose(code)
	}
}

func (m *Manager) emitError(err error) {
	if m.cb.OnError != nil {
		m.cb.OnError(err)
	}
}

// closeCode extracts the websocket close code from a read error. Errors that
// carry no close frame (dropped TCP, timeouts) count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
