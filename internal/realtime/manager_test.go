package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fastOpts keeps the retry machinery quick enough for tests.
func fastOpts(maxAttempts int) Options {
	return Options{
		MaxAttempts:      maxAttempts,
		BaseDelay:        5 * time.Millisecond,
		CapDelay:         20 * time.Millisecond,
		AbnormalCooldown: time.Millisecond,
		HandshakeTimeout: time.Second,
	}
}

func wsServer(t *testing.T, handler func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", m.State(), want)
}

func TestConnectAndReceiveEvents(t *testing.T) {
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message.user","content":"hi"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"llm.stream","content":"yo","is_complete":true}`))
		time.Sleep(50 * time.Millisecond)
	})

	events := make(chan protocol.Event, 8)
	opened := make(chan struct{}, 1)
	m := NewManager(wsURL, Callbacks{
		OnOpen:  func() { opened <- struct{}{} },
		OnEvent: func(ev protocol.Event) { events <- ev },
	}, fastOpts(3))
	defer m.Disconnect()

	m.Connect()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen never fired")
	}
	if !m.Connected() {
		t.Error("Connected() = false after open")
	}

	want := []string{protocol.EventUserMessage, protocol.EventLLMStream}
	for _, typ := range want {
		select {
		case ev := <-events:
			if ev.Type != typ {
				t.Errorf("event type = %q, want %q", ev.Type, typ)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

func TestOutboundRequiresOpen(t *testing.T) {
	m := NewManager("ws://localhost:9", Callbacks{}, fastOpts(1))

	tests := []struct {
		name string
		call func() error
	}{
		{"send", func() error { return m.Send("hi") }},
		{"interrupt", m.Interrupt},
		{"ping", m.Ping},
		{"request history", func() error { return m.RequestHistory(50, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != ErrNotConnected {
				t.Errorf("error = %v, want ErrNotConnected", err)
			}
		})
	}
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- data
		}
	})

	opened := make(chan struct{}, 1)
	m := NewManager(wsURL, Callbacks{OnOpen: func() { opened <- struct{}{} }}, fastOpts(3))
	defer m.Disconnect()
	m.Connect()
	<-opened

	if err := m.Send("hello there"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"send_message"`) || !strings.Contains(string(data), "hello there") {
			t.Errorf("server received %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestReconnectBound(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop without a close frame: abnormal closure on the client side.
		conn.Close()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(wsURL, Callbacks{}, fastOpts(3))
	m.Connect()

	waitForState(t, m, StateClosed)
	got := dials.Load()

	// Initial connect plus retries for attempts 1 and 2; the third failure
	// exhausts the budget.
	if got != 3 {
		t.Errorf("dial count = %d, want 3", got)
	}

	// No further automatic attempts after Closed.
	time.Sleep(100 * time.Millisecond)
	if dials.Load() != got {
		t.Errorf("manager kept dialing after Closed: %d", dials.Load())
	}
}

func TestRetryBudgetRecoversWithTraffic(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := dials.Add(1)
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		if n <= 3 {
			// Flap: deliver traffic, then drop without a close frame.
			conn.Close()
			return
		}
		time.Sleep(time.Second)
		conn.Close()
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := NewManager(wsURL, Callbacks{}, fastOpts(2))
	defer m.Disconnect()
	m.Connect()

	// Each drop is preceded by an inbound frame, so no two failures are
	// consecutive and a budget of 2 never exhausts.
	deadline := time.Now().Add(2 * time.Second)
	for dials.Load() < 4 && time.Now().Before(deadline) {
		if m.State() == StateClosed {
			t.Fatal("manager closed despite traffic between failures")
		}
		time.Sleep(time.Millisecond)
	}
	if got := dials.Load(); got < 4 {
		t.Fatalf("dial count = %d, want at least 4", got)
	}
	waitForState(t, m, StateOpen)
}

func TestNoRetryCloseCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"normal closure", websocket.CloseNormalClosure},
		{"going away", websocket.CloseGoingAway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dials atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				dials.Add(1)
				conn, err := testUpgrader.Upgrade(w, r, nil)
				if err != nil {
					return
				}
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(tt.code, "bye"), time.Now().Add(time.Second))
				conn.Close()
			}))
			defer srv.Close()
			wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

			m := NewManager(wsURL, Callbacks{}, fastOpts(3))
			m.Connect()

			waitForState(t, m, StateClosed)
			time.Sleep(50 * time.Millisecond)
			if dials.Load() != 1 {
				t.Errorf("dial count = %d, want 1 (no retry)", dials.Load())
			}
		})
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	opened := make(chan struct{}, 1)
	var closes atomic.Int32
	m := NewManager(wsURL, Callbacks{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func(code int) { closes.Add(1) },
	}, fastOpts(3))

	m.Connect()
	<-opened

	m.Disconnect()
	m.Disconnect()

	if m.State() != StateClosed {
		t.Errorf("state = %q, want closed", m.State())
	}
	time.Sleep(50 * time.Millisecond)
	if closes.Load() != 1 {
		t.Errorf("OnClose fired %d times, want 1", closes.Load())
	}
	if err := m.Send("late"); err != ErrNotConnected {
		t.Errorf("Send after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	var closes atomic.Int32
	m := NewManager("ws://127.0.0.1:0/ws", Callbacks{
		OnClose: func(code int) { closes.Add(1) },
	}, fastOpts(3))

	m.Disconnect()
	m.Disconnect()

	if m.State() != StateClosed {
		t.Errorf("state = %q, want closed", m.State())
	}
	if closes.Load() != 0 {
		t.Errorf("OnClose fired %d times for a connection that never existed", closes.Load())
	}
}

func TestConnectIdempotentWhileOpen(t *testing.T) {
	var dials atomic.Int32
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		dials.Add(1)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	opened := make(chan struct{}, 1)
	m := NewManager(wsURL, Callbacks{OnOpen: func() { opened <- struct{}{} }}, fastOpts(3))
	defer m.Disconnect()

	m.Connect()
	<-opened
	m.Connect()
	m.Connect()

	time.Sleep(50 * time.Millisecond)
	if dials.Load() != 1 {
		t.Errorf("dial count = %d, want 1", dials.Load())
	}
}

func TestConnectRevivesClosedManager(t *testing.T) {
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	opened := make(chan struct{}, 2)
	m := NewManager(wsURL, Callbacks{OnOpen: func() { opened <- struct{}{} }}, fastOpts(3))

	m.Connect()
	<-opened
	m.Disconnect()

	m.Connect()
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("explicit reconnect after disconnect never opened")
	}
	m.Disconnect()
}

func TestUndecodableFramesDropped(t *testing.T) {
	_, wsURL := wsServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"no_type":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		time.Sleep(50 * time.Millisecond)
	})

	events := make(chan protocol.Event, 8)
	m := NewManager(wsURL, Callbacks{OnEvent: func(ev protocol.Event) { events <- ev }}, fastOpts(3))
	defer m.Disconnect()
	m.Connect()

	select {
	case ev := <-events:
		if ev.Type != protocol.EventPong {
			t.Errorf("first delivered event = %q, want pong", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after garbage never delivered")
	}
	if m.State() != StateOpen {
		t.Errorf("decode failures affected connection state: %q", m.State())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	capDelay := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{12, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, base, capDelay); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConversationURL(t *testing.T) {
	got := ConversationURL("http://localhost:8080", "conv-1", "tok/en=")
	want := "ws://localhost:8080/ws/conversations/conv-1?token=tok%2Fen%3D"
	if got != want {
		t.Errorf("ConversationURL() = %q, want %q", got, want)
	}

	got = ConversationURL("https://api.example.com", "c2", "t")
	if !strings.HasPrefix(got, "wss://") {
		t.Errorf("https base should map to wss, got %q", got)
	}
}
