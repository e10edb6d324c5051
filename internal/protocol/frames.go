package protocol

// Outbound frame type discriminators (client to server).
const (
	FrameSendMessage = "send_message"
	FrameInterrupt   = "interrupt"
	FramePing        = "ping"
	FrameGetHistory  = "get_history"
)

// SendMessageFrame submits user input to the conversation.
type SendMessageFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// InterruptFrame asks the agent to stop the current run.
type InterruptFrame struct {
	Type string `json:"type"`
}

// PingFrame probes connection liveness; the server answers with pong.
type PingFrame struct {
	Type string `json:"type"`
}

// GetHistoryFrame requests a page of persisted conversation history.
type GetHistoryFrame struct {
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func NewSendMessage(content string) SendMessageFrame {
	return SendMessageFrame{Type: FrameSendMessage, Content: content}
}

func NewInterrupt() InterruptFrame {
	return InterruptFrame{Type: FrameInterrupt}
}

func NewPing() PingFrame {
	return PingFrame{Type: FramePing}
}

func NewGetHistory(limit, offset int) GetHistoryFrame {
	return GetHistoryFrame{Type: FrameGetHistory, Limit: limit, Offset: offset}
}
