package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound event type discriminators pushed by the agent backend over one
// conversation WebSocket. The stream is FIFO; there are no sequence numbers.
const (
	EventUserMessage      = "message.user"
	EventAssistantMessage = "message.assistant"
	EventLLMStream        = "llm.stream"
	EventToolResult       = "tool.result"
	EventStepStart        = "agent.step_start"
	EventStepComplete     = "agent.step_complete"
	EventToolExecution    = "tool.execution"
	EventInterrupted      = "conversation.interrupted"
	EventError            = "error"
	EventInterruptResult  = "interrupt_result"
	EventMessageSent      = "message_sent"
	EventHistory          = "history"
	EventPong             = "pong"
)

// ToolTerminate is the bookkeeping tool call the agent issues when it
// finishes a run. Its result is never user-relevant.
const ToolTerminate = "terminate"

// Event is a single decoded server frame. The backend flattens per-type
// fields next to the common envelope, so one struct covers the whole
// vocabulary; handlers only read the fields their type defines.
type Event struct {
	Type           string                 `json:"type"`
	EventID        string                 `json:"event_id,omitempty"`
	Timestamp      string                 `json:"timestamp,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`

	// message.user / message.assistant / llm.stream
	Content string `json:"content,omitempty"`
	Role    string `json:"role,omitempty"`

	// llm.stream
	IsComplete bool   `json:"is_complete,omitempty"`
	AgentName  string `json:"agent_name,omitempty"`

	// tool.result / tool.execution
	ToolName  string `json:"tool_name,omitempty"`
	Result    string `json:"result,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// agent.step_start / agent.step_complete
	Step        int    `json:"step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	Description string `json:"description,omitempty"`

	// error
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Error        string `json:"error,omitempty"`

	// conversation.interrupted
	Reason string `json:"reason,omitempty"`

	// interrupt_result
	Success bool `json:"success,omitempty"`

	// history
	Messages []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is one persisted transcript entry as returned by the
// get_history request or the REST history endpoint.
type HistoryMessage struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Status    string                 `json:"status,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// DecodeEvent parses a raw server frame. The type discriminator must be
// present; unknown discriminator values decode fine and are left for the
// reconciler to ignore.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type discriminator")
	}
	return ev, nil
}
