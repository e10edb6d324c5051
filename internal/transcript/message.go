package transcript

import (
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/protocol"
)

// Role identifies who a transcript entry speaks for.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleProgress  Role = "progress"
)

// Status is the lifecycle state of a transcript entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
)

// Message is one transcript entry. Entries are value types; the reconciler
// never mutates one in place, it substitutes a fresh copy.
type Message struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Status    Status                 `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
	// StepNumber correlates a progress entry with its step_complete event.
	// Zero for non-progress entries.
	StepNumber int `json:"step_number,omitempty"`
}

// FromHistory converts persisted history entries into transcript messages,
// used to seed a reconciler before the socket connects.
func FromHistory(history []protocol.HistoryMessage) []Message {
	msgs := make([]Message, 0, len(history))
	var floor time.Time
	for _, h := range history {
		role := Role(h.Role)
		if role == "" {
			role = RoleSystem
		}
		status := Status(h.Status)
		if status == "" || status == StatusStreaming || status == StatusRunning {
			// Persisted entries are settled; a stale in-flight status from a
			// previous session must not reopen the streaming tail.
			status = StatusComplete
		}
		ts := parseTimestamp(h.Timestamp, floor)
		floor = ts
		msgs = append(msgs, Message{
			EventID:   orNewID(h.EventID),
			EventType: h.EventType,
			Timestamp: ts,
			Role:      role,
			Content:   h.Content,
			Status:    status,
			Data:      cloneData(h.Data),
		})
	}
	return msgs
}

// cloneData copies a data bag so transcript snapshots never alias caller
// maps.
func cloneData(data map[string]interface{}) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// orNewID returns the given event id, or a fresh one when the server did not
// supply one. Ids must be unique and stable once appended.
func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

// parseTimestamp parses an ISO instant, clamping to floor so that appended
// timestamps stay monotonically non-decreasing in append order.
func parseTimestamp(iso string, floor time.Time) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		ts = time.Now().UTC()
	}
	if ts.Before(floor) {
		return floor
	}
	return ts
}
