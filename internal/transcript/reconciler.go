package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/protocol"
)

// maxStepLookback bounds the backward scan for step correlation so a very
// long session cannot turn each step_complete into a full-transcript walk.
const maxStepLookback = 256

// ErrorSink receives server-reported errors. They are ordinary events, not
// failures: the transcript is left untouched and typing is cleared.
type ErrorSink func(ev protocol.Event)

// Reconciler folds the inbound event stream onto an ordered transcript.
// Every event produces exactly one of three effects: append a message,
// replace the streaming tail with an extended copy, or complete a previously
// appended progress entry located by step number. Events are applied strictly
// in arrival order; the stream carries no sequence numbers, so transport-level
// ordering is trusted.
//
// Apply never fails. Malformed payloads degrade to a logged no-op.
type Reconciler struct {
	mu       sync.RWMutex
	messages []Message
	// streamingTailID is the event id of the streaming tail, or empty when no
	// message is streaming. Kept explicit so the merge rule is O(1) and
	// unambiguous when assistant-originated event types interleave.
	streamingTailID string
	typing          bool
	errSink         ErrorSink
}

// NewReconciler creates a reconciler seeded with persisted history.
// The error sink may be nil.
func NewReconciler(history []Message, errSink ErrorSink) *Reconciler {
	seed := make([]Message, len(history))
	copy(seed, history)

	return &Reconciler{
		messages: seed,
		errSink:  errSink,
	}
}

// Messages returns a snapshot of the current transcript.
func (r *Reconciler) Messages() []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Typing reports whether the agent is mid-response.
func (r *Reconciler) Typing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typing
}

// Len returns the number of transcript entries.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// Apply folds one event onto the transcript and returns the updated snapshot.
func (r *Reconciler) Apply(ev protocol.Event) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case protocol.EventUserMessage:
		r.appendComplete(ev, RoleUser)
		r.typing = false

	case protocol.EventAssistantMessage:
		r.appendComplete(ev, RoleAssistant)
		r.typing = false

	case protocol.EventLLMStream:
		r.applyStream(ev)

	case protocol.EventToolResult:
		r.applyToolResult(ev)

	case protocol.EventStepStart:
		r.applyStepStart(ev)

	case protocol.EventStepComplete:
		r.applyStepComplete(ev)

	case protocol.EventToolExecution:
		// Suppressed: execution chatter stays out of the visible log.

	case protocol.EventInterrupted:
		content := "Conversation interrupted"
		if ev.Reason != "" && ev.Reason != "user_interrupt" {
			content = fmt.Sprintf("Conversation interrupted (%s)", ev.Reason)
		}
		r.append(Message{
			EventID:   orNewID(ev.EventID),
			EventType: ev.Type,
			Timestamp: r.nextTimestamp(ev.Timestamp),
			Role:      RoleSystem,
			Content:   content,
			Status:    StatusComplete,
		})
		r.typing = false

	case protocol.EventError:
		r.typing = false
		if r.errSink != nil {
			r.errSink(ev)
		}

	case protocol.EventInterruptResult:
		r.typing = false
		log.Debug().Bool("success", ev.Success).Msg("Interrupt result received")

	case protocol.EventMessageSent:
		log.Debug().Str("event_id", ev.EventID).Msg("Message delivery acknowledged")

	case protocol.EventPong:
		log.Debug().Msg("Pong received")

	case protocol.EventHistory:
		r.applyHistory(ev)

	default:
		log.Debug().Str("type", ev.Type).Msg("Ignoring unrecognized event type")
	}

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// appendComplete handles the plain user/assistant message events.
func (r *Reconciler) appendComplete(ev protocol.Event, role Role) {
	r.append(Message{
		EventID:   orNewID(ev.EventID),
		EventType: ev.Type,
		Timestamp: r.nextTimestamp(ev.Timestamp),
		Role:      role,
		Content:   ev.Content,
		Status:    StatusComplete,
		Data:      ev.Data,
	})
}

// applyStream merges an llm.stream delta. When the streaming tail is open the
// delta extends it (replacing the tail with a fresh copy); otherwise a new
// message opens. Typing mirrors stream completeness.
func (r *Reconciler) applyStream(ev protocol.Event) {
	r.typing = !ev.IsComplete

	if tail, ok := r.streamingTail(); ok {
		next := tail
		next.Content += ev.Content
		if ev.IsComplete {
			next.Status = StatusComplete
		}
		r.replaceTail(next)
		if ev.IsComplete {
			r.streamingTailID = ""
		}
		return
	}

	status := StatusStreaming
	if ev.IsComplete {
		status = StatusComplete
	}
	msg := Message{
		EventID:   orNewID(ev.EventID),
		EventType: ev.Type,
		Timestamp: r.nextTimestamp(ev.Timestamp),
		Role:      RoleAssistant,
		Content:   ev.Content,
		Status:    status,
	}
	if ev.AgentName != "" {
		msg.Data = map[string]interface{}{"agent_name": ev.AgentName}
	}
	r.append(msg)
	if status == StatusStreaming {
		r.streamingTailID = msg.EventID
	}
}

// applyToolResult appends a system entry for a tool result, suppressing the
// terminate bookkeeping call entirely.
func (r *Reconciler) applyToolResult(ev protocol.Event) {
	if ev.ToolName == protocol.ToolTerminate {
		return
	}

	content := fmt.Sprintf("[%s] %s", ev.ToolName, ev.Result)
	if ev.Truncated {
		content += "\n(output truncated)"
	}
	r.append(Message{
		EventID:   orNewID(ev.EventID),
		EventType: ev.Type,
		Timestamp: r.nextTimestamp(ev.Timestamp),
		Role:      RoleSystem,
		Content:   content,
		Status:    StatusComplete,
		Data: map[string]interface{}{
			"tool_name": ev.ToolName,
			"truncated": ev.Truncated,
		},
	})
}

func (r *Reconciler) applyStepStart(ev protocol.Event) {
	if ev.Step <= 0 {
		log.Debug().Msg("Step start without a step number, ignoring")
		return
	}

	r.append(Message{
		EventID:    orNewID(ev.EventID),
		EventType:  ev.Type,
		Timestamp:  r.nextTimestamp(ev.Timestamp),
		Role:       RoleProgress,
		Content:    fmt.Sprintf("Step %d of %d", ev.Step, ev.TotalSteps),
		Status:     StatusRunning,
		StepNumber: ev.Step,
	})
	r.typing = true
}

// applyStepComplete scans from the tail backward for the most recent running
// progress entry with a matching step number. Step numbers are not globally
// unique over a long session, so newest-first is the correct tie-break. An
// orphan completion is a no-op.
func (r *Reconciler) applyStepComplete(ev protocol.Event) {
	r.typing = false

	if ev.Step <= 0 {
		log.Debug().Msg("Step complete without a step number, ignoring")
		return
	}

	floor := len(r.messages) - maxStepLookback
	if floor < 0 {
		floor = 0
	}
	for i := len(r.messages) - 1; i >= floor; i-- {
		m := r.messages[i]
		if m.Role != RoleProgress || m.StepNumber != ev.Step || m.Status != StatusRunning {
			continue
		}
		next := m
		next.Status = StatusComplete
		next.Content = fmt.Sprintf("Step %d complete", ev.Step)
		r.replaceAt(i, next)
		return
	}

	log.Debug().Int("step", ev.Step).Msg("Step complete without matching step start, ignoring")
}

// applyHistory seeds the transcript from a history frame. Only an empty
// transcript is replaced: once events have been folded in, arrival order is
// authoritative and a late history page is ignored.
func (r *Reconciler) applyHistory(ev protocol.Event) {
	if len(r.messages) != 0 {
		log.Debug().Int("messages", len(ev.Messages)).Msg("History frame ignored, transcript already populated")
		return
	}
	r.messages = FromHistory(ev.Messages)
}

// append adds a message to the tail of a freshly built slice. Any open
// streaming tail is finalized first so at most one message streams at a time.
func (r *Reconciler) append(msg Message) {
	if tail, ok := r.streamingTail(); ok {
		done := tail
		done.Status = StatusComplete
		r.replaceTail(done)
		r.streamingTailID = ""
	}

	next := make([]Message, len(r.messages), len(r.messages)+1)
	copy(next, r.messages)
	r.messages = append(next, msg)
}

// streamingTail returns the tail message when it is the open streaming entry.
func (r *Reconciler) streamingTail() (Message, bool) {
	if r.streamingTailID == "" || len(r.messages) == 0 {
		return Message{}, false
	}
	tail := r.messages[len(r.messages)-1]
	if tail.EventID != r.streamingTailID {
		return Message{}, false
	}
	return tail, true
}

func (r *Reconciler) replaceTail(msg Message) {
	r.replaceAt(len(r.messages)-1, msg)
}

// replaceAt substitutes one entry, copying the slice so earlier snapshots
// stay valid for concurrent readers.
func (r *Reconciler) replaceAt(i int, msg Message) {
	next := make([]Message, len(r.messages))
	copy(next, r.messages)
	next[i] = msg
	r.messages = next
}

// nextTimestamp parses the event timestamp clamped so append order stays
// monotonically non-decreasing.
func (r *Reconciler) nextTimestamp(iso string) time.Time {
	var floor time.Time
	if len(r.messages) > 0 {
		floor = r.messages[len(r.messages)-1].Timestamp
	}
	return parseTimestamp(iso, floor)
}
