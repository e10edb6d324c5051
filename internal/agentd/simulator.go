package agentd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
)

// Replier produces the server-pushed event sequence the agent emits for one
// user input. emit must be safe to call from the replier's goroutine; the
// connection serializes writes.
type Replier interface {
	Reply(ctx context.Context, history []protocol.HistoryMessage, input string, emit func(protocol.Event))
}

// NewReplier returns an OpenAI-backed replier when OPENAI_API_KEY is set,
// otherwise the scripted echo replier.
func NewReplier() Replier {
	key := config.GetOpenAIKey()
	if key == "" {
		return &scriptedReplier{}
	}
	log.Info().Str("model", config.GetOpenAIModel()).Msg("Simulator replies via OpenAI")
	return &openaiReplier{
		client: openai.NewClient(key),
		model:  config.GetOpenAIModel(),
	}
}

// newEvent stamps the common envelope fields.
func newEvent(typ string) protocol.Event {
	return protocol.Event{
		Type:      typ,
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// scriptedReplier walks the full event vocabulary for each input so client
// development exercises every reconciler branch without an LLM key.
type scriptedReplier struct{}

func (s *scriptedReplier) Reply(ctx context.Context, _ []protocol.HistoryMessage, input string, emit func(protocol.Event)) {
	start := newEvent(protocol.EventStepStart)
	start.Step = 1
	start.TotalSteps = 1
	start.Description = "Executing step 1/1"
	emit(start)

	exec := newEvent(protocol.EventToolExecution)
	exec.ToolName = "echo"
	emit(exec)

	reply := "You said: " + input
	words := strings.Fields(reply)
	for i, w := range words {
		if ctx.Err() != nil {
			return
		}
		delta := newEvent(protocol.EventLLMStream)
		delta.AgentName = "parley-dev"
		delta.Content = w
		if i < len(words)-1 {
			delta.Content += " "
		}
		delta.IsComplete = i == len(words)-1
		emit(delta)
		time.Sleep(20 * time.Millisecond)
	}

	result := newEvent(protocol.EventToolResult)
	result.ToolName = "echo"
	result.Result = reply
	emit(result)

	done := newEvent(protocol.EventStepComplete)
	done.Step = 1
	done.TotalSteps = 1
	emit(done)

	// Terminate bookkeeping, which clients suppress.
	term := newEvent(protocol.EventToolResult)
	term.ToolName = protocol.ToolTerminate
	term.Result = "run finished"
	emit(term)
}

type openaiReplier struct {
	client *openai.Client
	model  string
}

func (o *openaiReplier) Reply(ctx context.Context, history []protocol.HistoryMessage, input string, emit func(protocol.Event)) {
	start := newEvent(protocol.EventStepStart)
	start.Step = 1
	start.TotalSteps = 1
	emit(start)

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, h := range history {
		role := openai.ChatMessageRoleUser
		if h.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: h.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: input,
	})

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open completion stream")
		o.emitError(emit, err)
		return
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			final := newEvent(protocol.EventLLMStream)
			final.AgentName = o.model
			final.IsComplete = true
			emit(final)
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("Completion stream failed")
			o.emitError(emit, err)
			return
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}

		delta := newEvent(protocol.EventLLMStream)
		delta.AgentName = o.model
		delta.Content = resp.Choices[0].Delta.Content
		emit(delta)
	}

	done := newEvent(protocol.EventStepComplete)
	done.Step = 1
	done.TotalSteps = 1
	emit(done)
}

func (o *openaiReplier) emitError(emit func(protocol.Event), err error) {
	ev := newEvent(protocol.EventError)
	ev.ErrorType = "llm"
	ev.ErrorMessage = fmt.Sprintf("completion failed: %v", err)
	emit(ev)
}
