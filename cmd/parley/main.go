package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/api"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logger"
	"github.com/parley-chat/parley/internal/protocol"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/transcript"
)

func main() {
	logger.Setup()

	server := flag.String("server", config.GetAPIBaseURL(), "backend base URL")
	username := flag.String("user", "dev", "username")
	password := flag.String("pass", "dev", "password")
	conversationID := flag.String("conversation", "", "conversation to resume (default: create a new one)")
	flag.Parse()

	if err := run(*server, *username, *password, *conversationID); err != nil {
		log.Fatal().Err(err).Msg("parley exited")
	}
}

func run(server, username, password, conversationID string) error {
	ctx := context.Background()

	client := api.NewClient(server)
	token, err := client.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if conversationID == "" {
		conv, err := client.CreateConversation(ctx, api.ConversationCreate{Title: "parley session"})
		if err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		conversationID = conv.ID
		fmt.Printf("conversation %s\n", conversationID)
	}

	history, err := client.GetHistory(ctx, conversationID, 0, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	printer := &printer{}
	sess, err := session.Open(session.Config{
		BaseURL:        server,
		Token:          token.AccessToken,
		ConversationID: conversationID,
		History:        transcript.FromHistory(history),
		OnUpdate:       printer.update,
		ErrorSink: func(ev protocol.Event) {
			fmt.Fprintf(os.Stderr, "server error: %s\n", ev.ErrorMessage)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	printer.update(sess.Transcript())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/interrupt":
			if err := sess.Interrupt(); err != nil {
				fmt.Fprintf(os.Stderr, "interrupt: %v\n", err)
			}
		default:
			if err := sess.Send(line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

// printer renders transcript growth incrementally: already-printed complete
// entries stay put, the streaming tail is rewritten in place.
type printer struct {
	mu      sync.Mutex
	printed int
	tailLen int
}

func (p *printer) update(messages []transcript.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tailLen > 0 {
		// Erase the partially printed tail line before reprinting.
		fmt.Printf("\r%s\r", strings.Repeat(" ", p.tailLen))
		p.tailLen = 0
	}

	for p.printed < len(messages) {
		m := messages[p.printed]
		line := fmt.Sprintf("[%s] %s", m.Role, m.Content)
		if m.Status == transcript.StatusStreaming {
			// Leave the streaming tail unterminated; the next update
			// rewrites it in place.
			fmt.Print(line)
			p.tailLen = len(line)
			return
		}
		fmt.Println(line)
		p.printed++
	}
}
