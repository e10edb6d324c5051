package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/protocol"
)

// Client is the thin REST wrapper around the agent backend: authentication
// and conversation CRUD. The realtime core only consumes its outputs (a seed
// history and a bearer token) as opaque inputs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Conversation mirrors the backend's conversation resource.
type Conversation struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Title     string                 `json:"title"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ConversationCreate is the payload for creating a conversation.
type ConversationCreate struct {
	Title    string                 `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Detail)
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
	}
}

// Token returns the bearer token from the last successful login.
func (c *Client) Token() string {
	return c.token
}

// SetToken installs a previously obtained bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Login authenticates and stores the issued token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Token, error) {
	var token auth.Token
	err := c.do(ctx, http.MethodPost, "/auth/login",
		auth.LoginRequest{Username: username, Password: password}, &token)
	if err != nil {
		return nil, err
	}
	c.token = token.AccessToken
	return &token, nil
}

// Register creates a new account. The caller logs in afterwards.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	return c.do(ctx, http.MethodPost, "/auth/register",
		auth.RegisterRequest{Username: username, Email: email, Password: password}, nil)
}

// CreateConversation starts a new conversation.
func (c *Client) CreateConversation(ctx context.Context, create ConversationCreate) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", create, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation fetches one conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+id, nil, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/conversations/"+id, nil, nil)
}

// GetHistory fetches the persisted message history used to seed the
// reconciler before the socket connects.
func (c *Client) GetHistory(ctx context.Context, conversationID string, limit, offset int) ([]protocol.HistoryMessage, error) {
	path := fmt.Sprintf("/conversations/%s/history?limit=%d&offset=%d", conversationID, limit, offset)
	var history []protocol.HistoryMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
