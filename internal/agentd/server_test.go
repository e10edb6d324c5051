package agentd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	restore := config.SetJWTSecret([]byte("test-secret"))
	t.Cleanup(restore)

	srv := NewServer(newMemoryStore(), &scriptedReplier{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func loginAs(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()
	body, _ := json.Marshal(auth.LoginRequest{Username: username, Password: "pw"})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	var token auth.Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("failed to decode token: %v", err)
	}
	return token.AccessToken
}

func authedRequest(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestLoginIssuesVerifiableToken(t *testing.T) {
	_, ts := newTestServer(t)

	token := loginAs(t, ts, "alice")
	userID, ok := verifyToken(token)
	if !ok {
		t.Fatal("issued token does not verify")
	}
	if userID != "dev-alice" {
		t.Errorf("userID = %q, want dev-alice", userID)
	}
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"username": "", "password": ""})
	resp, err := http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(auth.RegisterRequest{
		Username: "carol", Email: "carol@example.com", Password: "pw",
	})
	resp, err := http.Post(ts.URL+"/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var reply struct {
		Message string            `json:"message"`
		Data    map[string]string `json:"data"`
	}
	json.NewDecoder(resp.Body).Decode(&reply)
	if reply.Data["user_id"] != "dev-carol" {
		t.Errorf("reply = %+v", reply)
	}

	// The registered account logs in under the same user id.
	token := loginAs(t, ts, "carol")
	userID, ok := verifyToken(token)
	if !ok || userID != "dev-carol" {
		t.Errorf("login userID = %q ok=%v, want dev-carol", userID, ok)
	}
}

func TestRegisterRejectsIncompleteFields(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name string
		req  auth.RegisterRequest
	}{
		{"missing username", auth.RegisterRequest{Email: "a@b.c", Password: "pw"}},
		{"missing email", auth.RegisterRequest{Username: "a", Password: "pw"}},
		{"missing password", auth.RegisterRequest{Username: "a", Email: "a@b.c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.req)
			resp, err := http.Post(ts.URL+"/auth/register", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	_, ts := newTestServer(t)
	token := loginAs(t, ts, "alice")

	resp := authedRequest(t, http.MethodPost, ts.URL+"/conversations", token,
		map[string]string{"title": "test run"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	var conv struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&conv)
	if conv.ID == "" || conv.Title != "test run" || conv.Status != "active" {
		t.Fatalf("conversation = %+v", conv)
	}

	get := authedRequest(t, http.MethodGet, ts.URL+"/conversations/"+conv.ID, token, nil)
	get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", get.StatusCode)
	}

	del := authedRequest(t, http.MethodDelete, ts.URL+"/conversations/"+conv.ID, token, nil)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d", del.StatusCode)
	}

	gone := authedRequest(t, http.MethodGet, ts.URL+"/conversations/"+conv.ID, token, nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", gone.StatusCode)
	}
}

func TestConversationAccessDenied(t *testing.T) {
	_, ts := newTestServer(t)
	aliceToken := loginAs(t, ts, "alice")
	bobToken := loginAs(t, ts, "bob")

	resp := authedRequest(t, http.MethodPost, ts.URL+"/conversations", aliceToken,
		map[string]string{"title": "private"})
	var conv struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&conv)
	resp.Body.Close()

	get := authedRequest(t, http.MethodGet, ts.URL+"/conversations/"+conv.ID, bobToken, nil)
	get.Body.Close()
	if get.StatusCode != http.StatusForbidden {
		t.Errorf("cross-user get status = %d, want 403", get.StatusCode)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)
	token := loginAs(t, ts, "alice")

	resp := authedRequest(t, http.MethodPost, ts.URL+"/conversations", token,
		map[string]string{"title": "h"})
	var conv struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&conv)
	resp.Body.Close()

	seedStore(t, srv.store, conv.ID, 3)

	histResp := authedRequest(t, http.MethodGet,
		ts.URL+"/conversations/"+conv.ID+"/history?limit=2&offset=1", token, nil)
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", histResp.StatusCode)
	}

	var history []protocol.HistoryMessage
	if err := json.NewDecoder(histResp.Body).Decode(&history); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(history) != 2 || history[0].EventID != "e1" {
		t.Errorf("history = %+v", history)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/conversations", "application/json",
		bytes.NewReader([]byte(`{"title":"x"}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
