package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer is a test server for the Twitch id and Helix endpoints.
// Route it with a URL-rewriting transport (see Client).
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu         sync.Mutex
	sent       []SentMessage
	validToken string
}

// SentMessage is one captured POST /helix/chat/messages call.
type SentMessage struct {
	Token   string
	Message string
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Client returns an http.Client whose requests all land on the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &RewriteTransport{Host: m.URL}}
}

// Handle registers a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Sent returns the chat messages accepted so far.
func (m *MockTwitchServer) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// MockUserResponse adds a handler for the /helix/users endpoint.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]string{{"id": userID, "login": login}}})
	})
}

// SetValidToken changes the token MockChatMessages accepts.
func (m *MockTwitchServer) SetValidToken(tok string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validToken = tok
}

// MockChatMessages accepts chat messages sent with validToken and rejects
// anything else with 401.
func (m *MockTwitchServer) MockChatMessages(validToken string) {
	m.SetValidToken(validToken)
	m.Handle("/helix/chat/messages", func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		m.mu.Lock()
		ok := tok == m.validToken
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]any{"status": 401, "message": "Invalid OAuth token"})
			return
		}
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		m.mu.Lock()
		m.sent = append(m.sent, SentMessage{Token: tok, Message: body.Message})
		n := len(m.sent)
		m.mu.Unlock()
		writeJSON(w, map[string]any{"data": []map[string]any{{"message_id": "msg-" + strconv.Itoa(n), "is_sent": true}}})
	})
}

// MockOAuthTokenResponse adds a handler for the refresh_token grant.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		})
	})
}

// MockValidateResponse adds a handler for /oauth2/validate.
func (m *MockTwitchServer) MockValidateResponse(userID, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"client_id": "test-client-id", "login": login, "user_id": userID, "expires_in": 3600})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// RewriteTransport sends every request to Host over plain http.
type RewriteTransport struct {
	Host      string
	Transport http.RoundTripper
}

// RoundTrip sends req to the rewritten host.
func (t *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = strings.TrimPrefix(strings.TrimPrefix(t.Host, "http://"), "https://")
	rt := t.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}
