// Package testhelpers provides shared utilities for the chat server's
// integration tests: spinning up a full service instance on a temp data
// directory, dialing WebSocket clients, and reading envelopes with deadlines.
package testhelpers

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ninjachat/server/internal/group"
	"github.com/ninjachat/server/internal/server"
	"github.com/ninjachat/server/internal/store"
)

// ChatService is a fully wired chat server running on an httptest listener.
type ChatService struct {
	HTTP *httptest.Server
	Core *server.Server
}

// StartChatService builds a chat server on temp storage and serves it.
// The service and its hub are torn down via t.Cleanup.
func StartChatService(t *testing.T, customize func(cfg *server.Config)) *ChatService {
	t.Helper()

	dir := t.TempDir()
	creds, err := store.Open(filepath.Join(dir, "users", "user.db"))
	if err != nil {
		t.Fatalf("Failed to open credential store: %v", err)
	}
	groups, err := group.OpenDirectory(filepath.Join(dir, "groups"))
	if err != nil {
		t.Fatalf("Failed to open group directory: %v", err)
	}

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	if customize != nil {
		customize(cfg)
	}

	core := server.New(cfg, creds, groups)
	core.StartHub()

	httpServer := httptest.NewServer(core.Routes())
	t.Cleanup(func() {
		httpServer.Close()
		if err := core.Hub().Shutdown(2 * time.Second); err != nil {
			t.Logf("Hub shutdown: %v", err)
		}
	})

	return &ChatService{HTTP: httpServer, Core: core}
}

// WebSocketURL converts the service's base URL to its ws:// endpoint.
func (s *ChatService) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/ws"
}

// Dial opens a WebSocket connection to the service with the given Origin
// header. The connection is closed via t.Cleanup.
func (s *ChatService) Dial(t *testing.T, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(s.WebSocketURL(), header)
	if err != nil {
		t.Fatalf("Failed to dial WebSocket: %v", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send writes one JSON request frame.
func Send(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("Failed to send %q: %v", payload, err)
	}
}

// ReadEnvelope reads the next frame and decodes it as a JSON object.
func ReadEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	var envelope map[string]any
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope %q: %v", data, err)
	}
	return envelope
}

// ReadEnvelopeOfType reads frames until one with the wanted type arrives,
// skipping interleaved broadcasts.
func ReadEnvelopeOfType(t *testing.T, conn *websocket.Conn, wanted string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		envelope := ReadEnvelope(t, conn, time.Until(deadline))
		if envelope["type"] == wanted {
			return envelope
		}
	}
	t.Fatalf("No %q envelope arrived within %s", wanted, timeout)
	return nil
}

// ExpectNoMessage asserts that nothing arrives on conn within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, got %q", data)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for silence: %v", err)
}
