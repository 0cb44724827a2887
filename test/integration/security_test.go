package integration

import (
	"net/http"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/ninjachat/server/internal/server"
	"github.com/ninjachat/server/test/testhelpers"
)

func newOriginHeader(origin string) http.Header {
	header := http.Header{}
	header.Set("Origin", origin)
	return header
}

func TestOriginAllowList(t *testing.T) {
	service := testhelpers.StartChatService(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"https://chat.example.com"}
	})

	// Allowed origin connects.
	conn := service.Dial(t, "https://chat.example.com")
	_ = conn

	// Disallowed origin is refused at the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(service.WebSocketURL(), newOriginHeader("https://evil.example.com"))
	if err == nil {
		t.Fatal("Expected upgrade to fail for disallowed origin")
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	// Missing origin is refused too.
	_, resp2, err := websocket.DefaultDialer.Dial(service.WebSocketURL(), nil)
	if err == nil {
		t.Fatal("Expected upgrade to fail without an Origin header")
	}
	if resp2 != nil {
		defer resp2.Body.Close()
	}
}

func TestOriginMatchingIsCaseInsensitive(t *testing.T) {
	service := testhelpers.StartChatService(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"https://Chat.Example.com"}
	})

	service.Dial(t, "https://chat.example.com")
}
