package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ninjachat/server/internal/group"
	"github.com/ninjachat/server/internal/store"
)

// Server assembles the chat service: configuration, the connection hub, the
// session registry, and the request router over their injected collaborators.
type Server struct {
	cfg      Config
	hub      *Hub
	router   *Router
	upgrader websocket.Upgrader
}

// New builds a Server around the given credential store and group directory.
func New(cfg *Config, creds *store.CredentialStore, groups group.Directory) *Server {
	sanitized := cfg.sanitize()

	registry := NewRegistry()
	router := NewRouter(creds, registry, groups)
	policy := newOriginPolicy(sanitized.AllowedOrigins)

	return &Server{
		cfg:    sanitized,
		hub:    NewHub(registry),
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
	}
}

// Hub returns the connection hub, for lifecycle control.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router returns the request router.
func (s *Server) Router() *Router {
	return s.router
}

// Config returns the sanitized configuration the server runs with.
func (s *Server) Config() Config {
	return s.cfg
}

// StartHub launches the hub's event loop. Call before serving HTTP.
func (s *Server) StartHub() {
	go s.hub.Run()
	log.Println("Hub started and ready to manage connections")
}

// handleWebSocket upgrades the HTTP request and registers the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.hub.Register(NewClient(conn, s.hub, s.router, r.RemoteAddr, &s.cfg))
}

// handleHealth reports that the server is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ninja-chat server is running!")
}

// Routes returns the ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// HTTPServer wraps the routes in an http.Server with production timeouts.
// The read timeout applies to the upgrade handshake only; established
// WebSocket connections manage their own deadlines in the pumps.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        s.cfg.Port,
		Handler:     s.Routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// ShutdownServer gracefully shuts the HTTP server down, waiting up to
// timeout for in-flight requests.
func ShutdownServer(srv *http.Server, timeout time.Duration) error {
	log.Println("Shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP server shutdown completed")
	return nil
}
