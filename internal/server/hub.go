package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// Hub owns the lifecycle of WebSocket connections: it tracks every live
// Client, launches their pumps, and tears everything down on shutdown.
// Message routing is not its job — that belongs to the router and the
// session registry.
type Hub struct {
	registry   *Registry
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub that releases session registrations in registry when
// connections go away.
func NewHub(registry *Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands a freshly upgraded connection to the hub, which starts its
// read and write pumps.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		client.closeConn()
	}
}

// Run is the hub's event loop. Call it in its own goroutine; it returns when
// Shutdown is invoked.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			if client == nil {
				continue
			}
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("Connection %s opened. Total connections: %d", client.label(), count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.drop(client)
		}
	}
}

// drop finishes a connection: releases its session registration (if it still
// owns one), closes its outbound channel, and forgets it.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !known {
		return
	}

	if username := client.currentUser(); username != "" {
		if h.registry.Release(username, client) {
			log.Printf("Session for %q released on disconnect", username)
		}
	}
	client.shutdownSend()
	log.Printf("Connection %s closed. Total connections: %d", client.label(), count)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		// Closing the send channel first lets the write pump exit right away
		// instead of idling until its next ping tick.
		client.shutdownSend()
		client.closeConn()
	}
	log.Printf("Closed %d connections", len(clients))
}

// Shutdown stops the event loop, closes every connection, and waits for the
// pump goroutines to finish or the timeout to expire.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Shutting down hub...")
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Println("Hub shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timed out; some connections may still be draining")
		return context.DeadlineExceeded
	}
}
