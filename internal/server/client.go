package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// isExpectedCloseError reports whether an error is part of normal connection
// teardown rather than a fault worth logging loudly.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one WebSocket connection. It owns the read/write pumps and a
// buffered outbound channel, and acts as the delivery sink registered in the
// session registry once the connection authenticates.
type Client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	router      *Router
	addr        string
	rateLimiter *rateLimiter
	rateLimit   RateLimitConfig

	mu       sync.Mutex
	username string // bound after a successful login/create, cleared on logout
	closed   bool
}

// NewClient wraps an accepted WebSocket connection. The send channel is
// buffered so broadcasts to other clients never wait on this one.
func NewClient(conn *websocket.Conn, hub *Hub, router *Router, addr string, cfg *Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, 256),
		hub:         hub,
		router:      router,
		addr:        addr,
		rateLimiter: newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:   cfg.RateLimit,
	}
}

// label identifies the connection in log lines. The remote address alone is
// ambiguous behind NAT, so the connection id is included.
func (c *Client) label() string {
	return fmt.Sprintf("%s/%s", c.addr, c.id[:8])
}

func (c *Client) bindUser(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

func (c *Client) clearUser() {
	c.bindUser("")
}

func (c *Client) currentUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// TrySend implements Sink. It never blocks: when the connection is already
// shut down or the buffer is full, the payload is dropped and false returned.
func (c *Client) TrySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close implements Sink. It closes the outbound channel; the write pump
// drains what is already queued (an eviction notice, say), sends a close
// frame, and tears the socket down. Payloads queued before Close are
// therefore still delivered.
func (c *Client) Close() {
	c.shutdownSend()
}

// closeConn closes the raw socket immediately, without draining.
func (c *Client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// shutdownSend closes the outbound channel exactly once. Held under the same
// mutex as TrySend so a concurrent send can never hit a closed channel.
func (c *Client) shutdownSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump reads requests off the connection and feeds them to the router
// sequentially. Its teardown unregisters the connection from the hub, which
// releases any session registration — this is the disconnect hook that keeps
// abrupt disconnects from leaking registry entries.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.closeConn()
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Setting read deadline for %s failed: %v", c.label(), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadEnd(err)
			return
		}

		if c.rateLimiter != nil && !c.rateLimiter.allow() {
			log.Printf("Rate limit exceeded for %s (%d per %s); discarding request",
				c.label(), c.rateLimit.Burst, c.rateLimit.RefillInterval)
			continue
		}

		req, raw, err := decodeRequest(data)
		if err != nil {
			log.Printf("Undecodable request from %s: %v", c.label(), err)
			continue
		}
		c.router.Dispatch(req, raw, c)
	}
}

func (c *Client) logReadEnd(err error) {
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Client %s disconnected: %v", c.label(), err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Client %s connection closed", c.label())
	default:
		log.Printf("Read error from %s: %v", c.label(), err)
	}
}

// writePump drains the send channel onto the connection and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Write to %s failed: %v", c.label(), err)
				}
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
