// Package server implements the session and routing core of the chat
// service: the registry of online users, the request router, and the
// WebSocket transport that feeds it.
package server

import (
	"strings"
	"sync"
)

// Sink is the delivery handle of one connected client: an opaque outbound
// channel for serialized payloads. TrySend must not block; it reports whether
// the payload was accepted. Close tears the underlying connection down.
type Sink interface {
	TrySend(payload []byte) bool
	Close()
}

type sessionEntry struct {
	username string // display form, as registered
	sink     Sink
}

// Registry tracks which usernames are online and holds their delivery sinks.
// Usernames are matched case-insensitively; one live session per username.
// All methods are safe for concurrent use; the internal lock is never held
// across a delivery that could block (sends are non-blocking by contract).
type Registry struct {
	mu      sync.RWMutex
	order   []string                 // registration order of lowercased keys
	entries map[string]*sessionEntry // lowercased username -> session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*sessionEntry)}
}

// Add registers a session for username, replacing any prior one. It returns
// the displaced sink when the username was already online, so the caller can
// notify and close the evicted session.
func (r *Registry) Add(username string, sink Sink) Sink {
	key := strings.ToLower(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.entries[key]; ok {
		displaced := prior.sink
		r.entries[key] = &sessionEntry{username: username, sink: sink}
		return displaced
	}

	r.entries[key] = &sessionEntry{username: username, sink: sink}
	r.order = append(r.order, key)
	return nil
}

// Remove unregisters the session for username. Removing an unknown username
// is a no-op.
func (r *Registry) Remove(username string) {
	key := strings.ToLower(username)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key)
}

// Release unregisters the session for username only when sink is still the
// registered handle. The disconnect path uses this so a connection that was
// evicted by a newer login cannot tear down its replacement's registration.
// It reports whether a session was removed.
func (r *Registry) Release(username string, sink Sink) bool {
	key := strings.ToLower(username)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || entry.sink != sink {
		return false
	}
	r.removeLocked(key)
	return true
}

func (r *Registry) removeLocked(key string) {
	if _, ok := r.entries[key]; !ok {
		return
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Find returns the delivery sink for username when it is online.
func (r *Registry) Find(username string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[strings.ToLower(username)]
	if !ok {
		return nil, false
	}
	return entry.sink, true
}

// IsOnline reports whether username currently has a live session.
func (r *Registry) IsOnline(username string) bool {
	_, ok := r.Find(username)
	return ok
}

// OnlineUsers returns the usernames of all live sessions in registration
// order, in their registered display form.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.order))
	for _, key := range r.order {
		users = append(users, r.entries[key].username)
	}
	return users
}

// BroadcastToAll delivers payload to every session registered at call time,
// once each, in registration order.
func (r *Registry) BroadcastToAll(payload []byte) {
	r.deliver(payload, nil)
}

// BroadcastToSet delivers payload only to sessions whose username is in
// usernames (compared case-insensitively).
func (r *Registry) BroadcastToSet(payload []byte, usernames []string) {
	targets := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		targets[strings.ToLower(u)] = struct{}{}
	}
	r.deliver(payload, targets)
}

// deliver snapshots the matching sessions under the read lock, then sends
// outside it. Sessions whose sink rejects the payload (full buffer, closed
// connection) are dropped from the registry and closed.
func (r *Registry) deliver(payload []byte, targets map[string]struct{}) {
	r.mu.RLock()
	snapshot := make([]*sessionEntry, 0, len(r.order))
	for _, key := range r.order {
		if targets != nil {
			if _, want := targets[key]; !want {
				continue
			}
		}
		snapshot = append(snapshot, r.entries[key])
	}
	r.mu.RUnlock()

	var failed []*sessionEntry
	for _, entry := range snapshot {
		if !entry.sink.TrySend(payload) {
			failed = append(failed, entry)
		}
	}

	for _, entry := range failed {
		if r.Release(entry.username, entry.sink) {
			entry.sink.Close()
		}
	}
}
