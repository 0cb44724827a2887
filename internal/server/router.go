package server

import (
	"encoding/json"
	"errors"
	"log"

	"github.com/ninjachat/server/internal/group"
	"github.com/ninjachat/server/internal/store"
)

// Router dispatches decoded client requests to the operation they name and
// produces the direct reply plus any side-effect broadcasts. It holds no
// per-request state of its own; everything it consults lives in the
// credential store, the session registry, and the group directory.
type Router struct {
	creds    *store.CredentialStore
	registry *Registry
	groups   group.Directory
}

// session is the connection-facing surface the router needs: the delivery
// sink plus the username binding maintained across requests on one
// connection.
type session interface {
	Sink
	label() string
	bindUser(username string)
	clearUser()
}

// NewRouter wires a router to its collaborators.
func NewRouter(creds *store.CredentialStore, registry *Registry, groups group.Directory) *Router {
	return &Router{creds: creds, registry: registry, groups: groups}
}

// Registry exposes the session registry the router routes through.
func (rt *Router) Registry() *Registry {
	return rt.registry
}

// Dispatch handles one request arriving on sess. raw is the normalized JSON
// encoding of req, relayed verbatim for message requests. Malformed requests
// are rejected with a fail reply; they never terminate the connection.
func (rt *Router) Dispatch(req *Request, raw []byte, sess session) {
	if err := req.validate(); err != nil {
		log.Printf("Rejected request from %s: %v", sess.label(), err)
		sess.TrySend(failEnvelope(req.Type, "Malformed request: "+err.Error()))
		return
	}

	switch req.Type {
	case RequestLogin:
		rt.handleLogin(req, sess)
	case RequestCreate:
		rt.handleCreate(req, sess)
	case RequestMessage:
		rt.handleMessage(req, raw, sess)
	case RequestLogout:
		rt.handleLogout(req, sess)
	}
}

func (rt *Router) handleLogin(req *Request, sess session) {
	username, ok := rt.creds.Authenticate(req.Username, req.Password)
	if !ok {
		log.Printf("Failed login for %q from %s", req.Username, sess.label())
		// No presence broadcast on failure.
		sess.TrySend(failEnvelope(RequestLogin, failLoginMessage))
		return
	}

	rt.register(username, sess)
	sess.TrySend(rt.syncEnvelope(RequestLogin, username))
	rt.registry.BroadcastToAll(presenceEnvelope(TypeOnline, username))
	log.Printf("User %q logged in from %s", username, sess.label())
}

func (rt *Router) handleCreate(req *Request, sess session) {
	err := rt.creds.Create(req.Username, req.Password)
	switch {
	case errors.Is(err, store.ErrExists):
		sess.TrySend(failEnvelope(RequestCreate, failCreateMessage))
		return
	case errors.Is(err, store.ErrInvalidName):
		log.Printf("Rejected account name %q from %s", req.Username, sess.label())
		sess.TrySend(failEnvelope(RequestCreate, "Failed to create account! Username must not contain spaces or control characters."))
		return
	case err != nil:
		log.Printf("Account creation for %q failed: %v", req.Username, err)
		sess.TrySend(failEnvelope(RequestCreate, "Failed to create account! Please try again later."))
		return
	}

	rt.register(req.Username, sess)
	sess.TrySend(rt.syncEnvelope(RequestCreate, req.Username))
	rt.registry.BroadcastToAll(presenceEnvelope(TypeCreated, req.Username))
	log.Printf("User %q created an account from %s", req.Username, sess.label())
}

func (rt *Router) handleMessage(req *Request, raw []byte, sess session) {
	_, err := rt.groups.AddMessage(req.Hash, req.Name, req.Users, group.Message{
		From:      req.From,
		Timestamp: req.Timestamp,
		Message:   req.Message,
	})
	if err != nil {
		log.Printf("Storing message for group %q failed: %v", req.Name, err)
		sess.TrySend(failEnvelope(RequestMessage, "Failed to deliver message! Please try again later."))
		return
	}

	if containsEverybody(req.Users) {
		rt.registry.BroadcastToAll(raw)
		return
	}
	rt.registry.BroadcastToSet(raw, req.Users)
}

func (rt *Router) handleLogout(req *Request, sess session) {
	// Remove is a no-op for unknown usernames; logout still succeeds.
	rt.registry.Remove(req.Username)
	sess.clearUser()
	sess.TrySend(marshalEnvelope(logoutReply{
		Type:   RequestLogout,
		Status: "success",
		Users:  rt.registry.OnlineUsers(),
	}))
	log.Printf("User %q logged out from %s", req.Username, sess.label())
}

// register binds the authenticated username to the connection and evicts any
// prior session for the same username, notifying it before closing.
func (rt *Router) register(username string, sess session) {
	sess.bindUser(username)
	displaced := rt.registry.Add(username, sess)
	if displaced == nil || displaced == Sink(sess) {
		return
	}
	log.Printf("Evicting prior session for %q", username)
	displaced.TrySend(marshalEnvelope(failReply{
		Type:    TypeEvicted,
		Status:  "fail",
		Message: "Your account signed in from another connection.",
	}))
	displaced.Close()
}

// syncEnvelope builds the success reply for login/create: the full user list
// with online flags plus the caller's groups. A group-directory read failure
// degrades to an empty group list rather than failing the authentication.
func (rt *Router) syncEnvelope(kind, username string) []byte {
	known := rt.creds.Usernames()
	users := make([]UserStatus, len(known))
	for i, name := range known {
		users[i] = UserStatus{Username: name, Online: rt.registry.IsOnline(name)}
	}

	groups, err := rt.groups.Groups(username)
	if err != nil {
		log.Printf("Loading groups for %q failed: %v", username, err)
		groups = nil
	}
	if groups == nil {
		groups = []group.Descriptor{}
	}

	return marshalEnvelope(syncReply{
		Type:     kind,
		Status:   "success",
		Username: username,
		Users:    users,
		Groups:   groups,
	})
}

func containsEverybody(users []string) bool {
	for _, u := range users {
		if u == group.EverybodyGroup {
			return true
		}
	}
	return false
}

// decodeRequest parses one inbound frame and returns the request plus its
// normalized JSON bytes (the form relayed to other clients).
func decodeRequest(data []byte) (*Request, []byte, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(&req)
	if err != nil {
		return nil, nil, err
	}
	return &req, raw, nil
}
