package server

import (
	"encoding/json"
	"fmt"

	"github.com/ninjachat/server/internal/group"
)

// Request kinds accepted on the wire.
const (
	RequestLogin   = "login"
	RequestCreate  = "create"
	RequestMessage = "message"
	RequestLogout  = "logout"
)

// Broadcast envelope types emitted by the router.
const (
	TypeOnline  = "online"
	TypeCreated = "created"
	TypeEvicted = "evicted"
)

// Failure messages shown to clients. The login/create strings are part of the
// client-facing protocol and must not change.
const (
	failLoginMessage  = "Failed to login! Username doesn't exist and/or wrong password!"
	failCreateMessage = "Failed to create account! User already exists. Try a different username."
)

// Request is a decoded client request. Only the fields relevant to the
// request's Type are populated; requiredFields reports which ones a kind
// needs.
type Request struct {
	Type      string   `json:"type"`
	Username  string   `json:"username,omitempty"`
	Password  string   `json:"password,omitempty"`
	Name      string   `json:"name,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Users     []string `json:"users,omitempty"`
	From      string   `json:"from,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// errMalformed reports a request missing a field its kind requires.
type errMalformed struct {
	kind  string
	field string
}

func (e *errMalformed) Error() string {
	return fmt.Sprintf("malformed %s request: missing %s", e.kind, e.field)
}

// validate checks the fields required for the request's kind.
func (req *Request) validate() error {
	var required map[string]string
	switch req.Type {
	case RequestLogin, RequestCreate:
		required = map[string]string{"username": req.Username, "password": req.Password}
	case RequestMessage:
		required = map[string]string{
			"name":      req.Name,
			"hash":      req.Hash,
			"from":      req.From,
			"timestamp": req.Timestamp,
			"message":   req.Message,
		}
		if len(req.Users) == 0 {
			return &errMalformed{kind: req.Type, field: "users"}
		}
	case RequestLogout:
		required = map[string]string{"username": req.Username}
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}

	for field, value := range required {
		if value == "" {
			return &errMalformed{kind: req.Type, field: field}
		}
	}
	return nil
}

// UserStatus is one entry in the sync reply's user listing.
type UserStatus struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// syncReply is the success envelope for login and create requests.
type syncReply struct {
	Type     string             `json:"type"`
	Status   string             `json:"status"`
	Username string             `json:"username"`
	Users    []UserStatus       `json:"users"`
	Groups   []group.Descriptor `json:"groups"`
}

// failReply is the failure envelope for any request kind.
type failReply struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// presence is the broadcast sent to everyone when a user logs in or a new
// account is created.
type presence struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

// logoutReply carries the online snapshot back to a client that logged out.
type logoutReply struct {
	Type   string   `json:"type"`
	Status string   `json:"status"`
	Users  []string `json:"users"`
}

func marshalEnvelope(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		// Envelope types contain only marshalable fields.
		panic(fmt.Sprintf("marshal envelope: %v", err))
	}
	return payload
}

func failEnvelope(kind, message string) []byte {
	return marshalEnvelope(failReply{Type: kind, Status: "fail", Message: message})
}

func presenceEnvelope(kind, username string) []byte {
	return marshalEnvelope(presence{Type: kind, Username: username})
}
