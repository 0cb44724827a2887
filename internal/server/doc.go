// Package server implements the session and routing core of the ninja-chat
// service.
//
// The Registry tracks which usernames are online and holds their delivery
// sinks; the Router dispatches decoded requests (login, create, message,
// logout) and produces replies and broadcasts; the Hub and Client types are
// the WebSocket transport feeding them. The credential store and group
// directory are injected collaborators, never ambient state.
package server
