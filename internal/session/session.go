// Package session owns the mapping from account identity to live protocol
// client connection. The Registry enforces a single Session per identity,
// supervises each Session's connect/login/reconnect lifecycle, and reports
// chat and lifecycle changes to a Publisher.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is a Session lifecycle state.
type State int

// Session lifecycle states.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDisconnected
	StateReconnecting
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	return s == StateStopped
}

// StartRequest names the session to start.
type StartRequest struct {
	Identity string
	Host     string
	Port     int
	Version  string
}

// SessionInfo is an immutable snapshot of a Session.
type SessionInfo struct {
	ID        string
	Identity  string
	Host      string
	Port      int
	Version   string
	State     State
	Username  string
	Attempt   int
	CreatedAt time.Time
}

// Session is one connection lifecycle for an identity. A reconnect replaces
// the Session with a new object; the old one is never reused.
//
// All mutable fields are guarded by the owning Registry's mutex.
type Session struct {
	id        uuid.UUID
	req       StartRequest
	createdAt time.Time
	attempt   int

	state    State
	username string
	conn     Conn
	timer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(req StartRequest, attempt int, now time.Time) *Session {
	return &Session{
		id:        uuid.New(),
		req:       req,
		createdAt: now,
		attempt:   attempt,
		state:     StateConnecting,
	}
}

// infoLocked snapshots s. Caller must hold the Registry mutex.
func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:        s.id.String(),
		Identity:  s.req.Identity,
		Host:      s.req.Host,
		Port:      s.req.Port,
		Version:   s.req.Version,
		State:     s.state,
		Username:  s.username,
		Attempt:   s.attempt,
		CreatedAt: s.createdAt,
	}
}
