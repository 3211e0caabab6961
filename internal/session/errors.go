package session

import "errors"

var (
	// ErrAlreadyRunning is returned when a start is requested for an identity
	// that already has a live or reconnecting Session.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNoSuchSession is returned when a stop or chat names an untracked identity.
	ErrNoSuchSession = errors.New("no such session")
	// ErrAuthenticationFailed wraps login failures reported by a Dialer.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrConnectionLost marks any end of an established connection.
	ErrConnectionLost = errors.New("connection lost")
	// ErrChatDeliveryFailed is returned when the protocol client could not send a chat.
	ErrChatDeliveryFailed = errors.New("chat delivery failed")
	// ErrRegistryClosed is returned by Start after Shutdown.
	ErrRegistryClosed = errors.New("registry closed")
)
