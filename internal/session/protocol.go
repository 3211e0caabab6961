package session

import "context"

// EventType identifies a protocol client event.
type EventType int

// Protocol client events, in the order a healthy connection raises them.
const (
	EventLogin EventType = iota + 1
	EventChat
	EventServerMessage
	EventKick
	EventError
	EventEnd
)

// String returns the lower-case event name.
func (t EventType) String() string {
	switch t {
	case EventLogin:
		return "login"
	case EventChat:
		return "chat"
	case EventServerMessage:
		return "message"
	case EventKick:
		return "kick"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Event is one notification raised by a protocol client connection.
type Event struct {
	Type EventType
	// Username is the in-game name confirmed by EventLogin.
	Username string
	// Sender, Text, Rank and Color describe EventChat. Text is also used by
	// EventServerMessage.
	Sender string
	Text   string
	Rank   string
	Color  string
	// Reason describes EventKick.
	Reason string
	// Err describes EventError.
	Err error
}

// AuthCode is a device-code login challenge surfaced during Dial.
type AuthCode struct {
	URL  string
	Code string
}

// DialOptions parameterises one connection attempt.
type DialOptions struct {
	Host     string
	Port     int
	Identity string
	// Version is the protocol version preference; empty negotiates automatically.
	Version string
	// OnAuthCode is invoked (possibly from Dial's goroutine) when the operator
	// must complete an out-of-band login.
	OnAuthCode func(AuthCode)
}

// Conn is a live protocol client connection. It is owned exclusively by
// one Session.
type Conn interface {
	// Events returns the connection's event stream. The channel delivers
	// events in the order they were raised and is closed after EventEnd.
	Events() <-chan Event
	// SendChat sends a chat message as this connection's player.
	SendChat(text string) error
	// SetControlState presses or releases a movement control (e.g. "jump").
	SetControlState(control string, state bool) error
	// Disconnect closes the connection. Idempotent.
	Disconnect() error
}

// Dialer opens protocol client connections.
type Dialer interface {
	// Dial connects and starts authentication. Login completion is reported
	// asynchronously as EventLogin on the returned Conn. Cancelling ctx aborts
	// an in-progress dial.
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}
