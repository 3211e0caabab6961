// Package gateway implements the protocol client: a JSON-over-websocket link
// to a game gateway that performs login, relays chat, and accepts movement
// controls on behalf of one bot account.
package gateway

// Frame types exchanged with the gateway.
const (
	FrameHello   = "hello"
	FrameLogin   = "login"
	FrameChat    = "chat"
	FrameMessage = "message"
	FrameKick    = "kick"
	FrameError   = "error"
	FrameControl = "control"
)

// Frame is one JSON message on the gateway websocket. Which fields are set
// depends on Type.
type Frame struct {
	Type string `json:"type"`

	// hello, login
	Username string `json:"username,omitempty"`
	Version  string `json:"version,omitempty"`
	Token    string `json:"token,omitempty"`

	// chat, message
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`
	Rank   string `json:"rank,omitempty"`
	Color  string `json:"color,omitempty"`

	// kick
	Reason string `json:"reason,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// control
	Control string `json:"control,omitempty"`
	State   *bool  `json:"state,omitempty"`
}
