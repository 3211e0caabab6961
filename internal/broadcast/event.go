// Package broadcast fans session lifecycle and chat events out to connected
// observers and keeps a bounded chat history per session identity so late
// joiners can be caught up.
package broadcast

import (
	"encoding/json"
	"time"
)

// Kind names an observer notification.
type Kind string

// Notification kinds. The string values are the dashboard wire names.
const (
	KindLog           Kind = "log"
	KindChat          Kind = "chat"
	KindLoginRequired Kind = "loginRequired"
	KindRunning       Kind = "running"
	KindAccounts      Kind = "accounts"
)

// ChatRecord is one chat line attributed to a session.
type ChatRecord struct {
	// Session is the identity of the session that observed the message.
	Session string `json:"session"`
	// Sender is the in-game name of the speaker.
	Sender string `json:"from"`
	// Text is the message body.
	Text string `json:"message"`
	// Time is when the record was created.
	Time time.Time `json:"time"`
	// Rank is an optional display rank (e.g. "VIP").
	Rank string `json:"rank,omitempty"`
	// Color is an optional display color.
	Color string `json:"color,omitempty"`
}

// LoginPrompt carries a device-code login challenge for the operator.
type LoginPrompt struct {
	Identity string `json:"username"`
	URL      string `json:"url"`
	Code     string `json:"code"`
}

// Event is a single observer notification. Exactly one payload field is set,
// selected by Kind.
type Event struct {
	Kind  Kind
	Log   string
	Chat  *ChatRecord
	Login *LoginPrompt
	// Names holds the full replacement list for KindRunning and KindAccounts.
	Names []string
}

// LogEvent builds a KindLog event.
func LogEvent(line string) Event { return Event{Kind: KindLog, Log: line} }

// ChatEvent builds a KindChat event.
func ChatEvent(rec ChatRecord) Event { return Event{Kind: KindChat, Chat: &rec} }

// LoginEvent builds a KindLoginRequired event.
func LoginEvent(p LoginPrompt) Event { return Event{Kind: KindLoginRequired, Login: &p} }

// RunningEvent builds a KindRunning event.
func RunningEvent(names []string) Event { return Event{Kind: KindRunning, Names: cloneNames(names)} }

// AccountsEvent builds a KindAccounts event.
func AccountsEvent(names []string) Event { return Event{Kind: KindAccounts, Names: cloneNames(names)} }

// Payload returns the kind-specific payload value.
//
// Postcondition: Returns nil only for an unknown Kind.
func (e Event) Payload() any {
	switch e.Kind {
	case KindLog:
		return e.Log
	case KindChat:
		return e.Chat
	case KindLoginRequired:
		return e.Login
	case KindRunning, KindAccounts:
		if e.Names == nil {
			return []string{}
		}
		return e.Names
	}
	return nil
}

type wireEvent struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// MarshalJSON encodes the event as {"type": kind, "data": payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{Type: e.Kind, Data: e.Payload()})
}

func cloneNames(names []string) []string {
	if names == nil {
		return []string{}
	}
	out := make([]string, len(names))
	copy(out, names)
	return out
}
