// Package control adapts operator commands from the dashboard websocket and
// the gRPC ControlService onto the session registry, and streams broadcaster
// events back to the operator.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/session"
)

// ErrInvalidCommand is returned when a command is missing required fields
// or carries out-of-range values.
var ErrInvalidCommand = errors.New("invalid command")

// Registry is the subset of session.Registry the control surface drives.
type Registry interface {
	Start(req session.StartRequest) (session.SessionInfo, error)
	Stop(identity string) error
	SendChat(identity, text string) error
	Accounts(ctx context.Context) ([]string, error)
	Sessions() []session.SessionInfo
}

// Subscriber is the subset of broadcast.Broadcaster observers attach to.
type Subscriber interface {
	Subscribe() *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// Dispatcher validates operator commands and routes them to the Registry.
// Failures are logged with the session field so observers see them; they
// are returned to the caller but never treated as fatal.
type Dispatcher struct {
	reg    Registry
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: reg and logger must be non-nil.
func NewDispatcher(reg Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, logger: logger}
}

// StartSession starts a session. Empty fields take the registry defaults.
//
// Postcondition: Returns session.ErrAlreadyRunning with the existing
// session's snapshot when the identity is already tracked.
func (d *Dispatcher) StartSession(req session.StartRequest) (session.SessionInfo, error) {
	req.Identity = strings.TrimSpace(req.Identity)
	req.Host = strings.TrimSpace(req.Host)
	if req.Port < 0 || req.Port > 65535 {
		return session.SessionInfo{}, d.fail("start", req.Identity, fmt.Errorf("%w: port %d out of range", ErrInvalidCommand, req.Port))
	}
	info, err := d.reg.Start(req)
	if err != nil {
		return info, d.fail("start", req.Identity, err)
	}
	return info, nil
}

// StopSession stops the session for identity.
func (d *Dispatcher) StopSession(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return d.fail("stop", identity, fmt.Errorf("%w: identity is required", ErrInvalidCommand))
	}
	if err := d.reg.Stop(identity); err != nil {
		return d.fail("stop", identity, err)
	}
	return nil
}

// SendChat sends text as identity.
func (d *Dispatcher) SendChat(identity, text string) error {
	identity = strings.TrimSpace(identity)
	switch {
	case identity == "":
		return d.fail("chat", identity, fmt.Errorf("%w: identity is required", ErrInvalidCommand))
	case strings.TrimSpace(text) == "":
		return d.fail("chat", identity, fmt.Errorf("%w: message is required", ErrInvalidCommand))
	}
	if err := d.reg.SendChat(identity, text); err != nil {
		return d.fail("chat", identity, err)
	}
	return nil
}

// Accounts returns the stored account identities.
func (d *Dispatcher) Accounts(ctx context.Context) ([]string, error) {
	names, err := d.reg.Accounts(ctx)
	if err != nil {
		return nil, d.fail("accounts", "", err)
	}
	return names, nil
}

// Sessions returns a snapshot of every tracked session.
func (d *Dispatcher) Sessions() []session.SessionInfo {
	return d.reg.Sessions()
}

func (d *Dispatcher) fail(command, identity string, err error) error {
	fields := []zap.Field{zap.String("command", command), zap.Error(err)}
	if identity != "" {
		fields = append(fields, zap.String(broadcast.SessionField, identity))
	}
	d.logger.Warn("command failed", fields...)
	return err
}
