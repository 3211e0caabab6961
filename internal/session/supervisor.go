package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/broadcast"
)

// launchLocked starts the supervisor goroutine for s. Caller must hold r.mu.
func (r *Registry) launchLocked(s *Session) {
	s.ctx, s.cancel = context.WithCancel(r.baseCtx)
	r.wg.Add(1)
	go r.supervise(s)
}

// supervise drives one Session from dial to connection end.
func (r *Registry) supervise(s *Session) {
	defer r.wg.Done()
	log := r.logger.With(zap.String(broadcast.SessionField, s.req.Identity))
	if s.attempt > 0 {
		log = log.With(zap.Int("attempt", s.attempt))
		log.Info("reconnecting")
	}

	conn, err := r.dialer.Dial(s.ctx, DialOptions{
		Host:       s.req.Host,
		Port:       s.req.Port,
		Identity:   s.req.Identity,
		Version:    s.req.Version,
		OnAuthCode: func(code AuthCode) { r.authPrompt(s, code, log) },
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthenticationFailed) {
			log.Warn("authentication failed", zap.Error(err))
		} else {
			log.Warn("connect failed", zap.Error(err))
		}
		r.connectionEnded(s, err, log)
		return
	}
	if !r.attach(s, conn) {
		_ = conn.Disconnect()
		return
	}

	cause := r.consume(s, conn, log)
	if s.ctx.Err() != nil {
		return
	}
	_ = conn.Disconnect()
	r.connectionEnded(s, cause, log)
}

// attach records conn on s unless s was stopped or replaced during the dial.
func (r *Registry) attach(s *Session, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.currentLocked(s) {
		return false
	}
	s.conn = conn
	return true
}

// consume processes conn's events in order until the stream ends or s is
// stopped, returning the cause of the end.
func (r *Registry) consume(s *Session, conn Conn, log *zap.Logger) error {
	keepaliveCtx, stopKeepalive := context.WithCancel(s.ctx)
	defer stopKeepalive()

	var cause error = ErrConnectionLost
	loggedIn := false
	events := conn.Events()
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return cause
			}
			switch evt.Type {
			case EventLogin:
				if loggedIn {
					log.Debug("repeated login ignored", zap.String("username", evt.Username))
					continue
				}
				if r.onLogin(s, evt, log) {
					loggedIn = true
					r.wg.Add(1)
					go func() {
						defer r.wg.Done()
						r.keepalive(keepaliveCtx, s, conn, log)
					}()
				}
			case EventChat:
				r.onChat(s, evt)
			case EventServerMessage:
				log.Info("server message", zap.String("text", evt.Text))
			case EventKick:
				log.Warn("kicked", zap.String("reason", evt.Reason))
				cause = fmt.Errorf("%w: kicked: %s", ErrConnectionLost, evt.Reason)
				if r.opts.Hook != nil {
					r.opts.Hook.OnKick(s.req.Identity, evt.Reason)
				}
			case EventError:
				log.Warn("connection error", zap.Error(evt.Err))
				cause = fmt.Errorf("%w: %v", ErrConnectionLost, evt.Err)
			case EventEnd:
				return cause
			}
		}
	}
}

func (r *Registry) authPrompt(s *Session, code AuthCode, log *zap.Logger) {
	r.mu.Lock()
	if !r.currentLocked(s) {
		r.mu.Unlock()
		return
	}
	s.state = StateAuthenticating
	r.mu.Unlock()

	log.Info("login required", zap.String("url", code.URL), zap.String("code", code.Code))
	r.events.LoginRequired(broadcast.LoginPrompt{
		Identity: s.req.Identity,
		URL:      code.URL,
		Code:     code.Code,
	})
}

// onLogin marks s active and persists its identity. It reports false if s
// is no longer current.
func (r *Registry) onLogin(s *Session, evt Event, log *zap.Logger) bool {
	r.mu.Lock()
	if !r.currentLocked(s) {
		r.mu.Unlock()
		return false
	}
	s.state = StateActive
	s.username = evt.Username
	r.mu.Unlock()

	log.Info("logged in", zap.String("username", evt.Username))

	added, err := r.store.Append(s.ctx, s.req.Identity)
	switch {
	case err != nil:
		log.Error("saving account", zap.Error(err))
	case added:
		if _, err := r.RefreshAccounts(s.ctx); err != nil {
			log.Error("reloading accounts", zap.Error(err))
		}
	}
	if r.opts.Hook != nil {
		r.opts.Hook.OnLogin(s.req.Identity)
	}
	return true
}

func (r *Registry) onChat(s *Session, evt Event) {
	r.mu.Lock()
	if !r.currentLocked(s) {
		r.mu.Unlock()
		return
	}
	self := s.username
	r.mu.Unlock()

	r.events.RecordChat(broadcast.ChatRecord{
		Session: s.req.Identity,
		Sender:  evt.Sender,
		Text:    evt.Text,
		Time:    r.opts.Now(),
		Rank:    evt.Rank,
		Color:   evt.Color,
	})

	if r.opts.Hook == nil || evt.Sender == self || evt.Sender == s.req.Identity {
		return
	}
	reply := r.opts.Hook.OnChat(s.req.Identity, evt.Sender, evt.Text)
	if reply == "" {
		return
	}
	if err := r.SendChat(s.req.Identity, reply); err != nil {
		r.logger.Debug("hook reply not sent", zap.String(broadcast.SessionField, s.req.Identity), zap.Error(err))
	}
}

// keepalive pulses the keepalive control while s stays active on conn.
func (r *Registry) keepalive(ctx context.Context, s *Session, conn Conn, log *zap.Logger) {
	if r.opts.KeepaliveInterval <= 0 || r.opts.KeepaliveControl == "" {
		return
	}
	ticker := time.NewTicker(r.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.activeOn(s, conn) {
			continue
		}
		if err := conn.SetControlState(r.opts.KeepaliveControl, true); err != nil {
			log.Debug("keepalive press failed", zap.Error(err))
			continue
		}
		pulse := time.NewTimer(r.opts.KeepalivePulse)
		select {
		case <-ctx.Done():
			pulse.Stop()
			return
		case <-pulse.C:
		}
		if err := conn.SetControlState(r.opts.KeepaliveControl, false); err != nil {
			log.Debug("keepalive release failed", zap.Error(err))
		}
	}
}

func (r *Registry) activeOn(s *Session, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentLocked(s) && s.state == StateActive && s.conn == conn
}

// connectionEnded moves s to Reconnecting and arms the reconnect timer. The
// identity stays tracked so Start reports ErrAlreadyRunning and Stop can
// cancel the pending reconnect.
func (r *Registry) connectionEnded(s *Session, cause error, log *zap.Logger) {
	r.mu.Lock()
	if !r.currentLocked(s) {
		r.mu.Unlock()
		return
	}
	s.conn = nil
	s.cancel()
	delay := r.opts.ReconnectDelay
	s.state = StateReconnecting
	s.timer = time.AfterFunc(delay, func() { r.reconnect(s) })
	r.mu.Unlock()

	log.Info("disconnected, reconnecting", zap.Duration("delay", delay), zap.NamedError("cause", cause))
}

// reconnect replaces s with a fresh Session carrying the same parameters.
// A timer that lost the race with Stop finds s untracked and does nothing.
func (r *Registry) reconnect(s *Session) {
	r.mu.Lock()
	if !r.currentLocked(s) || s.state != StateReconnecting || r.closed {
		r.mu.Unlock()
		return
	}
	next := newSession(s.req, s.attempt+1, r.opts.Now())
	r.sessions[s.req.Identity] = next
	r.launchLocked(next)
	r.mu.Unlock()
}
