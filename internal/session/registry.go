package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/config"
)

// AccountStore persists the ordered list of known account identities.
type AccountStore interface {
	// Load returns the stored identities in insertion order. A missing or
	// unreadable backing store yields an empty list.
	Load(ctx context.Context) ([]string, error)
	// Append adds identity if absent and reports whether it was added.
	Append(ctx context.Context, identity string) (bool, error)
}

// Publisher receives session lifecycle and chat notifications.
// *broadcast.Broadcaster satisfies it.
type Publisher interface {
	RecordChat(rec broadcast.ChatRecord)
	LoginRequired(prompt broadcast.LoginPrompt)
	SetRunning(identities []string)
	SetAccounts(identities []string)
	ClearHistory(identity string)
}

// ChatHook reacts to session activity. Implementations must be safe for
// concurrent use across sessions.
type ChatHook interface {
	OnLogin(identity string)
	// OnChat returns a reply to send as identity, or "" for none.
	OnChat(identity, sender, message string) string
	OnKick(identity, reason string)
}

// Options configures a Registry.
type Options struct {
	DefaultIdentity   string
	DefaultHost       string
	DefaultPort       int
	ReconnectDelay    time.Duration
	KeepaliveInterval time.Duration
	KeepalivePulse    time.Duration
	KeepaliveControl  string
	// Hook is optional.
	Hook ChatHook
	// Now defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig builds Options from the sessions configuration section.
func OptionsFromConfig(cfg config.SessionsConfig) Options {
	return Options{
		DefaultIdentity:   cfg.DefaultIdentity,
		DefaultHost:       cfg.DefaultHost,
		DefaultPort:       cfg.DefaultPort,
		ReconnectDelay:    cfg.ReconnectDelay,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepalivePulse:    cfg.KeepalivePulse,
		KeepaliveControl:  cfg.KeepaliveControl,
	}
}

// Registry tracks at most one Session per identity and supervises each
// Session's lifecycle.
//
// Lock order: Registry.mu before any Publisher lock. The Publisher never
// calls back into the Registry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	dialer Dialer
	store  AccountStore
	events Publisher
	opts   Options
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry creates an empty Registry.
//
// Precondition: dialer, store, events and logger must be non-nil.
// Postcondition: Returns a Registry with no sessions.
func NewRegistry(dialer Dialer, store AccountStore, events Publisher, opts Options, logger *zap.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		sessions:   make(map[string]*Session),
		dialer:     dialer,
		store:      store,
		events:     events,
		opts:       opts,
		logger:     logger,
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// RefreshAccounts loads the account list and publishes it to observers.
//
// Postcondition: On success the Publisher holds the stored list.
func (r *Registry) RefreshAccounts(ctx context.Context) ([]string, error) {
	names, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	r.events.SetAccounts(names)
	return names, nil
}

// Start creates and launches a Session for req.Identity. Empty fields of
// req take the configured defaults.
//
// Precondition: none.
// Postcondition: On success exactly one Session is tracked for the identity
// and its supervisor is running. Returns ErrAlreadyRunning, with the
// existing Session's snapshot, if the identity is already tracked.
func (r *Registry) Start(req StartRequest) (SessionInfo, error) {
	req = r.withDefaults(req)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return SessionInfo{}, ErrRegistryClosed
	}
	if existing, ok := r.sessions[req.Identity]; ok {
		info := existing.infoLocked()
		r.mu.Unlock()
		r.logger.Info("session already running", zap.String(broadcast.SessionField, req.Identity))
		return info, ErrAlreadyRunning
	}
	s := newSession(req, 0, r.opts.Now())
	r.sessions[req.Identity] = s
	r.launchLocked(s)
	r.publishRunningLocked()
	info := s.infoLocked()
	r.mu.Unlock()

	r.logger.Info("starting session",
		zap.String(broadcast.SessionField, req.Identity),
		zap.String("host", req.Host),
		zap.Int("port", req.Port),
	)
	return info, nil
}

// Stop terminates the Session for identity, cancelling any pending
// reconnect and clearing its chat history.
//
// Postcondition: On success the identity is untracked and no reconnect for
// it will fire. Returns ErrNoSuchSession if the identity is not tracked.
func (r *Registry) Stop(identity string) error {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("no session to stop", zap.String(broadcast.SessionField, identity))
		return fmt.Errorf("stopping %q: %w", identity, ErrNoSuchSession)
	}
	conn := r.stopLocked(s)
	r.publishRunningLocked()
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			r.logger.Debug("disconnect on stop", zap.String(broadcast.SessionField, identity), zap.Error(err))
		}
	}
	r.logger.Info("session stopped", zap.String(broadcast.SessionField, identity))
	return nil
}

// stopLocked marks s stopped and untracks it, returning the connection the
// caller must disconnect outside the lock.
func (r *Registry) stopLocked(s *Session) Conn {
	s.state = StateStopped
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.conn = nil
	delete(r.sessions, s.req.Identity)
	r.events.ClearHistory(s.req.Identity)
	return conn
}

// Running returns the tracked identities in ascending order.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

// Get returns a snapshot of the Session tracked for identity.
func (r *Registry) Get(identity string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	if !ok {
		return SessionInfo{}, false
	}
	return s.infoLocked(), true
}

// Sessions returns snapshots of every tracked Session ordered by identity.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.infoLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// SendChat sends text as identity and records it in that identity's chat
// history.
//
// Postcondition: Returns ErrNoSuchSession if the identity is not tracked,
// or ErrChatDeliveryFailed if it is not logged in or the send failed. No
// Chat Record is produced on failure.
func (r *Registry) SendChat(identity, text string) error {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("no session for chat", zap.String(broadcast.SessionField, identity))
		return fmt.Errorf("chat as %q: %w", identity, ErrNoSuchSession)
	}
	conn := s.conn
	state := s.state
	r.mu.Unlock()

	if conn == nil || state != StateActive {
		r.logger.Warn("chat failed", zap.String(broadcast.SessionField, identity), zap.Stringer("state", state))
		return fmt.Errorf("chat as %q: %w: session is %s", identity, ErrChatDeliveryFailed, state)
	}
	if err := conn.SendChat(text); err != nil {
		r.logger.Warn("chat failed", zap.String(broadcast.SessionField, identity), zap.Error(err))
		return fmt.Errorf("chat as %q: %w: %v", identity, ErrChatDeliveryFailed, err)
	}
	r.events.RecordChat(broadcast.ChatRecord{
		Session: identity,
		Sender:  identity,
		Text:    text,
		Time:    r.opts.Now(),
	})
	return nil
}

// Accounts returns the stored account identities.
func (r *Registry) Accounts(ctx context.Context) ([]string, error) {
	names, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	return names, nil
}

// Shutdown stops every Session and waits for their supervisors to exit or
// ctx to expire.
//
// Postcondition: No Session is tracked and Start fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var conns []Conn
	for _, s := range r.sessions {
		if c := r.stopLocked(s); c != nil {
			conns = append(conns, c)
		}
	}
	r.publishRunningLocked()
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Disconnect()
	}
	r.cancelBase()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session supervisors: %w", ctx.Err())
	}
}

func (r *Registry) withDefaults(req StartRequest) StartRequest {
	if req.Identity == "" {
		req.Identity = r.opts.DefaultIdentity
	}
	if req.Host == "" {
		req.Host = r.opts.DefaultHost
	}
	if req.Port == 0 {
		req.Port = r.opts.DefaultPort
	}
	return req
}

// runningLocked returns the sorted identity set. Caller must hold r.mu.
func (r *Registry) runningLocked() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// publishRunningLocked must be called with r.mu held so observers see
// running-set changes in the order they happened.
func (r *Registry) publishRunningLocked() {
	r.events.SetRunning(r.runningLocked())
}

// currentLocked reports whether s is still the tracked, non-stopped Session
// for its identity. Caller must hold r.mu.
func (r *Registry) currentLocked(s *Session) bool {
	cur, ok := r.sessions[s.req.Identity]
	return ok && cur == s && s.state != StateStopped
}
