package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	events    chan Event
	mu        sync.Mutex
	chats     []string
	controls  []string
	sendErr   error
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 32)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) SendChat(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.chats = append(c.chats, text)
	return nil
}

func (c *fakeConn) SetControlState(control string, state bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, fmt.Sprintf("%s:%t", control, state))
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// end closes the event stream the way a dropped connection does.
func (c *fakeConn) end() {
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *fakeConn) sentChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.chats)
}

func (c *fakeConn) sentControls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.controls)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    []DialOptions
	err      error
	block    chan struct{}
	authCode *AuthCode
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(ctx context.Context, opts DialOptions) (Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, opts)
	err, block, code := d.err, d.block, d.authCode
	d.mu.Unlock()

	if code != nil && opts.OnAuthCode != nil {
		opts.OnAuthCode(*code)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) lastDial() DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[len(d.dials)-1]
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// next returns the connection produced by the next successful Dial.
func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

type memStore struct {
	mu          sync.Mutex
	names       []string
	appendErr   error
	appendCalls int
}

func (s *memStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

func (s *memStore) Load(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.names), nil
}

func (s *memStore) Append(_ context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return false, s.appendErr
	}
	if slices.Contains(s.names, identity) {
		return false, nil
	}
	s.names = append(s.names, identity)
	return true, nil
}

type replyHook struct {
	mu     sync.Mutex
	logins []string
	kicks  []string
	seen   []string
}

func (h *replyHook) OnLogin(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logins = append(h.logins, identity)
}

func (h *replyHook) OnChat(identity, sender, message string) string {
	h.mu.Lock()
	h.seen = append(h.seen, sender+":"+message)
	h.mu.Unlock()
	if message == "ping" {
		return "pong"
	}
	return ""
}

func (h *replyHook) OnKick(identity, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kicks = append(h.kicks, identity+":"+reason)
}

func (h *replyHook) loginCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.logins)
}

func (h *replyHook) seenMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.seen)
}

var errBrokenPipe = errors.New("broken pipe")
