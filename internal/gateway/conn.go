package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/config"
	"github.com/cory-johannsen/botfleet/internal/session"
)

const maxFrameBytes = 1 << 20

// ErrClosed is returned by writes on a disconnected Conn.
var ErrClosed = errors.New("gateway connection closed")

// Conn is one gateway websocket. It implements session.Conn.
type Conn struct {
	ws           *websocket.Conn
	events       chan session.Event
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	wmu       sync.Mutex // serializes websocket writes
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws *websocket.Conn, cfg config.GatewayConfig, logger *zap.Logger) *Conn {
	ws.SetReadLimit(maxFrameBytes)
	return &Conn{
		ws:           ws,
		events:       make(chan session.Event, 16),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

func (c *Conn) start() {
	if c.pingInterval > 0 {
		c.extendReadDeadline()
		c.ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop()
	}
	go c.readLoop()
}

// Events implements session.Conn.
func (c *Conn) Events() <-chan session.Event {
	return c.events
}

// SendChat implements session.Conn.
func (c *Conn) SendChat(text string) error {
	return c.write(Frame{Type: FrameChat, Text: text})
}

// SetControlState implements session.Conn.
func (c *Conn) SetControlState(control string, state bool) error {
	return c.write(Frame{Type: FrameControl, Control: control, State: &state})
}

// Disconnect sends a close frame and closes the socket. Idempotent.
func (c *Conn) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(500*time.Millisecond))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) write(f Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(f)
}

func (c *Conn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(2*c.pingInterval + c.writeTimeout))
}

func (c *Conn) pingLoop() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
			c.wmu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop translates frames into session events until the socket fails,
// then emits EventEnd and closes the event channel.
func (c *Conn) readLoop() {
	defer func() {
		c.emit(session.Event{Type: session.EventEnd})
		_ = c.Disconnect()
		close(c.events)
	}()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(session.Event{Type: session.EventError, Err: err})
			}
			return
		}
		if c.pingInterval > 0 {
			c.extendReadDeadline()
		}
		switch f.Type {
		case FrameLogin:
			c.emit(session.Event{Type: session.EventLogin, Username: f.Username})
		case FrameChat:
			c.emit(session.Event{Type: session.EventChat, Sender: f.Sender, Text: f.Text, Rank: f.Rank, Color: f.Color})
		case FrameMessage:
			c.emit(session.Event{Type: session.EventServerMessage, Text: f.Text})
		case FrameKick:
			c.emit(session.Event{Type: session.EventKick, Reason: f.Reason})
		case FrameError:
			msg := f.Message
			if msg == "" {
				msg = "unspecified gateway error"
			}
			c.emit(session.Event{Type: session.EventError, Err: errors.New(msg)})
		default:
			c.logger.Debug("ignoring frame", zap.String("type", f.Type))
		}
	}
}

// emit delivers evt unless the connection was disconnected locally, in which
// case the consumer may already have stopped reading.
func (c *Conn) emit(evt session.Event) {
	select {
	case c.events <- evt:
	case <-c.done:
	}
}
