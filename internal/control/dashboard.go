package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/broadcast"
	"github.com/cory-johannsen/botfleet/internal/session"
)

// Inbound dashboard command types.
const (
	CmdStartBot    = "startBot"
	CmdStopBot     = "stopBot"
	CmdSendChat    = "sendChat"
	CmdGetAccounts = "getAccounts"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxCommandBytes     = 64 << 10
)

// Command is one inbound dashboard message.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StartBotData is the payload of a startBot command.
type StartBotData struct {
	Host     string    `json:"host"`
	Port     PortValue `json:"port"`
	Username string    `json:"username"`
	Version  string    `json:"version"`
}

// StopBotData is the payload of a stopBot command.
type StopBotData struct {
	Username string `json:"username"`
}

// SendChatData is the payload of a sendChat command.
type SendChatData struct {
	Bot     string `json:"bot"`
	Message string `json:"message"`
}

// PortValue accepts a port given as a JSON number or a numeric string.
// An empty string or null decodes to 0.
type PortValue int

// UnmarshalJSON implements json.Unmarshaler.
func (p *PortValue) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: port %q is not a number", ErrInvalidCommand, s)
	}
	*p = PortValue(n)
	return nil
}

// Dashboard serves the operator websocket endpoint. Each connection is
// caught up with a replay snapshot and then receives live events, while
// its inbound commands are routed through the Dispatcher.
type Dashboard struct {
	dispatcher   *Dispatcher
	events       Subscriber
	authz        auth.Authorizer
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	logger       *zap.Logger

	mu    sync.Mutex
	conns map[*dashboardConn]struct{}
}

// NewDashboard creates a Dashboard.
//
// Precondition: dispatcher, events and logger must be non-nil.
// writeTimeout <= 0 uses a 10s default.
func NewDashboard(dispatcher *Dispatcher, events Subscriber, authz auth.Authorizer, writeTimeout time.Duration, logger *zap.Logger) *Dashboard {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Dashboard{
		dispatcher:   dispatcher,
		events:       events,
		authz:        authz,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[*dashboardConn]struct{}),
	}
}

// Handler returns the HTTP routes: GET /ws and GET /healthz.
func (h *Dashboard) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.serveWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Close disconnects every open observer connection.
func (h *Dashboard) Close() {
	h.mu.Lock()
	conns := make([]*dashboardConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ConnCount returns the number of open observer connections.
func (h *Dashboard) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// requestToken extracts the operator password from ?token= or a Bearer
// Authorization header.
func requestToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

func (h *Dashboard) serveWS(w http.ResponseWriter, r *http.Request) {
	if !h.authz.Allow(requestToken(r)) {
		h.logger.Warn("dashboard connection rejected", zap.String("remote", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxCommandBytes)

	c := &dashboardConn{
		ws:           ws,
		writeTimeout: h.writeTimeout,
		done:         make(chan struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	sub := h.events.Subscribe()
	log := h.logger.With(zap.String("observer", sub.ID()), zap.String("remote", r.RemoteAddr))
	log.Info("observer connected")

	defer func() {
		h.events.Unsubscribe(sub)
		c.close()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		log.Info("observer disconnected", zap.Uint64("dropped", sub.Dropped()))
	}()

	for _, evt := range sub.Replay() {
		if err := c.send(evt); err != nil {
			log.Debug("replay write failed", zap.Error(err))
			return
		}
	}

	go h.pump(c, sub, log)
	h.readCommands(r.Context(), c, log)
}

// pump forwards live events to c until the subscription or connection closes.
func (h *Dashboard) pump(c *dashboardConn, sub *broadcast.Subscription, log *zap.Logger) {
	for {
		select {
		case <-c.done:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				c.close()
				return
			}
			if err := c.send(evt); err != nil {
				log.Debug("event write failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (h *Dashboard) readCommands(ctx context.Context, c *dashboardConn, log *zap.Logger) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				log.Debug("observer read failed", zap.Error(err))
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warn("malformed command", zap.Error(err))
			continue
		}
		h.handle(ctx, c, cmd, log)
	}
}

// handle executes one command. Failures are already reported by the
// Dispatcher; only getAccounts writes a direct reply.
func (h *Dashboard) handle(ctx context.Context, c *dashboardConn, cmd Command, log *zap.Logger) {
	switch cmd.Type {
	case CmdStartBot:
		var data StartBotData
		if err := decodeData(cmd.Data, &data); err != nil {
			log.Warn("bad startBot payload", zap.Error(err))
			return
		}
		_, _ = h.dispatcher.StartSession(session.StartRequest{
			Identity: data.Username,
			Host:     data.Host,
			Port:     int(data.Port),
			Version:  data.Version,
		})
	case CmdStopBot:
		var data StopBotData
		if err := decodeData(cmd.Data, &data); err != nil {
			log.Warn("bad stopBot payload", zap.Error(err))
			return
		}
		_ = h.dispatcher.StopSession(data.Username)
	case CmdSendChat:
		var data SendChatData
		if err := decodeData(cmd.Data, &data); err != nil {
			log.Warn("bad sendChat payload", zap.Error(err))
			return
		}
		_ = h.dispatcher.SendChat(data.Bot, data.Message)
	case CmdGetAccounts:
		names, err := h.dispatcher.Accounts(ctx)
		if err != nil {
			return
		}
		if err := c.send(broadcast.AccountsEvent(names)); err != nil {
			log.Debug("accounts write failed", zap.Error(err))
		}
	default:
		log.Warn("unknown command", zap.String("type", cmd.Type))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return nil
}

// dashboardConn serializes writes to one observer websocket.
type dashboardConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *dashboardConn) send(evt broadcast.Event) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.isClosed() {
		return websocket.ErrCloseSent
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(evt)
}

func (c *dashboardConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *dashboardConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = c.ws.Close()
	})
}
