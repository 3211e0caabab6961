package gateway

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cory-johannsen/botfleet/internal/auth"
	"github.com/cory-johannsen/botfleet/internal/config"
	"github.com/cory-johannsen/botfleet/internal/session"
)

// TokenSource obtains an access token for an identity, prompting the
// operator when interactive login is required. *auth.DeviceFlow satisfies it.
type TokenSource interface {
	Token(ctx context.Context, identity string, prompt auth.PromptFunc) (*oauth2.Token, error)
}

// Dialer opens gateway connections. It implements session.Dialer.
type Dialer struct {
	cfg    config.GatewayConfig
	tokens TokenSource
	ws     *websocket.Dialer
	logger *zap.Logger
}

// NewDialer creates a Dialer. tokens is required when cfg.Auth is "device"
// and ignored otherwise.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a non-nil Dialer.
func NewDialer(cfg config.GatewayConfig, tokens TokenSource, logger *zap.Logger) *Dialer {
	return &Dialer{
		cfg:    cfg,
		tokens: tokens,
		ws: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger,
	}
}

// Dial authenticates (in device mode), connects to the gateway at
// opts.Host:opts.Port and sends the hello frame. Login completion arrives as
// a session.EventLogin on the returned connection.
//
// Postcondition: Authentication failures wrap session.ErrAuthenticationFailed;
// transport failures wrap session.ErrConnectionLost.
func (d *Dialer) Dial(ctx context.Context, opts session.DialOptions) (session.Conn, error) {
	var token string
	if d.cfg.Auth == config.AuthDevice {
		if d.tokens == nil {
			return nil, fmt.Errorf("%w: no token source configured", session.ErrAuthenticationFailed)
		}
		tok, err := d.tokens.Token(ctx, opts.Identity, func(verificationURL, userCode string) {
			if opts.OnAuthCode != nil {
				opts.OnAuthCode(session.AuthCode{URL: verificationURL, Code: userCode})
			}
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrAuthenticationFailed, err)
		}
		token = tok.AccessToken
	}

	target := d.URL(opts.Host, opts.Port)
	dialCtx := ctx
	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}
	ws, _, err := d.ws.DialContext(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", session.ErrConnectionLost, target, err)
	}

	c := newConn(ws, d.cfg, d.logger.With(zap.String("session", opts.Identity)))
	if err := c.write(Frame{Type: FrameHello, Username: opts.Identity, Version: opts.Version, Token: token}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	c.start()
	return c, nil
}

// URL returns the websocket URL for a gateway at host:port.
func (d *Dialer) URL(host string, port int) string {
	scheme := "ws"
	if d.cfg.TLS {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   d.cfg.Path,
	}
	return u.String()
}
