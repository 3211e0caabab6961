package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/cory-johannsen/botfleet/internal/config"
)

// ErrDeviceFlowTimeout is returned when the operator does not complete the
// device login before the configured timeout.
var ErrDeviceFlowTimeout = errors.New("timed out waiting for device authorization")

// PromptFunc shows a device-code challenge to the operator.
type PromptFunc func(verificationURL, userCode string)

// DeviceFlow obtains access tokens for bot accounts with the OAuth 2.0
// device authorization grant (RFC 8628), reusing cached tokens when they can
// be refreshed.
type DeviceFlow struct {
	oauth   *oauth2.Config
	timeout time.Duration
	cache   *TokenCache
	logger  *zap.Logger
}

// NewDeviceFlow builds a DeviceFlow from configuration. cache may be nil.
//
// Precondition: cfg.ClientID, cfg.DeviceCodeURL and cfg.TokenURL must be set.
// Postcondition: Returns a non-nil DeviceFlow.
func NewDeviceFlow(cfg config.DeviceAuthConfig, cache *TokenCache, logger *zap.Logger) *DeviceFlow {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &DeviceFlow{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceCodeURL,
				TokenURL:      cfg.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		timeout: timeout,
		cache:   cache,
		logger:  logger,
	}
}

// Token returns an access token for identity. A cached token is used or
// refreshed when possible; otherwise a new device code is requested and
// prompt is called before polling for the operator's approval.
//
// Precondition: identity must be non-empty; prompt must be non-nil.
// Postcondition: Returns a token with a non-empty AccessToken or a non-nil error.
func (f *DeviceFlow) Token(ctx context.Context, identity string, prompt PromptFunc) (*oauth2.Token, error) {
	if tok := f.cached(ctx, identity); tok != nil {
		return tok, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	da, err := f.oauth.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}
	verificationURL := da.VerificationURI
	if da.VerificationURIComplete != "" {
		verificationURL = da.VerificationURIComplete
	}
	prompt(verificationURL, da.UserCode)

	tok, err := f.oauth.DeviceAccessToken(ctx, da)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrDeviceFlowTimeout
		}
		return nil, fmt.Errorf("waiting for device authorization: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("token response missing access token")
	}
	f.store(identity, tok)
	return tok, nil
}

func (f *DeviceFlow) cached(ctx context.Context, identity string) *oauth2.Token {
	if f.cache == nil {
		return nil
	}
	tok, err := f.cache.Load(identity)
	if err != nil || tok == nil {
		return nil
	}
	fresh, err := f.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		f.logger.Info("cached token rejected", zap.String("session", identity), zap.Error(err))
		return nil
	}
	if fresh.AccessToken != tok.AccessToken {
		f.store(identity, fresh)
	}
	return fresh
}

func (f *DeviceFlow) store(identity string, tok *oauth2.Token) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Save(identity, tok); err != nil {
		f.logger.Warn("caching token", zap.String("session", identity), zap.Error(err))
	}
}
