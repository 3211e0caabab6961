package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

// TokenCache stores one OAuth token file per identity under a directory.
type TokenCache struct {
	dir string
}

// NewTokenCache returns a cache rooted at dir. The directory is created on
// first Save.
func NewTokenCache(dir string) *TokenCache {
	return &TokenCache{dir: dir}
}

// Load returns the cached token for identity, or nil if none is cached.
func (c *TokenCache) Load(identity string) (*oauth2.Token, error) {
	data, err := os.ReadFile(c.path(identity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return &tok, nil
}

// Save writes tok for identity with owner-only permissions.
func (c *TokenCache) Save(identity string, tok *oauth2.Token) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	tmp := c.path(identity) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing token: %w", err)
	}
	if err := os.Rename(tmp, c.path(identity)); err != nil {
		return fmt.Errorf("replacing token: %w", err)
	}
	return nil
}

var unsafeName = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

func (c *TokenCache) path(identity string) string {
	return filepath.Join(c.dir, unsafeName.Replace(identity)+".json")
}
