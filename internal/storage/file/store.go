// Package file provides a bot account store backed by a single JSON or YAML
// document holding an ordered list of identities.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Store reads and rewrites the account document on every call so external
// edits are picked up.
type Store struct {
	mu     sync.Mutex
	path   string
	yaml   bool
	logger *zap.Logger
}

// New returns a Store for path. The format is chosen by extension: .yaml and
// .yml are YAML, anything else is JSON.
//
// Precondition: path must be non-empty; logger must be non-nil.
func New(path string, logger *zap.Logger) *Store {
	ext := strings.ToLower(filepath.Ext(path))
	return &Store{
		path:   path,
		yaml:   ext == ".yaml" || ext == ".yml",
		logger: logger,
	}
}

// Load returns the stored identities in order. A missing or malformed
// document yields an empty list.
//
// Postcondition: Returns a non-nil slice.
func (s *Store) Load(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(), nil
}

// Append adds identity to the end of the list if it is not already present.
//
// Precondition: identity must be non-empty.
// Postcondition: Returns true iff the document was rewritten with identity added.
func (s *Store) Append(_ context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, errors.New("identity must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := s.readLocked()
	if slices.Contains(names, identity) {
		return false, nil
	}
	names = append(names, identity)
	if err := s.writeLocked(names); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) readLocked() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("reading accounts", zap.String("path", s.path), zap.Error(err))
		}
		return []string{}
	}
	var names []string
	if s.yaml {
		err = yaml.Unmarshal(data, &names)
	} else {
		err = json.Unmarshal(data, &names)
	}
	if err != nil {
		s.logger.Warn("malformed accounts file", zap.String("path", s.path), zap.Error(err))
		return []string{}
	}
	if names == nil {
		return []string{}
	}
	return names
}

// writeLocked replaces the document atomically via a temp file and rename.
func (s *Store) writeLocked(names []string) error {
	var (
		data []byte
		err  error
	)
	if s.yaml {
		data, err = yaml.Marshal(names)
	} else {
		data, err = json.MarshalIndent(names, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding accounts: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating accounts dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing accounts: %w", err)
	}
	// Flushed before rename so a crash cannot publish a truncated file.
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing accounts file: %w", err)
	}
	return nil
}
