// Package storage selects and opens the configured bot account store.
package storage

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/cory-johannsen/botfleet/internal/config"
	"github.com/cory-johannsen/botfleet/internal/session"
	"github.com/cory-johannsen/botfleet/internal/storage/file"
	"github.com/cory-johannsen/botfleet/internal/storage/postgres"
	"github.com/cory-johannsen/botfleet/internal/storage/sqlite"
)

// AccountStore is a session.AccountStore that owns releasable resources.
type AccountStore interface {
	session.AccountStore
	io.Closer
}

type closerFunc func() error

type closingStore struct {
	session.AccountStore
	close closerFunc
}

func (s closingStore) Close() error { return s.close() }

// Open returns the account store selected by cfg.Accounts.Driver.
//
// Precondition: cfg must have passed Validate.
// Postcondition: Returns a ready store or a non-nil error. The caller must Close it.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (AccountStore, error) {
	switch cfg.Accounts.Driver {
	case config.DriverFile:
		logger.Info("using file account store", zap.String("path", cfg.Accounts.Path))
		return closingStore{AccountStore: file.New(cfg.Accounts.Path, logger), close: func() error { return nil }}, nil
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.Accounts.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite account store: %w", err)
		}
		logger.Info("using sqlite account store", zap.String("path", cfg.Accounts.Path))
		return st, nil
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening postgres account store: %w", err)
		}
		logger.Info("using postgres account store",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Name),
		)
		return closingStore{AccountStore: postgres.NewAccountRepository(pool.DB()), close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown account store driver %q", cfg.Accounts.Driver)
}
