// Package postgres keeps the fleet's account list in a bot_accounts table.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/botfleet/internal/config"
)

// applicationName tags fleet connections in pg_stat_activity.
const applicationName = "botfleet"

// connectTimeout bounds the startup ping so a dead database fails Start fast.
const connectTimeout = 10 * time.Second

// Pool is the connection pool shared by the account repository.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool opens the account database described by cfg and verifies it answers.
//
// Precondition: cfg.DSN must yield a parseable connection string.
// Postcondition: Returns a Pool that answered a ping, or a non-nil error with
// no connections left open.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing account database config: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening account database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("reaching account database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Pool{pool: pool}, nil
}

// Health reports whether the account table can be read within timeout.
//
// Precondition: The pool must not be closed and migrations must have run.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM bot_accounts`).Scan(&n); err != nil {
		return fmt.Errorf("account table unreachable: %w", err)
	}
	return nil
}

// Close releases every connection. It matches the func() error shape the
// storage layer expects from closers.
func (p *Pool) Close() error {
	p.pool.Close()
	return nil
}

// DB exposes the pool to AccountRepository.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
