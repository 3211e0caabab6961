package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEmptyIdentity is returned when appending a blank identity.
var ErrEmptyIdentity = errors.New("identity must not be empty")

// AccountRepository persists the ordered list of bot account identities in
// the bot_accounts table.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Load returns all identities in insertion order.
//
// Postcondition: Returns a non-nil slice or a non-nil error.
func (r *AccountRepository) Load(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT identity FROM bot_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accounts: %w", err)
	}
	return names, nil
}

// Append inserts identity unless it is already stored.
//
// Precondition: identity must be non-empty.
// Postcondition: Returns true iff a new row was inserted.
func (r *AccountRepository) Append(ctx context.Context, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, ErrEmptyIdentity
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO bot_accounts (identity) VALUES ($1)
		 ON CONFLICT (identity) DO NOTHING`,
		identity,
	)
	if err != nil {
		return false, fmt.Errorf("inserting account: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
