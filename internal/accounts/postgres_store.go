package accounts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/purplehq/purple-api/internal/retry"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, pubkey string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT pubkey, created_at, expiry, subscriber_number
		FROM accounts WHERE pubkey = $1
	`, pubkey)

	var a Account
	err := row.Scan(&a.Pubkey, &a.CreatedAt, &a.Expiry, &a.SubscriberNumber)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// Create inserts a new account, computing the subscriber number from the
// current maximum. The unique index on subscriber_number turns a concurrent
// assignment of the same number into a retry instead of a duplicate.
func (p *PostgresStore) Create(ctx context.Context, account *Account) error {
	const maxAttempts = 5

	err := retry.Do(ctx, maxAttempts, 5*time.Millisecond, func() error {
		row := p.db.QueryRowContext(ctx, `
			INSERT INTO accounts (pubkey, created_at, expiry, subscriber_number)
			VALUES ($1, $2, $3, (SELECT COALESCE(MAX(subscriber_number), 0) + 1 FROM accounts))
			RETURNING subscriber_number
		`, account.Pubkey, account.CreatedAt, account.Expiry)

		err := row.Scan(&account.SubscriberNumber)
		if err == nil {
			return nil
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "accounts_pkey" {
				return retry.Permanent(ErrAccountExists)
			}
			// Lost the subscriber_number race; recompute and retry.
			return err
		}
		return retry.Permanent(err)
	})
	if err == ErrAccountExists {
		return err
	}
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// ApplyGrant records the transaction id and updates the expiry in one
// database transaction. The primary key on (pubkey, txn_id) rejects replays.
func (p *PostgresStore) ApplyGrant(ctx context.Context, pubkey, txnID string, expiry int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_grants (pubkey, txn_id, granted_at)
		VALUES ($1, $2, $3)
	`, pubkey, txnID, time.Now().Unix())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrGrantApplied
		}
		return fmt.Errorf("apply grant: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts SET expiry = $2 WHERE pubkey = $1
	`, pubkey, expiry)
	if err != nil {
		return fmt.Errorf("apply grant: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply grant: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply grant: %w", err)
	}
	return nil
}
