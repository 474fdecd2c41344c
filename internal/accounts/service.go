package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/purplehq/purple-api/internal/logging"
	"github.com/purplehq/purple-api/internal/metrics"
	"github.com/purplehq/purple-api/internal/syncutil"
)

// Service provides entitlement business logic.
type Service struct {
	store Store
	locks *syncutil.ShardedMutex
	now   func() time.Time
}

// NewService creates a new accounts service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: &syncutil.ShardedMutex{},
		now:   time.Now,
	}
}

// SetClock overrides the service's time source. Used in tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the account for a pubkey.
func (s *Service) Get(ctx context.Context, pubkey string) (*Account, error) {
	return s.store.Get(ctx, pubkey)
}

// Grant merges a transaction into the account's entitlement, creating the
// account (and assigning its subscriber number) on the first grant. The
// read-modify-write is serialized per pubkey so concurrent grants to the
// same account never lose an update.
//
// Grant is idempotent per transaction id: a transaction extends an account
// exactly once, and replaying it (a retried payment poll after a partial
// failure, a re-submitted receipt) returns the account unchanged.
func (s *Service) Grant(ctx context.Context, pubkey string, txn Transaction) (*Account, error) {
	if txn.ID == "" || (txn.EndDate == nil && txn.Duration == nil) {
		return nil, ErrInvalidTransaction
	}

	unlock := s.locks.Lock(pubkey)
	defer unlock()

	now := s.now()

	account, err := s.store.Get(ctx, pubkey)
	switch {
	case err == ErrAccountNotFound:
		account = &Account{Pubkey: pubkey, CreatedAt: now.Unix()}
		if err := s.store.Create(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
	case err != nil:
		return nil, err
	}

	newExpiry := mergeExpiry(account.Expiry, txn, now)
	switch err := s.store.ApplyGrant(ctx, pubkey, txn.ID, newExpiry); {
	case err == ErrGrantApplied:
		logging.L(ctx).Info("transaction already applied, entitlement unchanged",
			"pubkey", pubkey,
			"transaction_id", txn.ID,
		)
		return account, nil
	case err != nil:
		return nil, fmt.Errorf("failed to apply grant: %w", err)
	}
	account.Expiry = newExpiry

	metrics.EntitlementGrantsTotal.WithLabelValues(string(txn.Type)).Inc()
	logging.L(ctx).Info("entitlement granted",
		"pubkey", pubkey,
		"source", txn.Type,
		"transaction_id", txn.ID,
		"expiry", account.Expiry,
		"subscriber_number", account.SubscriberNumber,
	)

	return account, nil
}

// mergeExpiry computes the new expiry for an account. The base is the later
// of the current expiry and now, so a grant never shortens an entitlement.
// Absolute end dates take the later of base and end date; durations stack on
// top of the base.
func mergeExpiry(current int64, txn Transaction, now time.Time) int64 {
	base := current
	if n := now.Unix(); n > base {
		base = n
	}

	if txn.EndDate != nil {
		if *txn.EndDate > base {
			return *txn.EndDate
		}
		return base
	}
	return base + *txn.Duration
}
