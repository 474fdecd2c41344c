// Package accounts tracks Purple account entitlements.
//
// An account is keyed by the user's pubkey and carries a single expiry
// timestamp. Payments from any source (Lightning checkout, Apple IAP) are
// normalized into Transactions and merged into that expiry; whether the
// account is active is always derived from the expiry, never stored.
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrInvalidTransaction = errors.New("transaction has neither end_date nor duration")
	// ErrGrantApplied means the transaction id was already merged into the
	// account's expiry. Replays (a retried payment poll, a re-submitted
	// receipt) must not extend the entitlement a second time.
	ErrGrantApplied = errors.New("transaction already applied to account")
)

// TransactionType identifies the payment source of a transaction.
type TransactionType string

const (
	TransactionTypeIAP       TransactionType = "iap"
	TransactionTypeLightning TransactionType = "ln"
)

// Account is a Purple account. Expiry and CreatedAt are epoch seconds.
// SubscriberNumber is assigned once, at the first entitlement grant, and
// never reused.
type Account struct {
	Pubkey           string `json:"pubkey"`
	CreatedAt        int64  `json:"created_at"`
	Expiry           int64  `json:"expiry"`
	SubscriberNumber int    `json:"subscriber_number"`
}

// Active reports whether the account's entitlement covers the given time.
func (a *Account) Active(now time.Time) bool {
	return a.Expiry > now.Unix()
}

// Transaction is a source-agnostic payment event. Exactly one of EndDate
// (absolute expiry, IAP) or Duration (relative extension in seconds,
// Lightning) is set. Timestamps are epoch seconds.
type Transaction struct {
	Type          TransactionType `json:"type"`
	ID            string          `json:"id"`
	StartDate     int64           `json:"start_date"`
	EndDate       *int64          `json:"end_date"`
	PurchasedDate int64           `json:"purchased_date"`
	Duration      *int64          `json:"duration"`
}

// Store persists account records.
type Store interface {
	// Get returns the account for a pubkey, or ErrAccountNotFound.
	Get(ctx context.Context, pubkey string) (*Account, error)
	// Create inserts a new account and assigns its subscriber number.
	// Numbers are sequential in creation order with no gaps or reuse.
	Create(ctx context.Context, account *Account) error
	// ApplyGrant sets the expiry for an existing account and records the
	// transaction id that produced it, as one atomic step. A transaction
	// id is applied at most once per account: replays return
	// ErrGrantApplied with no state change.
	ApplyGrant(ctx context.Context, pubkey, txnID string, expiry int64) error
}
