package iap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/purplehq/purple-api/internal/accounts"
	"github.com/purplehq/purple-api/internal/logging"
	"github.com/purplehq/purple-api/internal/metrics"
	"github.com/purplehq/purple-api/internal/traces"
)

// Provider fetches signed transaction blobs from the App Store.
type Provider interface {
	// TransactionHistory returns all history blobs for a transaction id.
	// The bool reports whether the result was truncated by a page failure.
	TransactionHistory(ctx context.Context, transactionID string) ([]string, bool, error)
	// LookupOrder returns the blobs for a customer order id.
	LookupOrder(ctx context.Context, orderID string) ([]string, error)
}

// Compile-time check that AppStoreClient implements Provider.
var _ Provider = (*AppStoreClient)(nil)

// Entitlements grants account entitlements from verified transactions.
type Entitlements interface {
	Grant(ctx context.Context, pubkey string, txn accounts.Transaction) (*accounts.Account, error)
}

// Result is the outcome of a successful verification that found an
// entitlement. A nil *Result means "no entitlement for this account",
// which is not an error.
type Result struct {
	Transactions []accounts.Transaction
	Account      *accounts.Account
	// Truncated is set when the transaction history fetch lost pages and
	// the result may be incomplete.
	Truncated bool
}

// Service orchestrates the receipt/transaction verification pipeline:
// fetch signed blobs, verify all of them, keep the ones bound to the
// authenticated account, grant the entitlement.
type Service struct {
	provider     Provider
	verifier     *Verifier
	entitlements Entitlements
	mock         bool
	now          func() time.Time
}

// NewService creates a new IAP verification service.
func NewService(provider Provider, verifier *Verifier, entitlements Entitlements) *Service {
	return &Service{
		provider:     provider,
		verifier:     verifier,
		entitlements: entitlements,
		now:          time.Now,
	}
}

// EnableMock makes VerifyReceipt grant a one-year entitlement without
// contacting Apple. Development only; config refuses it in production.
func (s *Service) EnableMock() {
	s.mock = true
}

// VerifyReceipt extracts the transaction id from a base64 receipt and runs
// the verification pipeline on its history. A receipt with no embedded
// transaction id yields a nil result, not an error.
func (s *Service) VerifyReceipt(ctx context.Context, receiptData, pubkey string) (*Result, error) {
	if s.mock {
		return s.grantMock(ctx, pubkey)
	}

	transactionID, err := ExtractTransactionID(receiptData)
	if err != nil {
		metrics.IAPVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if transactionID == "" {
		metrics.IAPVerificationsTotal.WithLabelValues("no_entitlement").Inc()
		return nil, nil
	}
	return s.VerifyTransaction(ctx, transactionID, pubkey)
}

// VerifyTransaction runs the verification pipeline on the history of a
// transaction id.
func (s *Service) VerifyTransaction(ctx context.Context, transactionID, pubkey string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "iap.verify_transaction", traces.TransactionID(transactionID), traces.Pubkey(pubkey))
	defer span.End()

	if s.mock {
		return s.grantMock(ctx, pubkey)
	}

	blobs, truncated, err := s.provider.TransactionHistory(ctx, transactionID)
	if err != nil {
		metrics.IAPVerificationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return s.process(ctx, blobs, truncated, pubkey)
}

// LookupOrder runs the verification pipeline on the transactions of a
// customer order id. An empty pubkey is support-lookup mode: the verified
// transactions are returned unfiltered and nothing is granted.
func (s *Service) LookupOrder(ctx context.Context, orderID, pubkey string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "iap.lookup_order", traces.Pubkey(pubkey))
	defer span.End()

	if s.mock {
		if pubkey == "" {
			return &Result{Transactions: []accounts.Transaction{s.mockTransaction()}}, nil
		}
		return s.grantMock(ctx, pubkey)
	}

	blobs, err := s.provider.LookupOrder(ctx, orderID)
	if err != nil {
		if err == ErrOrderNotFound {
			return nil, err
		}
		metrics.IAPVerificationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("lookup order: %w", err)
	}
	return s.process(ctx, blobs, false, pubkey)
}

func (s *Service) process(ctx context.Context, blobs []string, truncated bool, pubkey string) (*Result, error) {
	if len(blobs) == 0 {
		metrics.IAPVerificationsTotal.WithLabelValues("no_entitlement").Inc()
		return nil, nil
	}

	payloads, err := s.verifier.VerifyAndDecode(blobs)
	if err != nil {
		metrics.IAPVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Support-lookup mode: no identity, so no account filter and no grant.
	if pubkey == "" {
		result := &Result{Truncated: truncated}
		for _, payload := range payloads {
			result.Transactions = append(result.Transactions, toCanonical(payload))
		}
		metrics.IAPVerificationsTotal.WithLabelValues("support_lookup").Inc()
		return result, nil
	}

	matched := filterByAccount(payloads, pubkey)
	if len(matched) == 0 {
		metrics.IAPVerificationsTotal.WithLabelValues("no_entitlement").Inc()
		return nil, nil
	}

	result := &Result{Truncated: truncated}
	for _, payload := range matched {
		txn := toCanonical(payload)
		account, err := s.entitlements.Grant(ctx, pubkey, txn)
		if err != nil {
			return nil, fmt.Errorf("grant entitlement: %w", err)
		}
		result.Transactions = append(result.Transactions, txn)
		result.Account = account
	}

	metrics.IAPVerificationsTotal.WithLabelValues("granted").Inc()
	logging.L(ctx).Info("iap entitlement verified",
		"pubkey", pubkey,
		"transactions", len(result.Transactions),
		"truncated", truncated,
	)
	return result, nil
}

// mockTransaction fabricates a one-year transaction for mock mode.
func (s *Service) mockTransaction() accounts.Transaction {
	now := s.now()
	end := now.AddDate(1, 0, 0).Unix()
	return accounts.Transaction{
		Type:          accounts.TransactionTypeIAP,
		ID:            "mock",
		StartDate:     now.Unix(),
		EndDate:       &end,
		PurchasedDate: now.Unix(),
	}
}

// grantMock issues a one-year entitlement without verification.
func (s *Service) grantMock(ctx context.Context, pubkey string) (*Result, error) {
	txn := s.mockTransaction()

	account, err := s.entitlements.Grant(ctx, pubkey, txn)
	if err != nil {
		return nil, fmt.Errorf("grant entitlement: %w", err)
	}

	logging.L(ctx).Warn("mock receipt verification used", "pubkey", pubkey)
	return &Result{
		Transactions: []accounts.Transaction{txn},
		Account:      account,
	}, nil
}

// filterByAccount keeps payloads whose app account token matches the
// authenticated pubkey, compared case-insensitively.
func filterByAccount(payloads []*TransactionPayload, pubkey string) []*TransactionPayload {
	var matched []*TransactionPayload
	for _, p := range payloads {
		if strings.EqualFold(p.AppAccountToken, pubkey) {
			matched = append(matched, p)
		}
	}
	return matched
}

// toCanonical maps an Apple payload (millisecond dates, absolute expiry)
// onto the source-agnostic transaction shape (epoch seconds).
func toCanonical(p *TransactionPayload) accounts.Transaction {
	end := p.ExpiresDate / 1000
	return accounts.Transaction{
		Type:          accounts.TransactionTypeIAP,
		ID:            p.TransactionID,
		StartDate:     p.PurchaseDate / 1000,
		EndDate:       &end,
		PurchasedDate: p.PurchaseDate / 1000,
	}
}
