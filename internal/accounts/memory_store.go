package accounts

import (
	"context"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account // by pubkey
	grants   map[grantKey]bool
	mu       sync.Mutex
}

type grantKey struct {
	pubkey string
	txnID  string
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		grants:   make(map[grantKey]bool),
	}
}

func (m *MemoryStore) Get(ctx context.Context, pubkey string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) Create(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.Pubkey]; ok {
		return ErrAccountExists
	}

	account.SubscriberNumber = len(m.accounts) + 1
	cp := *account
	m.accounts[account.Pubkey] = &cp
	return nil
}

func (m *MemoryStore) ApplyGrant(ctx context.Context, pubkey, txnID string, expiry int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[pubkey]
	if !ok {
		return ErrAccountNotFound
	}

	key := grantKey{pubkey: pubkey, txnID: txnID}
	if m.grants[key] {
		return ErrGrantApplied
	}
	m.grants[key] = true
	account.Expiry = expiry
	return nil
}
