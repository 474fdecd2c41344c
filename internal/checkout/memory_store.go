package checkout

import (
	"context"
	"sync"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory checkout store for demo/development mode.
type MemoryStore struct {
	checkouts map[string]*Checkout // by ID
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory checkout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkouts: make(map[string]*Checkout)}
}

func (m *MemoryStore) Create(ctx context.Context, checkout *Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyCheckout(checkout)
	m.checkouts[checkout.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Checkout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checkout, ok := m.checkouts[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return copyCheckout(checkout), nil
}

func (m *MemoryStore) Update(ctx context.Context, checkout *Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkouts[checkout.ID]; !ok {
		return ErrCheckoutNotFound
	}
	m.checkouts[checkout.ID] = copyCheckout(checkout)
	return nil
}

// copyCheckout deep-copies a checkout so callers never share pointers with
// the store's copy.
func copyCheckout(c *Checkout) *Checkout {
	cp := *c
	if c.VerifiedPubkey != nil {
		pk := *c.VerifiedPubkey
		cp.VerifiedPubkey = &pk
	}
	if c.Invoice != nil {
		inv := *c.Invoice
		if c.Invoice.Paid != nil {
			paid := *c.Invoice.Paid
			inv.Paid = &paid
		}
		cp.Invoice = &inv
	}
	return &cp
}
