package lightning

import (
	"context"
	"fmt"
	"sync"

	"github.com/purplehq/purple-api/internal/idgen"
)

// FakeNode is an in-process node for development and tests. Invoices are
// held in memory; payments are driven by SimulatePayment.
type FakeNode struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice // label -> invoice
	byBolt11 map[string]string       // bolt11 -> label

	// Unavailable makes every call fail with ErrNodeUnavailable.
	Unavailable bool
}

type fakeInvoice struct {
	bolt11 string
	paid   bool
}

// NewFakeNode creates an empty fake node.
func NewFakeNode() *FakeNode {
	return &FakeNode{
		invoices: make(map[string]*fakeInvoice),
		byBolt11: make(map[string]string),
	}
}

func (f *FakeNode) CreateInvoice(ctx context.Context, amountMsat int64, label, description string) (*Invoice, error) {
	if amountMsat <= 0 {
		return nil, fmt.Errorf("%w: %d msat", ErrInvalidAmount, amountMsat)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return nil, ErrNodeUnavailable
	}

	bolt11 := "lnbc1" + idgen.Hex(32)
	f.invoices[label] = &fakeInvoice{bolt11: bolt11}
	f.byBolt11[bolt11] = label

	return &Invoice{
		Bolt11: bolt11,
		Label:  label,
		ConnectionParams: ConnectionParams{
			NodeID:  "03" + idgen.Hex(32),
			Address: "127.0.0.1:9735",
			Rune:    "fake-rune",
		},
	}, nil
}

func (f *FakeNode) QueryPaid(ctx context.Context, label string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return false, ErrNodeUnavailable
	}

	inv, ok := f.invoices[label]
	if !ok {
		return false, fmt.Errorf("%w: label %s", ErrInvoiceNotFound, label)
	}
	return inv.paid, nil
}

// SimulatePayment marks the invoice with the given bolt11 as paid.
func (f *FakeNode) SimulatePayment(bolt11 string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	label, ok := f.byBolt11[bolt11]
	if !ok {
		return false
	}
	f.invoices[label].paid = true
	return true
}
