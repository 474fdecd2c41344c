// Package lightning is a thin protocol adapter for the Lightning node:
// create an invoice, query whether an invoice has been paid. The node is
// consumed as an RPC service; nothing here inspects the node's ledger.
package lightning

import (
	"context"
	"errors"
)

var (
	ErrNodeUnavailable = errors.New("lightning: node unavailable")
	ErrInvalidAmount   = errors.New("lightning: amount must be positive")
	ErrInvoiceNotFound = errors.New("lightning: invoice not found")
)

// ConnectionParams tells a paying client how to reach the node.
type ConnectionParams struct {
	NodeID  string `json:"nodeid"`
	Address string `json:"address"`
	Rune    string `json:"rune"`
}

// Invoice is a Lightning payment request registered on the node under a
// unique correlation label. Paid stays nil until a payment check first
// observes the invoice as paid; once true it never reverts.
type Invoice struct {
	Bolt11           string           `json:"bolt11"`
	Label            string           `json:"label"`
	ConnectionParams ConnectionParams `json:"connection_params"`
	Paid             *bool            `json:"paid,omitempty"`
}

// Client issues invoices and checks payment status against a node.
type Client interface {
	// CreateInvoice registers an invoice on the node under label.
	// The label must be unique per call.
	CreateInvoice(ctx context.Context, amountMsat int64, label, description string) (*Invoice, error)
	// QueryPaid reports whether the invoice with the given label has been
	// paid. Pure query; safe to call repeatedly.
	QueryPaid(ctx context.Context, label string) (bool, error)
}
