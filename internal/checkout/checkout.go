// Package checkout implements the Lightning purchase flow for Purple.
//
// A checkout moves strictly forward: created when a client picks a product,
// issued when the first verify call obtains an invoice and binds the buyer's
// pubkey, completed when a payment check first observes the invoice as paid.
// There is no cancellation or reversal path, and a completed checkout is
// never re-opened.
package checkout

import (
	"context"
	"errors"

	"github.com/purplehq/purple-api/internal/lightning"
)

var (
	ErrCheckoutNotFound = errors.New("checkout not found")
	ErrInvoicePending   = errors.New("checkout has no invoice yet")
)

// Checkout is a single purchase attempt for one product template.
// VerifiedPubkey and Invoice are set exactly once, together, by the first
// successful verify call; Completed flips once and stays set.
type Checkout struct {
	ID                  string             `json:"id"`
	ProductTemplateName string             `json:"product_template_name"`
	CreatedAt           int64              `json:"created_at"`
	VerifiedPubkey      *string            `json:"verified_pubkey"`
	Invoice             *lightning.Invoice `json:"invoice"`
	Completed           bool               `json:"completed"`
}

// Store persists checkout records.
type Store interface {
	Create(ctx context.Context, checkout *Checkout) error
	// Get returns the checkout for an id, or ErrCheckoutNotFound.
	Get(ctx context.Context, id string) (*Checkout, error)
	Update(ctx context.Context, checkout *Checkout) error
}
