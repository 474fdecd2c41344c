package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/purplehq/purple-api/internal/accounts"
	"github.com/purplehq/purple-api/internal/idgen"
	"github.com/purplehq/purple-api/internal/lightning"
	"github.com/purplehq/purple-api/internal/logging"
	"github.com/purplehq/purple-api/internal/metrics"
	"github.com/purplehq/purple-api/internal/products"
	"github.com/purplehq/purple-api/internal/syncutil"
	"github.com/purplehq/purple-api/internal/traces"
)

// Entitlements grants account entitlements from completed payments.
type Entitlements interface {
	Grant(ctx context.Context, pubkey string, txn accounts.Transaction) (*accounts.Account, error)
}

// Notifier publishes checkout lifecycle events to connected clients.
// Delivery is best-effort; checkout state never depends on it.
type Notifier interface {
	NotifyInvoiceIssued(checkout *Checkout)
	NotifyCheckoutCompleted(checkout *Checkout)
}

// Service provides checkout business logic.
type Service struct {
	store        Store
	catalog      products.Catalog
	ln           lightning.Client
	entitlements Entitlements
	notifier     Notifier // optional
	locks        *syncutil.ShardedMutex
	now          func() time.Time
}

// NewService creates a new checkout service.
func NewService(store Store, catalog products.Catalog, ln lightning.Client, entitlements Entitlements) *Service {
	return &Service{
		store:        store,
		catalog:      catalog,
		ln:           ln,
		entitlements: entitlements,
		locks:        &syncutil.ShardedMutex{},
		now:          time.Now,
	}
}

// SetNotifier attaches an event sink for checkout lifecycle events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Create starts a new checkout for a product template.
func (s *Service) Create(ctx context.Context, productTemplateName string) (*Checkout, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.create", traces.ProductName(productTemplateName))
	defer span.End()

	if _, err := s.catalog.Get(productTemplateName); err != nil {
		return nil, err
	}

	checkout := &Checkout{
		ID:                  idgen.WithPrefix("co_"),
		ProductTemplateName: productTemplateName,
		CreatedAt:           s.now().Unix(),
	}
	if err := s.store.Create(ctx, checkout); err != nil {
		return nil, fmt.Errorf("failed to create checkout: %w", err)
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("checkout created",
		"checkout_id", checkout.ID,
		"product", productTemplateName,
	)
	return checkout, nil
}

// Get returns a checkout by id. Pure read; safe for client polling.
func (s *Service) Get(ctx context.Context, id string) (*Checkout, error) {
	return s.store.Get(ctx, id)
}

// IssueInvoice obtains an invoice for the checkout and binds the requester's
// pubkey. Idempotent: a checkout gets at most one invoice ever, so retries
// return the existing invoice unchanged rather than registering a second one
// on the node.
func (s *Service) IssueInvoice(ctx context.Context, id, pubkey string) (*Checkout, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.issue_invoice", traces.CheckoutID(id), traces.Pubkey(pubkey))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	checkout, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if checkout.Invoice != nil {
		return checkout, nil
	}

	product, err := s.catalog.Get(checkout.ProductTemplateName)
	if err != nil {
		return nil, err
	}

	label := uuid.NewString()
	span.SetAttributes(traces.InvoiceLabel(label))
	invoice, err := s.ln.CreateInvoice(ctx, product.AmountMsat, label, product.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	checkout.Invoice = invoice
	checkout.VerifiedPubkey = &pubkey
	if err := s.store.Update(ctx, checkout); err != nil {
		return nil, fmt.Errorf("failed to store invoice: %w", err)
	}

	metrics.CheckoutsTotal.WithLabelValues("invoice_issued").Inc()
	metrics.InvoicesIssuedTotal.Inc()
	logging.L(ctx).Info("invoice issued",
		"checkout_id", checkout.ID,
		"label", label,
		"amount_msat", product.AmountMsat,
	)

	if s.notifier != nil {
		s.notifier.NotifyInvoiceIssued(checkout)
	}
	return checkout, nil
}

// CheckPayment polls the node for the checkout's invoice. On the first
// observed payment it grants the product's duration to the bound account and
// marks the checkout completed; the per-checkout lock makes the grant and
// the completion flag a single step, so a concurrent poll either sees the
// checkout untouched or fully completed.
func (s *Service) CheckPayment(ctx context.Context, id string) (*Checkout, error) {
	ctx, span := traces.StartSpan(ctx, "checkout.check_payment", traces.CheckoutID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	checkout, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if checkout.Completed {
		return checkout, nil
	}
	if checkout.Invoice == nil {
		return nil, ErrInvoicePending
	}

	paid, err := s.ln.QueryPaid(ctx, checkout.Invoice.Label)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment: %w", err)
	}
	if !paid {
		return checkout, nil
	}

	product, err := s.catalog.Get(checkout.ProductTemplateName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	duration := product.Expiry
	txn := accounts.Transaction{
		Type:          accounts.TransactionTypeLightning,
		ID:            checkout.Invoice.Label,
		StartDate:     now.Unix(),
		PurchasedDate: now.Unix(),
		Duration:      &duration,
	}
	if _, err := s.entitlements.Grant(ctx, *checkout.VerifiedPubkey, txn); err != nil {
		return nil, fmt.Errorf("failed to grant entitlement: %w", err)
	}

	paidFlag := true
	checkout.Invoice.Paid = &paidFlag
	checkout.Completed = true
	if err := s.store.Update(ctx, checkout); err != nil {
		return nil, fmt.Errorf("failed to complete checkout: %w", err)
	}

	metrics.CheckoutsTotal.WithLabelValues("completed").Inc()
	metrics.PaymentsConfirmedTotal.Inc()
	logging.L(ctx).Info("checkout completed",
		"checkout_id", checkout.ID,
		"pubkey", *checkout.VerifiedPubkey,
		"label", checkout.Invoice.Label,
	)

	if s.notifier != nil {
		s.notifier.NotifyCheckoutCompleted(checkout)
	}
	return checkout, nil
}
