package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purplehq/purple-api/internal/accounts"
	"github.com/purplehq/purple-api/internal/lightning"
	"github.com/purplehq/purple-api/internal/products"
)

type testEnv struct {
	svc      *Service
	accounts *accounts.Service
	node     *lightning.FakeNode
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		node: lightning.NewFakeNode(),
		now:  time.Unix(1_700_000_000, 0),
	}
	env.accounts = accounts.NewService(accounts.NewMemoryStore())
	env.svc = NewService(NewMemoryStore(), products.Default(), env.node, env.accounts)

	env.svc.now = func() time.Time { return env.now }
	env.accounts.SetClock(func() time.Time { return env.now })
	return env
}

func TestCreate_UnknownProduct(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Create(context.Background(), "purple_lifetime")
	assert.ErrorIs(t, err, products.ErrUnknownProduct)
}

func TestCreate_StartsWithoutInvoice(t *testing.T) {
	env := newTestEnv(t)

	co, err := env.svc.Create(context.Background(), products.PurpleOneMonth)
	require.NoError(t, err)

	assert.NotEmpty(t, co.ID)
	assert.Equal(t, products.PurpleOneMonth, co.ProductTemplateName)
	assert.Nil(t, co.Invoice)
	assert.Nil(t, co.VerifiedPubkey)
	assert.False(t, co.Completed)

	got, err := env.svc.Get(context.Background(), co.ID)
	require.NoError(t, err)
	assert.Equal(t, co.ID, got.ID)
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), "co_missing")
	assert.ErrorIs(t, err, ErrCheckoutNotFound)
}

func TestIssueInvoice_BindsPubkeyAndInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)

	co, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)

	require.NotNil(t, co.Invoice)
	assert.NotEmpty(t, co.Invoice.Bolt11)
	assert.NotEmpty(t, co.Invoice.Label)
	assert.Nil(t, co.Invoice.Paid)
	require.NotNil(t, co.VerifiedPubkey)
	assert.Equal(t, "npub1alice", *co.VerifiedPubkey)
}

func TestIssueInvoice_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)

	first, err := env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)

	// Retries return the same invoice and never rebind the pubkey.
	second, err := env.svc.IssueInvoice(ctx, co.ID, "npub1mallory")
	require.NoError(t, err)
	assert.Equal(t, first.Invoice.Label, second.Invoice.Label)
	assert.Equal(t, first.Invoice.Bolt11, second.Invoice.Bolt11)
	assert.Equal(t, "npub1alice", *second.VerifiedPubkey)
}

func TestIssueInvoice_ConcurrentRetriesIssueOneInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)

	const workers = 10
	labels := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
			if assert.NoError(t, err) {
				labels <- got.Invoice.Label
			}
		}()
	}
	wg.Wait()
	close(labels)

	unique := make(map[string]bool)
	for l := range labels {
		unique[l] = true
	}
	assert.Len(t, unique, 1)
}

func TestIssueInvoice_NodeUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)

	env.node.Unavailable = true
	_, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	assert.ErrorIs(t, err, lightning.ErrNodeUnavailable)

	// The failed attempt left nothing bound; a retry works once the node is back.
	env.node.Unavailable = false
	co, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)
	assert.NotNil(t, co.Invoice)
}

func TestCheckPayment_BeforeInvoice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)

	_, err = env.svc.CheckPayment(ctx, co.ID)
	assert.ErrorIs(t, err, ErrInvoicePending)
}

func TestCheckPayment_UnpaidIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)
	_, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)

	co, err = env.svc.CheckPayment(ctx, co.ID)
	require.NoError(t, err)
	assert.False(t, co.Completed)
	assert.Nil(t, co.Invoice.Paid)

	// No entitlement was granted for an unpaid invoice.
	_, err = env.accounts.Get(ctx, "npub1alice")
	assert.ErrorIs(t, err, accounts.ErrAccountNotFound)
}

// Full purchase flow: create, issue, poll unpaid, pay, poll again. The
// account ends up with the product's full duration and subscriber number 1.
func TestCheckPayment_FullPurchaseFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)
	co, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)

	co, err = env.svc.CheckPayment(ctx, co.ID)
	require.NoError(t, err)
	require.False(t, co.Completed)

	require.True(t, env.node.SimulatePayment(co.Invoice.Bolt11))

	paymentTime := env.now.Add(10 * time.Minute)
	env.now = paymentTime

	co, err = env.svc.CheckPayment(ctx, co.ID)
	require.NoError(t, err)
	assert.True(t, co.Completed)
	require.NotNil(t, co.Invoice.Paid)
	assert.True(t, *co.Invoice.Paid)

	product, err := products.Default().Get(products.PurpleOneMonth)
	require.NoError(t, err)

	account, err := env.accounts.Get(ctx, "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, paymentTime.Unix()+product.Expiry, account.Expiry)
	assert.Equal(t, 1, account.SubscriberNumber)
	assert.True(t, account.Active(paymentTime))

	// 35 days later the account is inactive, expiry unchanged.
	later := paymentTime.Add(35 * 24 * time.Hour)
	account, err = env.accounts.Get(ctx, "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, paymentTime.Unix()+product.Expiry, account.Expiry)
	assert.False(t, account.Active(later))
}

func TestCheckPayment_CompletedIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)
	co, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)
	env.node.SimulatePayment(co.Invoice.Bolt11)

	co, err = env.svc.CheckPayment(ctx, co.ID)
	require.NoError(t, err)
	require.True(t, co.Completed)

	account, err := env.accounts.Get(ctx, "npub1alice")
	require.NoError(t, err)
	expiry := account.Expiry

	// Re-polling a completed checkout grants nothing further.
	for i := 0; i < 3; i++ {
		co, err = env.svc.CheckPayment(ctx, co.ID)
		require.NoError(t, err)
		assert.True(t, co.Completed)
	}

	account, err = env.accounts.Get(ctx, "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, expiry, account.Expiry)
}

// flakyStore wraps a Store and fails the next Update calls on demand.
type flakyStore struct {
	Store
	failUpdates int
}

func (f *flakyStore) Update(ctx context.Context, checkout *Checkout) error {
	if f.failUpdates > 0 {
		f.failUpdates--
		return errors.New("storage briefly unavailable")
	}
	return f.Store.Update(ctx, checkout)
}

func TestCheckPayment_RetryAfterCompletionWriteFailureGrantsOnce(t *testing.T) {
	node := lightning.NewFakeNode()
	store := &flakyStore{Store: NewMemoryStore()}
	accountsSvc := accounts.NewService(accounts.NewMemoryStore())
	svc := NewService(store, products.Default(), node, accountsSvc)

	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }
	accountsSvc.SetClock(func() time.Time { return now })

	ctx := context.Background()
	co, err := svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)
	co, err = svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)
	require.True(t, node.SimulatePayment(co.Invoice.Bolt11))

	// The completion write fails after the entitlement was granted.
	store.failUpdates = 1
	_, err = svc.CheckPayment(ctx, co.ID)
	require.Error(t, err)

	// The client retries. The invoice is observed as paid again, but its
	// transaction id has already been applied to the account.
	co, err = svc.CheckPayment(ctx, co.ID)
	require.NoError(t, err)
	assert.True(t, co.Completed)

	product, err := products.Default().Get(products.PurpleOneMonth)
	require.NoError(t, err)

	account, err := accountsSvc.Get(ctx, "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, now.Unix()+product.Expiry, account.Expiry,
		"a single payment must extend the account by exactly one product duration")
	assert.Equal(t, 1, account.SubscriberNumber)
}

func TestCheckPayment_ConcurrentPollsGrantOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	co, err := env.svc.Create(ctx, products.PurpleOneMonth)
	require.NoError(t, err)
	co, err = env.svc.IssueInvoice(ctx, co.ID, "npub1alice")
	require.NoError(t, err)
	env.node.SimulatePayment(co.Invoice.Bolt11)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.CheckPayment(ctx, co.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	product, err := products.Default().Get(products.PurpleOneMonth)
	require.NoError(t, err)

	account, err := env.accounts.Get(ctx, "npub1alice")
	require.NoError(t, err)
	assert.Equal(t, env.now.Unix()+product.Expiry, account.Expiry)
}
