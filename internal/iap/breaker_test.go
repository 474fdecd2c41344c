package iap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerProvider_PassesThroughWhenClosed(t *testing.T) {
	inner := &fakeProvider{
		history: map[string][]string{"txn-1": {"blob-a", "blob-b"}},
		orders:  map[string][]string{"order-1": {"blob-a"}},
	}
	p := NewBreakerProvider(inner)
	ctx := context.Background()

	blobs, truncated, err := p.TransactionHistory(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{"blob-a", "blob-b"}, blobs)

	blobs, err = p.LookupOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"blob-a"}, blobs)
}

func TestBreakerProvider_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeProvider{err: errors.New("upstream down")}
	p := NewBreakerProvider(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.LookupOrder(ctx, "order-1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderUnavailable)
	}

	// Circuit is open now: requests are shed without touching the provider.
	_, err := p.LookupOrder(ctx, "order-1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	_, _, err = p.TransactionHistory(ctx, "txn-1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestBreakerProvider_OrderNotFoundCountsAsSuccess(t *testing.T) {
	inner := &fakeProvider{orders: map[string][]string{}}
	p := NewBreakerProvider(inner)
	ctx := context.Background()

	// A 404 proves the API is answering, so it must never trip the breaker.
	for i := 0; i < 20; i++ {
		_, err := p.LookupOrder(ctx, "missing")
		assert.ErrorIs(t, err, ErrOrderNotFound)
	}
}

func TestBreakerProvider_TruncatedHistoryCountsAsFailure(t *testing.T) {
	inner := &fakeProvider{
		history:   map[string][]string{"txn-1": {"blob-a"}},
		truncated: true,
	}
	p := NewBreakerProvider(inner)
	ctx := context.Background()

	// Truncated results mean a page request failed upstream.
	for i := 0; i < 5; i++ {
		_, truncated, err := p.TransactionHistory(ctx, "txn-1")
		require.NoError(t, err)
		assert.True(t, truncated)
	}

	_, _, err := p.TransactionHistory(ctx, "txn-1")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
