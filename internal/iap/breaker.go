package iap

import (
	"context"
	"errors"
	"time"

	"github.com/purplehq/purple-api/internal/circuitbreaker"
)

// ErrProviderUnavailable is returned when the App Store circuit is open and
// requests are being shed instead of sent upstream.
var ErrProviderUnavailable = errors.New("iap: app store temporarily unavailable")

// BreakerProvider wraps a Provider with a circuit breaker so that a
// misbehaving App Store Server API fails fast instead of tying up request
// handlers for the full client timeout.
type BreakerProvider struct {
	inner   Provider
	breaker *circuitbreaker.Breaker
}

var _ Provider = (*BreakerProvider)(nil)

// NewBreakerProvider wraps provider with a fresh breaker: five consecutive
// failures open the circuit for thirty seconds.
func NewBreakerProvider(provider Provider) *BreakerProvider {
	return &BreakerProvider{
		inner:   provider,
		breaker: circuitbreaker.New("appstore", 5, 30*time.Second),
	}
}

// TransactionHistory delegates to the wrapped provider. A truncated result
// means a history page request failed upstream, so it counts as a failure
// even though the call itself succeeds.
func (p *BreakerProvider) TransactionHistory(ctx context.Context, transactionID string) ([]string, bool, error) {
	if !p.breaker.Allow() {
		return nil, false, ErrProviderUnavailable
	}
	blobs, truncated, err := p.inner.TransactionHistory(ctx, transactionID)
	if err != nil || truncated {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	return blobs, truncated, err
}

// LookupOrder delegates to the wrapped provider. ErrOrderNotFound proves the
// API answered, so it counts as a success.
func (p *BreakerProvider) LookupOrder(ctx context.Context, orderID string) ([]string, error) {
	if !p.breaker.Allow() {
		return nil, ErrProviderUnavailable
	}
	blobs, err := p.inner.LookupOrder(ctx, orderID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}
	return blobs, err
}
