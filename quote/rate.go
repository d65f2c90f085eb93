package quote

import (
	"sync"

	"github.com/cockroachdb/apd/v3"
)

// FixedRateSource is a RateSource backed by an operator-configured ask price
// and spread rather than a live market feed: none of this protocol's wire
// messages carry a price oracle, so spec.md §4.7's "ask price, spread" quote
// inputs are whatever the operator last set via SetRate.
type FixedRateSource struct {
	mu     sync.RWMutex
	ask    *apd.Decimal
	spread *apd.Decimal
}

// NewFixedRateSource returns a FixedRateSource seeded with ask and spread.
func NewFixedRateSource(ask, spread *apd.Decimal) *FixedRateSource {
	return &FixedRateSource{ask: ask, spread: spread}
}

// SetRate updates the ask price and spread an operator quotes at.
func (f *FixedRateSource) SetRate(ask, spread *apd.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ask = ask
	f.spread = spread
}

// LatestRate returns the currently configured ask price and spread.
func (f *FixedRateSource) LatestRate() (*apd.Decimal, *apd.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ask, f.spread, nil
}
