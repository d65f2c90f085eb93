// Package quote implements the TTL-cached bid quote of SPEC_FULL.md §5.7:
// entries are keyed by (min_buy, max_buy), expire after 120s, and are
// computed from the seller's unlocked Monero balance, live reservations,
// and a pluggable rate source.
//
// Grounded on bingcicle-atomic-swap/rpc/server.go's use of
// github.com/cockroachdb/apd/v3 for offer/price arithmetic (that repo
// computes quotes inline in its RPC layer; SPEC_FULL.md's component table
// pulls the concern into its own package).
package quote

import (
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/noot/xmrswap/common"
)

// ttl is how long a cached quote remains valid before it must be recomputed.
const ttl = 120 * time.Second

// RateSource supplies the latest ask price (BTC per XMR) and the spread to
// apply on top of it; a real implementation might poll an exchange API, a
// price oracle, or a fixed operator-configured value.
type RateSource interface {
	LatestRate() (ask *apd.Decimal, spread *apd.Decimal, err error)
}

// BalanceSource reports the seller's unlocked Monero balance. Cache calls
// it without a timeout of its own; a slow source delays the quote.
type BalanceSource interface {
	UnlockedBalance() (common.MoneroAmount, error)
}

// ReservationSource reports how much XMR is already committed to live
// swaps, so the quote doesn't double-offer funds mid-flight.
type ReservationSource func() common.MoneroAmount

var decCtx = apd.BaseContext.WithPrecision(40)

// entry is one cached quote, keyed by (minBuy, maxBuy).
type entry struct {
	offer     common.ExchangeRate
	min, max  float64
	expiresAt time.Time
}

// Cache is the quote cache of spec.md §4.7. Quotes are immutable once
// computed, so concurrent callers within the same TTL window share the
// identical result without recomputing (spec.md §8's quote-cache property).
type Cache struct {
	rate  RateSource
	bal   BalanceSource
	rsrvd ReservationSource

	mu      sync.Mutex
	entries map[cacheKey]*entry
}

type cacheKey struct {
	min, max float64
}

// NewCache constructs a quote Cache over the given rate/balance/reservation sources.
func NewCache(rate RateSource, bal BalanceSource, reserved ReservationSource) *Cache {
	return &Cache{
		rate:    rate,
		bal:     bal,
		rsrvd:   reserved,
		entries: make(map[cacheKey]*entry),
	}
}

// Get returns the quote for [minBuy, maxBuy], computing and caching it if
// there is no unexpired entry yet, per the five steps of spec.md §4.7.
func (c *Cache) Get(minBuy, maxBuy float64) (common.ExchangeRate, float64, float64, error) {
	key := cacheKey{min: minBuy, max: maxBuy}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Now().Before(e.expiresAt) {
		c.mu.Unlock()
		return e.offer, e.min, e.max, nil
	}
	c.mu.Unlock()

	rate, min, max, err := c.compute(minBuy, maxBuy)
	if err != nil {
		return 0, 0, 0, err
	}

	c.mu.Lock()
	c.entries[key] = &entry{offer: rate, min: min, max: max, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	return rate, min, max, nil
}

func (c *Cache) compute(minBuy, maxBuy float64) (common.ExchangeRate, float64, float64, error) {
	ask, spread, err := c.rate.LatestRate()
	if err != nil {
		return 0, 0, 0, err
	}

	askPrice := new(apd.Decimal)
	one := apd.New(1, 0)
	onePlusSpread := new(apd.Decimal)
	if _, err := decCtx.Add(onePlusSpread, one, spread); err != nil {
		return 0, 0, 0, err
	}
	if _, err := decCtx.Mul(askPrice, ask, onePlusSpread); err != nil {
		return 0, 0, 0, err
	}

	rateFloat, err := askPrice.Float64()
	if err != nil {
		return 0, 0, 0, err
	}
	rate := common.ExchangeRate(rateFloat)

	balance, err := c.bal.UnlockedBalance()
	if err != nil {
		return 0, 0, 0, err
	}

	reserved := common.MoneroAmount(0)
	if c.rsrvd != nil {
		reserved = c.rsrvd()
	}
	available := balance
	if reserved < balance {
		available = balance - reserved
	} else {
		available = 0
	}

	maxBTC := rate.ToBitcoin(available.AsMonero())
	clampedMax := maxBTC
	if clampedMax > maxBuy {
		clampedMax = maxBuy
	}

	if clampedMax < minBuy {
		// Zero quote: "do not swap" (spec.md §4.7 step 5).
		return rate, 0, 0, nil
	}

	return rate, minBuy, clampedMax, nil
}
