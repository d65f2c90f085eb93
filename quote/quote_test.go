package quote

import (
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common"
)

type fixedBalance common.MoneroAmount

func (b fixedBalance) UnlockedBalance() (common.MoneroAmount, error) {
	return common.MoneroAmount(b), nil
}

func TestCache_Get_clampsToBalance(t *testing.T) {
	rate := NewFixedRateSource(apd.New(2, -2), apd.New(0, 0)) // 0.02 BTC/XMR, no spread
	bal := fixedBalance(common.MoneroToPiconero(1))           // 1 XMR available
	c := NewCache(rate, bal, nil)

	exchangeRate, min, max, err := c.Get(0.001, 100)
	require.NoError(t, err)
	require.InDelta(t, 0.02, float64(exchangeRate), 0.0001)
	require.Equal(t, 0.001, min)
	require.InDelta(t, 0.02, max, 0.0001) // clamped to the 1 XMR balance's BTC value
}

func TestCache_Get_zeroQuoteBelowMinimum(t *testing.T) {
	rate := NewFixedRateSource(apd.New(2, -2), apd.New(0, 0))
	bal := fixedBalance(0)
	c := NewCache(rate, bal, nil)

	_, min, max, err := c.Get(1, 100)
	require.NoError(t, err)
	require.Zero(t, min)
	require.Zero(t, max)
}

func TestCache_Get_cachesWithinTTL(t *testing.T) {
	rate := NewFixedRateSource(apd.New(2, -2), apd.New(0, 0))
	bal := fixedBalance(common.MoneroToPiconero(10))
	c := NewCache(rate, bal, nil)

	_, _, max1, err := c.Get(0.001, 100)
	require.NoError(t, err)

	rate.SetRate(apd.New(5, -2), apd.New(0, 0)) // change underlying rate
	_, _, max2, err := c.Get(0.001, 100)
	require.NoError(t, err)

	require.Equal(t, max1, max2) // cached entry, not recomputed from the new rate
}

func TestCache_Get_reservationReducesAvailable(t *testing.T) {
	rate := NewFixedRateSource(apd.New(1, 0), apd.New(0, 0)) // 1 BTC/XMR
	bal := fixedBalance(common.MoneroToPiconero(10))
	reserved := func() common.MoneroAmount { return common.MoneroToPiconero(10) }
	c := NewCache(rate, bal, reserved)

	_, min, max, err := c.Get(0.001, 100)
	require.NoError(t, err)
	require.Zero(t, min)
	require.Zero(t, max)
}
