package xmrmaker

import (
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common/types"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	return &Instance{
		offers:     make(map[types.SwapID]*types.Offer),
		swapStates: make(map[types.SwapID]*swapState),
	}
}

func TestInstance_MakeOfferAndGetOffers(t *testing.T) {
	inst := newTestInstance(t)
	require.Empty(t, inst.GetOffers())

	offer := types.NewOffer(0.1, 1.0, apd.New(15, 0))
	inst.MakeOffer(offer)

	offers := inst.GetOffers()
	require.Len(t, offers, 1)
	require.Equal(t, offer.ID, offers[0].ID)

	got, ok := inst.getOffer(offer.ID)
	require.True(t, ok)
	require.Equal(t, offer, got)
}

func TestInstance_getOffer_unknown(t *testing.T) {
	inst := newTestInstance(t)
	_, ok := inst.getOffer(types.NewSwapID())
	require.False(t, ok)
}

func TestInstance_GetOngoingSwap_unknown(t *testing.T) {
	inst := newTestInstance(t)
	_, ok := inst.GetOngoingSwap(types.NewSwapID())
	require.False(t, ok)
}
