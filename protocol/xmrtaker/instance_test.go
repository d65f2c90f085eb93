package xmrtaker

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common/types"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	return &Instance{
		swapStates:   make(map[types.SwapID]*swapState),
		waitingProof: make(map[peer.ID]*swapState),
	}
}

func TestInstance_GetOngoingSwap_unknown(t *testing.T) {
	inst := newTestInstance(t)
	_, ok := inst.GetOngoingSwap(types.NewSwapID())
	require.False(t, ok)
}

func TestInstance_handleTransferProofStream_noActiveSwap(t *testing.T) {
	inst := newTestInstance(t)
	accepted := inst.handleTransferProofStream(nil, peer.ID("nobody"), nil)
	require.False(t, accepted)
}
