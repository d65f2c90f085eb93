package xmrtaker

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/net/message"
	"github.com/noot/xmrswap/protocol/backend"
	pswap "github.com/noot/xmrswap/protocol/swap"
)

var log = logging.Logger("xmrtaker")

var (
	errNoActiveSwapWithPeer = errors.New("xmrtaker: no swap with this peer is waiting for a transfer proof")
	errSwapSetupFailed      = errors.New("xmrtaker: seller rejected or failed the swap-setup handshake")
)

// Instance implements the functionality needed by a user who holds BTC and
// wishes to swap for XMR: it opens swap-setup streams against an offer a
// seller made, drives its own half of the handshake, and owns the per-swap
// state machines spawned once that handshake completes.
type Instance struct {
	backend  backend.Backend
	basepath string

	swapMu       sync.Mutex
	swapStates   map[types.SwapID]*swapState
	waitingProof map[peer.ID]*swapState
}

// Config contains the configuration values for a new XMRTaker instance.
type Config struct {
	Backend  backend.Backend
	Basepath string
}

// NewInstance returns a new *xmrtaker.Instance and registers it as the
// net.Host's handler for inbound transfer-proof messages.
func NewInstance(cfg *Config) (*Instance, error) {
	inst := &Instance{
		backend:      cfg.Backend,
		basepath:     cfg.Basepath,
		swapStates:   make(map[types.SwapID]*swapState),
		waitingProof: make(map[peer.ID]*swapState),
	}

	host := cfg.Backend.Net()
	if host != nil {
		host.SetTransferProofHandler(inst.handleTransferProofStream)
	}

	return inst, nil
}

// GetOngoingSwap returns the persisted record of an in-progress swap, if any.
func (inst *Instance) GetOngoingSwap(id types.SwapID) (*pswap.Info, bool) {
	inst.swapMu.Lock()
	defer inst.swapMu.Unlock()
	s, ok := inst.swapStates[id]
	if !ok {
		return nil, false
	}
	return s.Info(), true
}

// IsActive reports whether id is currently owned by a live swapState
// goroutine in this process (see xmrmaker.Instance.IsActive).
func (inst *Instance) IsActive(id types.SwapID) bool {
	inst.swapMu.Lock()
	s, ok := inst.swapStates[id]
	inst.swapMu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}

// InitiateSwap drives the buyer's half of the swap-setup handshake of
// spec.md §4.3/§4.4 against a seller's previously-quoted offer: it opens a
// swap-setup stream, exchanges key shares and DLEQ proofs, builds and signs
// tx_lock (learning its final, pre-broadcast txid), exchanges tx_cancel/
// tx_early_refund signatures against that txid, then hands the swap off to
// its own goroutine and returns the new swap's ID. receivePool is the set of
// Monero addresses (and their split) the redeemed output is swept to,
// per spec.md §3; a nil/empty pool sweeps everything to the buyer's own
// wallet's main address, the pre-receive-pool default behavior.
func (inst *Instance) InitiateSwap(
	ctx context.Context,
	counterparty peer.ID,
	offer *types.Offer,
	providedAmount common.BitcoinAmount,
	approve bitcoin.ApprovalFunc,
	receivePool types.ReceivePool,
) (types.SwapID, error) {
	s, err := newSwapState(inst.backend, inst, counterparty, offer, providedAmount)
	if err != nil {
		return types.SwapID{}, err
	}
	s.receivePool = receivePool
	if err := s.generateAndSetKeys(); err != nil {
		return types.SwapID{}, err
	}

	ourSetup, err := s.ourSwapSetupMessage()
	if err != nil {
		return types.SwapID{}, err
	}

	stream, err := inst.backend.Net().OpenSwapSetup(ctx, counterparty)
	if err != nil {
		return types.SwapID{}, err
	}
	defer stream.Close() //nolint:errcheck

	if err := stream.WriteMessage(ourSetup); err != nil {
		return types.SwapID{}, err
	}
	m, err := stream.ReadMessage()
	if err != nil {
		return types.SwapID{}, err
	}
	sellerSetup, ok := m.(*message.SwapSetup)
	if !ok {
		return types.SwapID{}, errSwapSetupFailed
	}
	if err := s.setCounterpartyKeys(sellerSetup); err != nil {
		return types.SwapID{}, err
	}

	if err := s.buildAndSignLockTx(approve); err != nil {
		return types.SwapID{}, err
	}
	if err := s.buildAndSignCancelAndEarlyRefund(); err != nil {
		return types.SwapID{}, err
	}

	if err := stream.WriteMessage(s.ourSwapSetupSignatures()); err != nil {
		return types.SwapID{}, err
	}
	sigsMsg, err := stream.ReadMessage()
	if err != nil {
		return types.SwapID{}, err
	}
	sellerSigs, ok := sigsMsg.(*message.SwapSetupSignatures)
	if !ok {
		return types.SwapID{}, errSwapSetupFailed
	}
	if err := s.handleSwapSetupSignatures(sellerSigs); err != nil {
		return types.SwapID{}, err
	}

	inst.swapMu.Lock()
	inst.swapStates[s.info.SwapID] = s
	inst.waitingProof[counterparty] = s
	inst.swapMu.Unlock()

	go s.run()

	return s.info.SwapID, nil
}

// Resume reconstructs a previously in-progress swap from its persisted Info
// and ResumeState and hands it back to protocol/coordinator, for
// protocol/watcher to call on a swap its own process crashed mid-way
// through. If the swap was waiting on a TransferProof, it re-registers the
// swap against its counterparty so a proof arriving after resume is still
// routed to it.
func (inst *Instance) Resume(info *pswap.Info) error {
	s, err := resumeSwapState(inst.backend, inst, info)
	if err != nil {
		return err
	}

	inst.swapMu.Lock()
	inst.swapStates[s.info.SwapID] = s
	if s.stage == StageBTCLocked {
		inst.waitingProof[s.counterparty] = s
	}
	inst.swapMu.Unlock()

	go s.run()
	return nil
}

// handleTransferProofStream dispatches an inbound TransferProof to the swap
// most recently registered as awaiting one from that peer. The wire
// protocol carries no swap ID on this message, so (as with the rest of
// spec.md §4.5's sub-protocols) at most one swap per counterparty may be
// awaiting a proof at a time. The entry is kept after the first proof, so a
// re-sent proof reaches the same swap and is ACKed again.
func (inst *Instance) handleTransferProofStream(_ context.Context, peerID peer.ID, m *message.TransferProof) bool {
	inst.swapMu.Lock()
	s, ok := inst.waitingProof[peerID]
	inst.swapMu.Unlock()
	if !ok {
		log.Warnf("xmrtaker: %s: %s", errNoActiveSwapWithPeer, peerID)
		return false
	}
	return s.handleTransferProof(m)
}

var _ net.TransferProofHandler = (*Instance)(nil).handleTransferProofStream
