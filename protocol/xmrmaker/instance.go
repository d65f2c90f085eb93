package xmrmaker

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/uuid"
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

var log = logging.Logger("xmrmaker")

var errOfferIDMismatch = errors.New("xmrmaker: SwapSetup OfferID does not match any offer this seller made")

// Instance implements the functionality needed by a user who holds XMR and
// wishes to swap for BTC: it answers inbound swap-setup streams, tracks
// offers it has made, and owns the per-swap state machines spawned once a
// swap-setup handshake completes.
type Instance struct {
	backend backend.Backend

	offerMu sync.Mutex
	offers  map[types.SwapID]*types.Offer

	swapMu     sync.Mutex
	swapStates map[types.SwapID]*swapState
}

// Config contains the configuration values for a new XMRMaker instance.
type Config struct {
	Backend backend.Backend
}

// NewInstance returns a new *xmrmaker.Instance and registers it as the
// net.Host's handler for inbound swap-setup streams, encrypted signatures,
// and cooperative-redeem requests (spec.md §4.5). The quote handler is
// registered by the daemon, not here.
func NewInstance(cfg *Config) (*Instance, error) {
	inst := &Instance{
		backend:    cfg.Backend,
		offers:     make(map[types.SwapID]*types.Offer),
		swapStates: make(map[types.SwapID]*swapState),
	}

	host := cfg.Backend.Net()
	if host != nil {
		host.SetSwapSetupHandler(inst.handleSwapSetupStream)
		host.SetEncryptedSignatureHandler(inst.handleEncryptedSignatureStream)
		host.SetCooperativeRedeemHandler(inst.handleCooperativeRedeemStream)
	}

	return inst, nil
}

// MakeOffer registers offer as one this seller will accept swap-setup
// requests against, per spec.md §4.1/§4.7.
func (inst *Instance) MakeOffer(offer *types.Offer) {
	inst.offerMu.Lock()
	defer inst.offerMu.Unlock()
	inst.offers[offer.ID] = offer
}

// GetOffers returns every offer currently open.
func (inst *Instance) GetOffers() []*types.Offer {
	inst.offerMu.Lock()
	defer inst.offerMu.Unlock()
	offers := make([]*types.Offer, 0, len(inst.offers))
	for _, o := range inst.offers {
		offers = append(offers, o)
	}
	return offers
}

func (inst *Instance) getOffer(id types.SwapID) (*types.Offer, bool) {
	inst.offerMu.Lock()
	defer inst.offerMu.Unlock()
	o, ok := inst.offers[id]
	return o, ok
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
// goroutine in this process. A swap.Manager-ongoing swap this returns false
// for is one protocol/watcher attempts to resume: its goroutine either never
// existed (a restarted process) or has already exited.
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

// Resume reconstructs a previously in-progress swap from its persisted Info
// and ResumeState and hands it back to protocol/coordinator, for
// protocol/watcher to call on a swap its own process crashed mid-way
// through. It is a no-op error (rather than a panic or a half-registered
// swapState) if info was never persisted by this role or predates
// ResumeState.
func (inst *Instance) Resume(info *pswap.Info) error {
	s, err := resumeSwapState(inst.backend, inst, info)
	if err != nil {
		return err
	}

	inst.swapMu.Lock()
	inst.swapStates[s.info.SwapID] = s
	inst.swapMu.Unlock()

	go s.run()
	return nil
}

// handleSwapSetupStream drives the seller's half of the swap-setup
// handshake of spec.md §4.3: read the buyer's SwapSetup, match it to an open
// offer, reply with this side's key shares, exchange tx_cancel/tx_early_refund
// signatures, then hand the swap off to its own goroutine and return.
func (inst *Instance) handleSwapSetupStream(ctx context.Context, peerID peer.ID, stream net.Stream) {
	defer stream.Close() //nolint:errcheck

	m, err := stream.ReadMessage()
	if err != nil {
		log.Warnf("xmrmaker: failed to read SwapSetup: %s", err)
		return
	}
	buyerSetup, ok := m.(*message.SwapSetup)
	if !ok {
		log.Warnf("xmrmaker: expected SwapSetup, got %T", m)
		return
	}

	offerID, err := uuid.Parse(buyerSetup.OfferID)
	if err != nil {
		log.Warnf("xmrmaker: malformed OfferID %q: %s", buyerSetup.OfferID, err)
		return
	}
	offer, ok := inst.getOffer(offerID)
	if !ok {
		log.Warnf("xmrmaker: %s: %s", errOfferIDMismatch, buyerSetup.OfferID)
		return
	}

	s, err := newSwapState(inst.backend, inst, peerID, offer, common.BitcoinToSat(buyerSetup.ProvidedAmount))
	if err != nil {
		log.Warnf("xmrmaker: failed to create swap state: %s", err)
		return
	}

	if err := s.generateAndSetKeys(); err != nil {
		log.Warnf("xmrmaker: failed to generate keys: %s", err)
		return
	}
	if err := s.setCounterpartyKeys(buyerSetup); err != nil {
		log.Warnf("xmrmaker: %s", err)
		return
	}

	ourSetup, err := s.ourSwapSetupMessage()
	if err != nil {
		log.Warnf("xmrmaker: failed to build SwapSetup reply: %s", err)
		return
	}
	if err := stream.WriteMessage(ourSetup); err != nil {
		log.Warnf("xmrmaker: failed to send SwapSetup reply: %s", err)
		return
	}

	sigsMsg, err := stream.ReadMessage()
	if err != nil {
		log.Warnf("xmrmaker: failed to read SwapSetupSignatures: %s", err)
		return
	}
	buyerSigs, ok := sigsMsg.(*message.SwapSetupSignatures)
	if !ok {
		log.Warnf("xmrmaker: expected SwapSetupSignatures, got %T", sigsMsg)
		return
	}

	lockTxHash, err := hex.DecodeString(buyerSigs.LockTxHash)
	if err != nil || len(lockTxHash) != 32 {
		log.Warnf("xmrmaker: malformed LockTxHash in SwapSetupSignatures")
		return
	}
	buyerRefundScript, err := hex.DecodeString(buyerSigs.BuyerRefundScript)
	if err != nil {
		log.Warnf("xmrmaker: malformed BuyerRefundScript in SwapSetupSignatures")
		return
	}
	var lockPoint bitcoin.OutPoint
	copy(lockPoint.Hash[:], lockTxHash)
	if err := s.buildAndSignCancelAndEarlyRefund(lockPoint, common.BitcoinAmount(buyerSigs.LockAmount), buyerRefundScript); err != nil {
		log.Warnf("xmrmaker: failed to build tx_cancel/tx_early_refund: %s", err)
		return
	}

	if err := s.handleSwapSetupSignatures(buyerSigs); err != nil {
		log.Warnf("xmrmaker: failed to record buyer signatures: %s", err)
		return
	}
	if err := stream.WriteMessage(s.ourSwapSetupSignatures()); err != nil {
		log.Warnf("xmrmaker: failed to send our signatures: %s", err)
		return
	}

	inst.swapMu.Lock()
	inst.swapStates[s.info.SwapID] = s
	inst.swapMu.Unlock()

	go s.run()
}

// handleEncryptedSignatureStream dispatches an inbound EncryptedSignature to
// the matching in-progress swapState, if any.
func (inst *Instance) handleEncryptedSignatureStream(_ context.Context, _ peer.ID, m *message.EncryptedSignature) bool {
	id, err := uuid.Parse(m.SwapID)
	if err != nil {
		return false
	}
	inst.swapMu.Lock()
	s, ok := inst.swapStates[id]
	inst.swapMu.Unlock()
	if !ok {
		return false
	}
	s.handleEncryptedSignature(m)
	return true
}

// handleCooperativeRedeemStream dispatches an inbound CooperativeRedeem
// request to the matching swapState, rejecting it if the swap is unknown.
func (inst *Instance) handleCooperativeRedeemStream(
	_ context.Context,
	peerID peer.ID,
	req *message.CooperativeRedeem,
) *message.CooperativeRedeemResponse {
	id, err := uuid.Parse(req.SwapID)
	if err != nil {
		return &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectUnknownSwap}
	}
	inst.swapMu.Lock()
	s, ok := inst.swapStates[id]
	inst.swapMu.Unlock()
	if !ok {
		return &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectUnknownSwap}
	}
	return s.handleCooperativeRedeem(peerID, req)
}
