// Package xmrmaker implements the seller side of a swap: the party that
// holds XMR and wants BTC. Grounded on noot-atomic-swap/protocol/bob's
// swap_state.go (mutex-guarded session struct, ProtocolExited recovery hook,
// per-swap key material held in memory and persisted via the swap manager)
// and bingcicle-atomic-swap/protocol/xmrmaker's event-channel-driven
// transition style; the Ethereum contract calls that repo drove lockFunds/
// claimFunds/reclaimMonero with are replaced by the Bitcoin transaction
// chain (bitcoin package) and the cross-curve adaptor signature scheme
// (crypto/adaptor, crypto/dleq) spec.md §3/§4.3 describe.
package xmrmaker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	"github.com/noot/xmrswap/crypto/adaptor"
	"github.com/noot/xmrswap/crypto/dleq"
	mcrypto "github.com/noot/xmrswap/crypto/monero"
	"github.com/noot/xmrswap/crypto/secp256k1"
	"github.com/noot/xmrswap/db"
	"github.com/noot/xmrswap/monero"
	"github.com/noot/xmrswap/net"
	"github.com/noot/xmrswap/net/message"
	"github.com/noot/xmrswap/protocol/coordinator"
	pswap "github.com/noot/xmrswap/protocol/swap"
	"github.com/noot/xmrswap/timelock"
)

var (
	errOfferNotFound         = errors.New("xmrmaker: no offer with that ID")
	errAmountOutOfRange      = errors.New("xmrmaker: provided amount outside offer's [min, max]")
	errUnexpectedMessageType = errors.New("xmrmaker: unexpected message type")
	errInvalidDLEqProof      = errors.New("xmrmaker: buyer's DLEQ proof does not verify")
	errEncSigInvalid         = errors.New("xmrmaker: buyer's encrypted signature does not verify")
	errCannotResumeSwap      = errors.New("xmrmaker: swap has no resumable state")
)

// swapState tracks one in-progress swap from the seller's side. Every state
// transition is followed by a persist call before the next blocking
// wait, per spec.md §9's persist-before-yield discipline.
type swapState struct {
	backend backendHooks
	inst    *Instance

	ctx    context.Context
	cancel context.CancelFunc

	sync.Mutex
	info         *pswap.Info
	offer        *types.Offer
	counterparty peer.ID

	secp256k1Priv *secp256k1.PrivateKey
	spendKeyShare *mcrypto.PrivateSpendKey
	viewKeyShare  *mcrypto.PrivateViewKey

	buyerSecp256k1Pub  *secp256k1.PublicKey
	buyerSpendKeyShare *mcrypto.PublicKey
	buyerViewKeyShare  *mcrypto.PrivateViewKey

	jointSpendKey *mcrypto.PublicKey
	jointViewKey  *mcrypto.PrivateViewKey

	lockAmount   common.BitcoinAmount
	lockScript   []byte
	lockPoint    bitcoin.OutPoint

	cancelTx       *bitcoin.CancelTx
	cancelOutPoint bitcoin.OutPoint

	sellerCancelSig      []byte
	buyerCancelSig       []byte
	sellerEarlyRefundSig []byte
	buyerEarlyRefundSig  []byte

	buyerRedeemSig []byte
	encSig         *adaptor.Signature

	refundEncSig *adaptor.Signature // this side's pre-signature over tx_refund, encrypted under the buyer's point
	refundTxHash chainhash.Hash     // deterministic once cancelOutPoint and the buyer's refund script are known

	xmrTxHash string

	encSigCh chan *message.EncryptedSignature

	stage Stage
}

// backendHooks is the subset of backend.Backend this package calls, named
// separately so tests can stub just what a given scenario needs.
type backendHooks interface {
	Ctx() context.Context
	Config() *common.Config
	Bitcoin() bitcoin.Wallet
	Monero() monero.Client
	Net() *net.Host
	DB() db.Database
	SwapManager() pswap.Manager
}

// newSwapState constructs a swapState for a freshly-accepted offer and
// registers it with the swap manager, per spec.md §4.3's StageKeysExchanged
// entry point.
func newSwapState(
	b backendHooks,
	inst *Instance,
	counterparty peer.ID,
	offer *types.Offer,
	providedAmount common.BitcoinAmount,
) (*swapState, error) {
	rate, _ := offer.ExchangeRate.Float64()
	expectedXMR := common.ExchangeRate(rate).ToMonero(providedAmount.AsBitcoin())
	if providedAmount.AsBitcoin() < offer.MinAmount*rate || providedAmount.AsBitcoin() > offer.MaxAmount*rate {
		return nil, errAmountOutOfRange
	}

	info := &pswap.Info{
		SwapID:             types.NewSwapID(),
		OfferID:            offer.ID,
		Status:             types.Ongoing,
		ProvidedAmount:     providedAmount,
		ExpectedAmount:     common.MoneroToPiconero(expectedXMR),
		ExchangeRate:       common.ExchangeRate(rate),
		StartTime:          time.Now(),
		CounterpartyPeerID: counterparty.String(),
	}
	if err := b.SwapManager().AddSwap(info); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(b.Ctx())
	s := &swapState{
		backend:      b,
		inst:         inst,
		ctx:          ctx,
		cancel:       cancel,
		info:         info,
		offer:        offer,
		counterparty: counterparty,
		encSigCh:     make(chan *message.EncryptedSignature, 1),
		stage:        StageKeysExchanged,
	}
	return s, nil
}

// generateAndSetKeys samples this side's DLEQ-linked secp256k1/ed25519 key
// share and its own Monero view key share.
func (s *swapState) generateAndSetKeys() error {
	x, secpPub, edPub, proof, err := dleq.GenerateKeysAndProof()
	if err != nil {
		return err
	}
	_ = secpPub
	_ = edPub
	_ = proof

	priv, err := secp256k1.NewPrivateKeyFromBytes(x[:])
	if err != nil {
		return err
	}
	spendShare, err := mcrypto.NewPrivateSpendKeyFromCanonicalBytes(x[:])
	if err != nil {
		return err
	}
	viewShare, err := spendShare.View()
	if err != nil {
		return err
	}

	s.secp256k1Priv = priv
	s.spendKeyShare = spendShare
	s.viewKeyShare = viewShare
	return nil
}

// ourSwapSetupMessage builds the SwapSetup reply this side sends the other,
// re-deriving the DLEQ proof over the already-generated key share.
func (s *swapState) ourSwapSetupMessage() (*message.SwapSetup, error) {
	proof, err := dleq.Prove(s.spendKeyShare.Bytes(), s.secp256k1Priv.Public(), edwards25519PointOf(s.spendKeyShare.Public()))
	if err != nil {
		return nil, err
	}
	return &message.SwapSetup{
		OfferID:             s.offer.ID.String(),
		ProvidedAmount:      s.info.ProvidedAmount.AsBitcoin(),
		PublicSpendKeyShare: s.spendKeyShare.Public().Hex(),
		PrivateViewKeyShare: hex.EncodeToString(viewKeyBytes(s.viewKeyShare)),
		Secp256k1PublicKey:  hex.EncodeToString(s.secp256k1Priv.Public().Compressed()),
		DLEqProof:           hex.EncodeToString(proof.Encode()),
	}, nil
}

// setCounterpartyKeys verifies the buyer's DLEQ proof and records its key
// shares, computing the joint spend/view keys.
func (s *swapState) setCounterpartyKeys(m *message.SwapSetup) error {
	secpBytes, err := hex.DecodeString(m.Secp256k1PublicKey)
	if err != nil {
		return err
	}
	secpPub, err := secp256k1.ParsePublicKey(secpBytes)
	if err != nil {
		return err
	}

	spendBytes, err := hex.DecodeString(m.PublicSpendKeyShare)
	if err != nil {
		return err
	}
	spendPub, err := mcrypto.PublicKeyFromBytes(spendBytes)
	if err != nil {
		return err
	}

	proofBytes, err := hex.DecodeString(m.DLEqProof)
	if err != nil {
		return err
	}
	proof, err := dleq.NewProofWithoutSecret(proofBytes)
	if err != nil {
		return err
	}
	if err := dleq.Verify(proof, secpPub, edwards25519PointOf(spendPub)); err != nil {
		return fmt.Errorf("%w: %s", errInvalidDLEqProof, err)
	}

	viewBytes, err := hex.DecodeString(m.PrivateViewKeyShare)
	if err != nil {
		return err
	}
	buyerView, err := mcrypto.NewPrivateViewKeyFromCanonicalBytes(viewBytes)
	if err != nil {
		return err
	}

	s.buyerSecp256k1Pub = secpPub
	s.buyerSpendKeyShare = spendPub
	s.buyerViewKeyShare = buyerView

	s.jointSpendKey = mcrypto.SumPublicKeys(s.spendKeyShare.Public(), s.buyerSpendKeyShare)
	s.jointViewKey = mcrypto.SumPrivateViewKeys(s.viewKeyShare, s.buyerViewKeyShare)

	lockScript, _, err := bitcoin.LockPkScript(s.buyerSecp256k1Pub, s.secp256k1Priv.Public())
	if err != nil {
		return err
	}
	s.lockScript = lockScript
	return nil
}

// buildAndSignCancelAndEarlyRefund builds tx_cancel and tx_early_refund
// against the expected tx_lock outpoint and produces this side's signature
// over each, to be exchanged via SwapSetupSignatures before tx_lock is
// broadcast (spec.md §4.3's "key and signature exchange" step). It also
// builds tx_refund against tx_cancel's (deterministic, pre-broadcast) txid
// and produces this side's half of its 2-of-2 as an adaptor pre-signature
// encrypted under the buyer's point, so the buyer can complete and broadcast
// tx_refund unilaterally later while leaving this side able to recover the
// buyer's Monero key share from the completed signature.
func (s *swapState) buildAndSignCancelAndEarlyRefund(lockPoint bitcoin.OutPoint, lockAmount common.BitcoinAmount, buyerRefundScript []byte) error {
	cfg := s.backend.Config()
	cancelTx, err := bitcoin.BuildCancelTx(
		lockPoint, lockAmount,
		cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock,
		s.buyerSecp256k1Pub, s.secp256k1Priv.Public(),
		0,
	)
	if err != nil {
		return err
	}
	s.cancelTx = cancelTx
	s.lockPoint = lockPoint
	s.lockAmount = lockAmount

	hash, err := bitcoin.WitnessSigHash(cancelTx.Tx, 0, s.lockScript, lockAmount)
	if err != nil {
		return err
	}
	sig, err := signDER(s.secp256k1Priv, hash)
	if err != nil {
		return err
	}
	s.sellerCancelSig = sig

	earlyTx, _, err := bitcoin.BuildEarlyRefundTx(lockPoint, lockAmount, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(), buyerRefundScript, 0)
	if err != nil {
		return err
	}
	earlyHash, err := bitcoin.WitnessSigHash(earlyTx, 0, s.lockScript, lockAmount)
	if err != nil {
		return err
	}
	earlySig, err := signDER(s.secp256k1Priv, earlyHash)
	if err != nil {
		return err
	}
	s.sellerEarlyRefundSig = earlySig

	cancelOutPoint := bitcoin.OutPoint{Hash: cancelTx.Tx.TxHash(), Index: 0}
	s.cancelOutPoint = cancelOutPoint
	refundTx, refundRedeemScript, err := bitcoin.BuildRefundTx(
		cancelOutPoint, lockAmount, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(),
		cfg.BitcoinPunishTimelock, buyerRefundScript, 0,
	)
	if err != nil {
		return err
	}
	s.refundTxHash = refundTx.TxHash()
	refundHash, err := bitcoin.WitnessSigHashTx(refundTx, refundRedeemScript, lockAmount)
	if err != nil {
		return err
	}
	refundEncSig, err := adaptor.EncSign(s.secp256k1Priv, s.buyerSecp256k1Pub, refundHash)
	if err != nil {
		return err
	}
	s.refundEncSig = refundEncSig
	return nil
}

// handleSwapSetupSignatures records the buyer's signatures once received,
// after checking each verifies against the tx_cancel/tx_early_refund this
// side just built from the same LockTxHash/LockAmount/BuyerRefundScript.
func (s *swapState) handleSwapSetupSignatures(m *message.SwapSetupSignatures) error {
	cancelSig, err := hex.DecodeString(m.CancelSig)
	if err != nil {
		return err
	}
	earlySig, err := hex.DecodeString(m.EarlyRefundSig)
	if err != nil {
		return err
	}

	cancelHash, err := bitcoin.WitnessSigHash(s.cancelTx.Tx, 0, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	if err := secp256k1.Verify(s.buyerSecp256k1Pub, cancelHash, cancelSig); err != nil {
		return fmt.Errorf("xmrmaker: buyer's tx_cancel signature: %w", err)
	}

	earlyTx, _, err := bitcoin.BuildEarlyRefundTx(s.lockPoint, s.lockAmount, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(), earlyRefundScriptOf(m), 0)
	if err != nil {
		return err
	}
	earlyHash, err := bitcoin.WitnessSigHash(earlyTx, 0, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	if err := secp256k1.Verify(s.buyerSecp256k1Pub, earlyHash, earlySig); err != nil {
		return fmt.Errorf("xmrmaker: buyer's tx_early_refund signature: %w", err)
	}

	s.buyerCancelSig = cancelSig
	s.buyerEarlyRefundSig = earlySig
	return nil
}

// earlyRefundScriptOf decodes the buyer's refund payout script carried on
// the SwapSetupSignatures message, the same bytes buildAndSignCancelAndEarlyRefund
// already consumed to build its own copy of tx_early_refund.
func earlyRefundScriptOf(m *message.SwapSetupSignatures) []byte {
	b, _ := hex.DecodeString(m.BuyerRefundScript)
	return b
}

// ourSwapSetupSignatures returns the message carrying this side's signatures.
func (s *swapState) ourSwapSetupSignatures() *message.SwapSetupSignatures {
	return &message.SwapSetupSignatures{
		OfferID:        s.offer.ID.String(),
		CancelSig:      hex.EncodeToString(s.sellerCancelSig),
		EarlyRefundSig: hex.EncodeToString(s.sellerEarlyRefundSig),
		RefundEncSig:   hex.EncodeToString(s.refundEncSig.Encode()),
	}
}

// persist writes this swap's current Info, including its Stage and the
// resumable snapshot of its in-memory key material, to the database. The
// coordinator calls this after every successful step (run_until_completed,
// spec.md §4.8) until Stage.isTerminal().
func (s *swapState) persist() error {
	s.info.Stage = s.stage.String()
	s.info.Resume = s.snapshotResumeState()
	return s.backend.DB().PutSwap(s.info)
}

// snapshotResumeState captures everything Resume needs to rebuild this
// swapState in a fresh process: this side's key shares, the buyer's learned
// key shares, and the lock/cancel/refund transcript built so far.
func (s *swapState) snapshotResumeState() *pswap.ResumeState {
	r := &pswap.ResumeState{
		Role:             "maker",
		Secp256k1PrivHex: hex.EncodeToString(sliceOf(s.secp256k1Priv.Bytes())),
		SpendKeyShareHex: hex.EncodeToString(sliceOf(s.spendKeyShare.Bytes())),
		ViewKeyShareHex:  hex.EncodeToString(sliceOf(s.viewKeyShare.Bytes())),
	}
	if s.buyerSecp256k1Pub != nil {
		r.CounterpartySecp256k1PubHex = hex.EncodeToString(s.buyerSecp256k1Pub.Compressed())
	}
	if s.buyerSpendKeyShare != nil {
		r.CounterpartySpendKeyShareHex = hex.EncodeToString(sliceOf(s.buyerSpendKeyShare.Bytes()))
	}
	if s.buyerViewKeyShare != nil {
		r.CounterpartyViewKeyShareHex = hex.EncodeToString(sliceOf(s.buyerViewKeyShare.Bytes()))
	}
	r.LockAmount = uint64(s.lockAmount)
	r.LockScriptHex = hex.EncodeToString(s.lockScript)
	r.LockTxHashHex = hex.EncodeToString(s.lockPoint.Hash[:])
	r.LockIndex = s.lockPoint.Index

	if s.cancelTx != nil {
		r.CancelTxHex = encodeTx(s.cancelTx.Tx)
		r.CancelRedeemScriptHex = hex.EncodeToString(s.cancelTx.RedeemScript)
	}
	r.CancelOutPointHashHex = hex.EncodeToString(s.cancelOutPoint.Hash[:])
	r.CancelOutPointIndex = s.cancelOutPoint.Index

	r.SellerCancelSigHex = hex.EncodeToString(s.sellerCancelSig)
	r.BuyerCancelSigHex = hex.EncodeToString(s.buyerCancelSig)
	r.SellerEarlyRefundSigHex = hex.EncodeToString(s.sellerEarlyRefundSig)
	r.BuyerEarlyRefundSigHex = hex.EncodeToString(s.buyerEarlyRefundSig)

	r.BuyerRedeemSigHex = hex.EncodeToString(s.buyerRedeemSig)
	if s.encSig != nil {
		r.EncSigHex = hex.EncodeToString(s.encSig.Encode())
	}
	if s.refundEncSig != nil {
		r.RefundEncSigHex = hex.EncodeToString(s.refundEncSig.Encode())
	}
	r.RefundTxHashHex = hex.EncodeToString(s.refundTxHash[:])
	r.XMRTxHash = s.xmrTxHash
	return r
}

// sliceOf converts the [32]byte key-byte arrays every key type returns into
// a slice hex.EncodeToString accepts directly.
func sliceOf(b [32]byte) []byte { return b[:] }

// encodeTx serializes tx in wire format for storage in a ResumeState.
func encodeTx(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf.Bytes())
}

// decodeTx is encodeTx's inverse. The version passed to wire.NewMsgTx is a
// placeholder; Deserialize overwrites it from the encoded tx's own header.
func decodeTx(s string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

// resumeSwapState reconstructs a seller's swapState from a previously
// persisted Info and its ResumeState, for Instance.Resume to hand back to
// protocol/coordinator after a restart. It only needs info.OfferID, not the
// original *types.Offer: every later use of swapState.offer happens during
// the swap-setup handshake, which a resumable (post-handshake) swap has
// already completed.
func resumeSwapState(b backendHooks, inst *Instance, info *pswap.Info) (*swapState, error) {
	r := info.Resume
	if r == nil || r.Role != "maker" {
		return nil, errCannotResumeSwap
	}
	offer := &types.Offer{ID: info.OfferID}

	priv, err := secp256k1.NewPrivateKeyFromBytes(mustHex(r.Secp256k1PrivHex))
	if err != nil {
		return nil, err
	}
	spendShare, err := mcrypto.NewPrivateSpendKeyFromCanonicalBytes(mustHex(r.SpendKeyShareHex))
	if err != nil {
		return nil, err
	}
	viewShare, err := mcrypto.NewPrivateViewKeyFromCanonicalBytes(mustHex(r.ViewKeyShareHex))
	if err != nil {
		return nil, err
	}

	counterparty, err := peer.Decode(info.CounterpartyPeerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(b.Ctx())
	s := &swapState{
		backend:       b,
		inst:          inst,
		ctx:           ctx,
		cancel:        cancel,
		info:          info,
		offer:         offer,
		counterparty:  counterparty,
		secp256k1Priv: priv,
		spendKeyShare: spendShare,
		viewKeyShare:  viewShare,
		encSigCh:      make(chan *message.EncryptedSignature, 1),
	}

	stage, ok := ParseStage(info.Stage)
	if !ok {
		return nil, fmt.Errorf("xmrmaker: cannot resume swap %s: unknown stage %q", info.SwapID, info.Stage)
	}
	s.stage = stage

	if r.CounterpartySecp256k1PubHex != "" {
		pub, err := secp256k1.ParsePublicKey(mustHex(r.CounterpartySecp256k1PubHex))
		if err != nil {
			return nil, err
		}
		s.buyerSecp256k1Pub = pub
	}
	if r.CounterpartySpendKeyShareHex != "" {
		pub, err := mcrypto.PublicKeyFromBytes(mustHex(r.CounterpartySpendKeyShareHex))
		if err != nil {
			return nil, err
		}
		s.buyerSpendKeyShare = pub
	}
	if r.CounterpartyViewKeyShareHex != "" {
		view, err := mcrypto.NewPrivateViewKeyFromCanonicalBytes(mustHex(r.CounterpartyViewKeyShareHex))
		if err != nil {
			return nil, err
		}
		s.buyerViewKeyShare = view
	}
	if s.buyerSpendKeyShare != nil {
		s.jointSpendKey = mcrypto.SumPublicKeys(s.spendKeyShare.Public(), s.buyerSpendKeyShare)
	}
	if s.buyerViewKeyShare != nil {
		s.jointViewKey = mcrypto.SumPrivateViewKeys(s.viewKeyShare, s.buyerViewKeyShare)
	}

	s.lockAmount = common.BitcoinAmount(r.LockAmount)
	s.lockScript = mustHex(r.LockScriptHex)
	copy(s.lockPoint.Hash[:], mustHex(r.LockTxHashHex))
	s.lockPoint.Index = r.LockIndex

	if r.CancelTxHex != "" {
		cancelTx, err := decodeTx(r.CancelTxHex)
		if err != nil {
			return nil, err
		}
		s.cancelTx = &bitcoin.CancelTx{Tx: cancelTx, RedeemScript: mustHex(r.CancelRedeemScriptHex)}
	}
	copy(s.cancelOutPoint.Hash[:], mustHex(r.CancelOutPointHashHex))
	s.cancelOutPoint.Index = r.CancelOutPointIndex

	s.sellerCancelSig = mustHex(r.SellerCancelSigHex)
	s.buyerCancelSig = mustHex(r.BuyerCancelSigHex)
	s.sellerEarlyRefundSig = mustHex(r.SellerEarlyRefundSigHex)
	s.buyerEarlyRefundSig = mustHex(r.BuyerEarlyRefundSigHex)
	s.buyerRedeemSig = mustHex(r.BuyerRedeemSigHex)

	if r.EncSigHex != "" {
		encSig, err := adaptor.DecodeSignature(mustHex(r.EncSigHex))
		if err != nil {
			return nil, err
		}
		s.encSig = encSig
	}
	if r.RefundEncSigHex != "" {
		refundEncSig, err := adaptor.DecodeSignature(mustHex(r.RefundEncSigHex))
		if err != nil {
			return nil, err
		}
		s.refundEncSig = refundEncSig
	}
	copy(s.refundTxHash[:], mustHex(r.RefundTxHashHex))
	s.xmrTxHash = r.XMRTxHash

	return s, nil
}

// mustHex decodes s, returning nil on error or an empty string: every
// ResumeState field it's used on is either validated at write time or
// legitimately empty for a swap that hadn't reached that stage yet.
func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// Info exposes this swap's persisted record.
func (s *swapState) Info() *pswap.Info { return s.info }

// Done returns a channel closed once this swapState's run loop has exited,
// for any reason: normal completion, a fatal error, or context
// cancellation (protocol/watcher uses this to tell a still-running swap
// apart from one a crashed-and-restarted process can no longer drive).
func (s *swapState) Done() <-chan struct{} { return s.ctx.Done() }

// handleEncryptedSignature is invoked (possibly many times, idempotently)
// whenever an EncryptedSignature arrives for this swap. Past StageEncSigLearned
// it is a deliberate no-op: the net.Host layer still sends exactly one ACK
// regardless (spec.md §4.3/§8's idempotent-ACK rule), but re-processing the
// payload here would be wasted work at best and a double-redeem race at
// worst.
func (s *swapState) handleEncryptedSignature(m *message.EncryptedSignature) {
	s.Lock()
	already := s.stage >= StageEncSigLearned
	s.Unlock()
	if already {
		return
	}
	select {
	case s.encSigCh <- m:
	default:
	}
}

// run drives the seller through every stage from StageKeysExchanged to a
// terminal stage, or until ctx is cancelled, via protocol/coordinator.
func (s *swapState) run() {
	defer s.cancel()
	coordinator.RunUntilComplete(s.ctx, s)
}

// ID implements coordinator.Stepper.
func (s *swapState) ID() string { return s.info.SwapID.String() }

// CurrentStage implements coordinator.Stepper.
func (s *swapState) CurrentStage() string {
	s.Lock()
	defer s.Unlock()
	return s.stage.String()
}

// IsTerminal implements coordinator.Stepper.
func (s *swapState) IsTerminal() bool {
	s.Lock()
	defer s.Unlock()
	return s.stage.isTerminal()
}

// Advance implements coordinator.Stepper.
func (s *swapState) Advance() error {
	next, err := s.step()
	if err != nil {
		return err
	}
	s.Lock()
	s.stage = next
	s.Unlock()
	return nil
}

// Persist implements coordinator.Stepper.
func (s *swapState) Persist() error { return s.persist() }

// Finalize implements coordinator.Stepper.
func (s *swapState) Finalize() { s.finalize() }

func (s *swapState) finalize() {
	now := time.Now()
	s.info.EndTime = &now
	switch s.stage {
	case StageBTCRedeemed:
		s.info.Status = types.BtcRedeemed
	case StageBTCPunished:
		s.info.Status = types.BtcPunished
	case StageXMRRefunded:
		s.info.Status = types.XMRRefunded
	case StageSafelyAborted:
		s.info.Status = types.SafelyAborted
	}
	if err := s.backend.SwapManager().CompleteOngoingSwap(s.info); err != nil {
		log.Warnf("swap %s: failed to mark complete: %s", s.info.SwapID, err)
	}
}

// step performs exactly one stage transition. It is split out from run so
// each transition is independently testable.
func (s *swapState) step() (Stage, error) {
	switch s.stage {
	case StageKeysExchanged:
		return s.waitForBTCLockSeen()
	case StageBTCLockTransactionSeen:
		return s.waitForBTCLockConfirmed()
	case StageBTCLocked:
		return s.lockXMR()
	case StageXMRLockTransactionSent:
		return s.waitForXMRConfirmed()
	case StageXMRLocked:
		return s.sendTransferProof()
	case StageXMRLockTransferProofSent:
		return s.waitForEncSig()
	case StageEncSigLearned:
		return s.redeemBTC()
	case StageBTCRedeemTransactionPublished:
		return StageBTCRedeemed, nil
	case StageCancelTimelockExpired:
		return s.broadcastCancel()
	case StageBTCCancelled:
		return s.raceRefundOrPunish()
	case StageBTCPunishable:
		return s.punish()
	default:
		return s.stage, fmt.Errorf("xmrmaker: no transition defined for stage %s", s.stage)
	}
}

// waitForBTCLockSeen blocks until the buyer's tx_lock appears in the mempool
// or BitcoinLockMempoolTimeout elapses (spec.md §4.3's SafelyAborted branch).
func (s *swapState) waitForBTCLockSeen() (Stage, error) {
	cfg := s.backend.Config()
	timeout := time.NewTimer(cfg.BitcoinLockMempoolTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case <-timeout.C:
			return StageSafelyAborted, nil
		case <-poll.C:
			tx, err := s.backend.Bitcoin().GetRawTransaction(s.ctx, toChainHash(s.lockPoint.Hash))
			if err == nil && tx != nil {
				return StageBTCLockTransactionSeen, nil
			}
		}
	}
}

// waitForBTCLockConfirmed blocks until tx_lock reaches
// BitcoinFinalityConfirmations, or the confirmed-wait timeout elapses
// (also SafelyAborted, per spec.md §4.3).
func (s *swapState) waitForBTCLockConfirmed() (Stage, error) {
	cfg := s.backend.Config()
	sub, err := s.backend.Bitcoin().SubscribeTo(s.ctx, toChainHash(s.lockPoint.Hash))
	if err != nil {
		return s.stage, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, cfg.BitcoinLockConfirmedTimeout)
	defer cancel()
	if err := sub.WaitUntilConfirmedWith(ctx, cfg.BitcoinFinalityConfirmations); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return StageSafelyAborted, nil
		}
		return s.stage, err
	}
	height, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
	if err == nil {
		s.info.BitcoinLockHeight = height
	}
	return StageBTCLocked, nil
}

// lockXMR broadcasts the seller's share of the joint Monero output.
func (s *swapState) lockXMR() (Stage, error) {
	addr := mcrypto.NewPublicKeyPair(s.jointSpendKey, s.jointViewKey.Public()).Address(s.backend.Config().Env)
	resp, err := s.backend.Monero().Transfer(addr, 0, s.info.ExpectedAmount, 1)
	if err != nil {
		return s.stage, err
	}
	s.xmrTxHash = resp.TxHash
	height, err := s.backend.Monero().GetHeight()
	if err == nil {
		s.info.MoneroStartHeight = height
	}
	return StageXMRLockTransactionSent, nil
}

// waitForXMRConfirmed blocks until the Monero lock output reaches
// MinMoneroConfirmations.
func (s *swapState) waitForXMRConfirmed() (Stage, error) {
	cfg := s.backend.Config()
	ticker := time.NewTicker(cfg.MoneroSyncPendingTransferPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case <-ticker.C:
			height, err := s.backend.Monero().GetHeight()
			if err != nil {
				continue
			}
			if height >= s.info.MoneroStartHeight+cfg.MinMoneroConfirmations {
				return StageXMRLocked, nil
			}
		}
	}
}

// sendTransferProof sends the TransferProof and blocks until ACK'd, with
// the net.Host layer retrying indefinitely past connection loss.
func (s *swapState) sendTransferProof() (Stage, error) {
	proof := &message.TransferProof{TxHash: s.xmrTxHash, TxKey: hex.EncodeToString(s.viewKeyShare.Bytes()[:])}
	if err := s.backend.Net().SendTransferProof(s.ctx, s.counterparty, s.info.SwapID.String(), proof); err != nil {
		return s.stage, err
	}
	return StageXMRLockTransferProofSent, nil
}

// waitForEncSig blocks on either the buyer's encrypted signature arriving,
// or T1 (the cancel timelock) expiring first, per the actual chain height
// rather than a wall-clock guess at block time (timelock.Oracle, the same
// source protocol/watcher uses to report a stuck swap's timelock state).
func (s *swapState) waitForEncSig() (Stage, error) {
	cfg := s.backend.Config()
	oracle := timelock.NewOracle(cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock)
	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case m := <-s.encSigCh:
			if err := s.verifyAndStoreEncSig(m); err != nil {
				return s.stage, err
			}
			return StageEncSigLearned, nil
		case <-poll.C:
			tip, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
			if err != nil {
				continue
			}
			if oracle.LockState(tip, s.info.BitcoinLockHeight) != timelock.StateNone {
				return StageCancelTimelockExpired, nil
			}
		}
	}
}

// verifyAndStoreEncSig checks the buyer's adaptor signature against the
// buyer's redeem public key and this side's Monero spend-key-share point,
// per spec.md §3's adaptor-signature relationship.
func (s *swapState) verifyAndStoreEncSig(m *message.EncryptedSignature) error {
	sigBytes, err := hex.DecodeString(m.EncryptedSig)
	if err != nil {
		return err
	}
	sig, err := adaptor.DecodeSignature(sigBytes)
	if err != nil {
		return err
	}
	redeemTx, _, err := s.buildRedeemTx()
	if err != nil {
		return err
	}
	hash, err := bitcoin.WitnessSigHashTx(redeemTx, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	if err := adaptor.EncVerify(s.buyerSecp256k1Pub, s.secp256k1Priv.Public(), hash, sig); err != nil {
		return fmt.Errorf("%w: %s", errEncSigInvalid, err)
	}
	s.encSig = sig
	redeemSig, err := hex.DecodeString(m.BuyerRedeemSig)
	if err != nil {
		return err
	}
	s.buyerRedeemSig = redeemSig
	return nil
}

// buildRedeemTx constructs tx_redeem paying out to this side's own
// secp256k1 key as a plain P2WKH address, the same transaction both the
// seller (to broadcast) and the buyer (to sign blindly via EncSign) must
// derive identically without any extra message exchange.
func (s *swapState) buildRedeemTx() (*wire.MsgTx, []byte, error) {
	payout, err := bitcoin.P2WKHScript(s.secp256k1Priv.Public())
	if err != nil {
		return nil, nil, err
	}
	return bitcoin.BuildRedeemTx(s.lockPoint, s.lockAmount, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(), payout, 0)
}

// redeemBTC decrypts the adaptor signature with this side's Monero
// spend-key-share secp256k1 twin, finalizes tx_redeem's witness, and
// broadcasts it.
func (s *swapState) redeemBTC() (Stage, error) {
	redeemTx, redeemScript, err := s.buildRedeemTx()
	if err != nil {
		return s.stage, err
	}
	decSig := adaptor.Decrypt(s.encSig, s.secp256k1Priv)
	bitcoin.FinalizeMultiSigWitness(redeemTx, 0, redeemScript, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(), s.buyerRedeemSig, decSig.Serialize())
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, redeemTx, "tx_redeem"); err != nil {
		return s.stage, err
	}
	return StageBTCRedeemTransactionPublished, nil
}

// broadcastCancel publishes tx_cancel using the pre-exchanged signatures,
// once T1 has elapsed with no encrypted signature learned.
func (s *swapState) broadcastCancel() (Stage, error) {
	bitcoin.FinalizeMultiSigWitness(
		s.cancelTx.Tx, 0, s.cancelTx.RedeemScript,
		s.buyerSecp256k1Pub, s.secp256k1Priv.Public(),
		s.buyerCancelSig, s.sellerCancelSig,
	)
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, s.cancelTx.Tx, "tx_cancel"); err != nil {
		return s.stage, err
	}
	return StageBTCCancelled, nil
}

// raceRefundOrPunish waits for either tx_refund to appear (meaning the
// seller must recover its Monero instead) or T2 to elapse (meaning the
// seller may punish), gated on tx_cancel's actual confirmation height
// through timelock.Oracle rather than a wall-clock guess.
func (s *swapState) raceRefundOrPunish() (Stage, error) {
	cfg := s.backend.Config()
	oracle := timelock.NewOracle(cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock)
	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case <-poll.C:
			if refundSig, ok := s.lookForRefundReveal(); ok {
				return s.reclaimXMRFromRefund(refundSig)
			}
			tip, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
			if err != nil {
				continue
			}
			cancelConfHeight, err := s.backend.Bitcoin().TransactionBlockHeight(s.ctx, toChainHash(s.cancelOutPoint.Hash))
			if err != nil {
				continue
			}
			if oracle.CancelState(tip, cancelConfHeight) == timelock.StatePunish {
				return StageBTCPunishable, nil
			}
		}
	}
}

// lookForRefundReveal polls for tx_refund appearing on chain. Its txid is
// deterministic (computed alongside refundEncSig in
// buildAndSignCancelAndEarlyRefund), so finding it is a direct
// GetRawTransaction lookup rather than a scan of tx_cancel's spends. When
// found, it extracts the buyer's decrypted completion of this side's
// tx_refund pre-signature from the witness.
func (s *swapState) lookForRefundReveal() ([]byte, bool) {
	tx, err := s.backend.Bitcoin().GetRawTransaction(s.ctx, s.refundTxHash)
	if err != nil || tx == nil || len(tx.TxIn) == 0 || len(tx.TxIn[0].Witness) < 4 {
		return nil, false
	}
	witness := tx.TxIn[0].Witness

	var sellerSigBytes []byte
	if bytes.Compare(s.buyerSecp256k1Pub.Compressed(), s.secp256k1Priv.Public().Compressed()) == -1 {
		sellerSigBytes = witness[1]
	} else {
		sellerSigBytes = witness[2]
	}
	return sellerSigBytes, true
}

// reclaimXMRFromRefund recovers the buyer's Monero spend-key-share from the
// now-published completion of refundEncSig, reconstructs the joint spend
// key, and sweeps the locked output back to this side's own wallet: the
// mirror image of xmrtaker.swapState.redeemXMR, run when the buyer refunds
// instead of redeeming.
func (s *swapState) reclaimXMRFromRefund(sellerSigBytes []byte) (Stage, error) {
	decryptedS, err := adaptor.ExtractWitnessSignatureS(sellerSigBytes)
	if err != nil {
		return s.stage, err
	}
	buyerSecp256k1Priv, err := adaptor.Recover(s.refundEncSig, decryptedS, s.buyerSecp256k1Pub)
	if err != nil {
		return s.stage, err
	}
	buyerKeyBytes := buyerSecp256k1Priv.Bytes()
	buyerSpendKeyShare, err := mcrypto.NewPrivateSpendKeyFromCanonicalBytes(buyerKeyBytes[:])
	if err != nil {
		return s.stage, err
	}

	fullSpendKey := mcrypto.SumPrivateSpendKeys(s.spendKeyShare, buyerSpendKeyShare)
	kp := mcrypto.NewPrivateKeyPair(fullSpendKey, s.jointViewKey)

	walletName := "xmrmaker-swap-" + s.info.SwapID.String()
	env := s.backend.Config().Env
	if err := s.backend.Monero().GenerateFromKeys(kp, walletName, "", env); err != nil {
		return s.stage, err
	}
	if err := s.backend.Monero().OpenWallet(walletName, ""); err != nil {
		return s.stage, err
	}
	mainAddr, err := s.backend.Monero().MainAddress()
	if err != nil {
		return s.stage, err
	}
	if _, err := s.backend.Monero().Sweep(mainAddr, 0); err != nil {
		return s.stage, err
	}
	return StageXMRRefunded, nil
}

// punish broadcasts tx_punish, paying the locked BTC to the seller. It
// re-checks for a since-mined tx_refund immediately before publishing:
// raceRefundOrPunish's own poll only runs every 5 seconds, so a tx_refund
// that lands in that window would otherwise lose the race to an already
// in-flight tx_punish broadcast.
func (s *swapState) punish() (Stage, error) {
	if refundSig, ok := s.lookForRefundReveal(); ok {
		return s.reclaimXMRFromRefund(refundSig)
	}

	payout, err := payoutScript(s.backend)
	if err != nil {
		return s.stage, err
	}
	tx, redeemScript, err := bitcoin.BuildPunishTx(
		s.cancelOutPoint, s.lockAmount, s.buyerSecp256k1Pub, s.secp256k1Priv.Public(),
		s.backend.Config().BitcoinPunishTimelock, payout, 0,
	)
	if err != nil {
		return s.stage, err
	}
	sig, err := signDER(s.secp256k1Priv, mustSigHash(tx, redeemScript, s.lockAmount))
	if err != nil {
		return s.stage, err
	}
	bitcoin.FinalizePunishWitness(tx, 0, redeemScript, sig)
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, tx, "tx_punish"); err != nil {
		return s.stage, err
	}
	return StageBTCPunished, nil
}

// handleCooperativeRedeem answers a post-punish request for this side's
// Monero key share, per spec.md §4.5's typed-rejection rules.
func (s *swapState) handleCooperativeRedeem(from peer.ID, req *message.CooperativeRedeem) *message.CooperativeRedeemResponse {
	if req.SwapID != s.info.SwapID.String() {
		return &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectUnknownSwap}
	}
	if from != s.counterparty {
		return &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectMaliciousRequest}
	}
	s.Lock()
	stage := s.stage
	s.Unlock()
	if stage != StageBTCPunished {
		return &message.CooperativeRedeemResponse{SwapID: req.SwapID, Reason: message.RejectSwapInvalidState}
	}
	return &message.CooperativeRedeemResponse{
		SwapID:          req.SwapID,
		PrivateKeyShare: hex.EncodeToString(s.spendKeyShare.Bytes()[:]),
	}
}

// --- small helpers kept local to avoid polluting the crypto packages with
// protocol-specific conversions. ---

func edwards25519PointOf(p *mcrypto.PublicKey) *edwards25519.Point {
	b := p.Bytes()
	pt, _ := new(edwards25519.Point).SetBytes(b[:])
	return pt
}

func viewKeyBytes(k *mcrypto.PrivateViewKey) []byte {
	b := k.Bytes()
	return b[:]
}

// signDER produces a plain (non-adaptor) ECDSA signature over hash,
// DER-encoded with SIGHASH_ALL appended, the witness item shape
// bitcoin.FinalizeMultiSigWitness/FinalizePunishWitness expect.
func signDER(priv *secp256k1.PrivateKey, hash []byte) ([]byte, error) {
	return priv.Sign(hash), nil
}

func payoutScript(b backendHooks) ([]byte, error) {
	addr, err := b.Bitcoin().NewAddress(b.Ctx())
	if err != nil {
		return nil, err
	}
	return bitcoin.P2WKHScriptFromAddress(addr)
}

// toChainHash reinterprets a raw 32-byte txid as a chainhash.Hash, the type
// bitcoin.Wallet's chain-watching methods key on.
func toChainHash(b [32]byte) chainhash.Hash {
	return chainhash.Hash(b)
}

func mustSigHash(tx *wire.MsgTx, redeemScript []byte, amount common.BitcoinAmount) []byte {
	h, _ := bitcoin.WitnessSigHashTx(tx, redeemScript, amount)
	return h
}
