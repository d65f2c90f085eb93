// Package xmrtaker implements the buyer side of a swap: the party that
// holds BTC and wants XMR. Grounded on protocol/xmrmaker's swap_state.go
// (mutex-guarded session struct, per-swap key material, persist-then-yield
// stage machine) mirrored from the seller's side to the buyer's, per
// spec.md §4.4: the buyer signs and broadcasts tx_lock itself, watches for
// the seller's Monero transfer proof, and settles by producing an
// adaptor-encrypted signature for tx_redeem rather than a plain one.
package xmrtaker

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
	errInvalidDLEqProof = errors.New("xmrtaker: seller's DLEQ proof does not verify")
	errNoRedeemWitness  = errors.New("xmrtaker: tx_redeem witness is malformed")
	errCannotResumeSwap = errors.New("xmrtaker: swap has no resumable state")
)

// backendHooks is the subset of backend.Backend this package calls.
type backendHooks interface {
	Ctx() context.Context
	Config() *common.Config
	Bitcoin() bitcoin.Wallet
	Monero() monero.Client
	Net() *net.Host
	DB() db.Database
	SwapManager() pswap.Manager
}

// swapState tracks one in-progress swap from the buyer's side.
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

	makerSecp256k1Pub  *secp256k1.PublicKey
	makerSpendKeyShare *mcrypto.PublicKey
	makerViewKeyShare  *mcrypto.PrivateViewKey

	jointSpendKey *mcrypto.PublicKey
	jointViewKey  *mcrypto.PrivateViewKey

	buyerMainAddress mcrypto.Address
	receivePool      types.ReceivePool // empty means sweep 100% to buyerMainAddress

	lockAmount   common.BitcoinAmount
	lockScript   []byte // 2-of-2 multisig redeem script
	lockPkScript []byte // P2WSH scriptPubKey tx_lock's output pays
	lockPoint    bitcoin.OutPoint
	lockTx       *wire.MsgTx // signed, not yet broadcast

	cancelTx       *bitcoin.CancelTx
	cancelOutPoint bitcoin.OutPoint

	buyerCancelSig       []byte
	sellerCancelSig      []byte
	buyerEarlyRefundSig  []byte
	sellerEarlyRefundSig []byte
	buyerRefundScript    []byte // scriptPubKey tx_early_refund and tx_refund pay the buyer, sent to the seller so it can rebuild the same transactions

	sellerRefundEncSig *adaptor.Signature // seller's pre-signature over tx_refund, encrypted under this side's point
	refundTxHash       chainhash.Hash

	encSig       *adaptor.Signature
	redeemTxHash chainhash.Hash

	xmrStartHeight uint64

	proofCh chan *message.TransferProof

	stage Stage
}

// newSwapState constructs a bare swapState for a new buyer-initiated swap.
// The caller (Instance.InitiateSwap) drives it through the swap-setup
// handshake before registering it and starting run().
func newSwapState(
	b backendHooks,
	inst *Instance,
	counterparty peer.ID,
	offer *types.Offer,
	providedAmount common.BitcoinAmount,
) (*swapState, error) {
	rate, _ := offer.ExchangeRate.Float64()
	expectedXMR := common.ExchangeRate(rate).ToMonero(providedAmount.AsBitcoin())

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

	addr, err := b.Monero().MainAddress()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(b.Ctx())
	return &swapState{
		backend:          b,
		inst:             inst,
		ctx:              ctx,
		cancel:           cancel,
		info:             info,
		offer:            offer,
		counterparty:     counterparty,
		buyerMainAddress: addr,
		proofCh:          make(chan *message.TransferProof, 1),
		stage:            StageSwapSetupCompleted,
	}, nil
}

// generateAndSetKeys samples this side's DLEQ-linked secp256k1/ed25519 key
// share and its own Monero view key share.
func (s *swapState) generateAndSetKeys() error {
	x, _, _, _, err := dleq.GenerateKeysAndProof()
	if err != nil {
		return err
	}
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

// ourSwapSetupMessage builds the SwapSetup this side sends the seller to
// open the handshake.
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

// setCounterpartyKeys verifies the seller's DLEQ proof and records its key
// shares, computing the joint spend/view keys and this swap's lock script.
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
	makerView, err := mcrypto.NewPrivateViewKeyFromCanonicalBytes(viewBytes)
	if err != nil {
		return err
	}

	s.makerSecp256k1Pub = secpPub
	s.makerSpendKeyShare = spendPub
	s.makerViewKeyShare = makerView

	s.jointSpendKey = mcrypto.SumPublicKeys(s.spendKeyShare.Public(), s.makerSpendKeyShare)
	s.jointViewKey = mcrypto.SumPrivateViewKeys(s.viewKeyShare, s.makerViewKeyShare)

	lockScript, pkScript, err := bitcoin.LockPkScript(s.secp256k1Priv.Public(), s.makerSecp256k1Pub)
	if err != nil {
		return err
	}
	s.lockScript = lockScript
	s.lockPkScript = pkScript
	return nil
}

// buildAndSignLockTx builds an unsigned tx_lock PSBT paying lockAmount into
// the 2-of-2 multisig and has the wallet fund and sign it, without
// broadcasting: the buyer must first exchange tx_cancel/tx_early_refund
// signatures against its final (but still private) txid before publishing
// it, so the locked funds always have a pre-signed escape hatch.
func (s *swapState) buildAndSignLockTx(approve bitcoin.ApprovalFunc) error {
	amount := s.info.ProvidedAmount

	pkt, err := s.backend.Bitcoin().BuildTxLockPSBT(s.ctx, amount, s.lockPkScript)
	if err != nil {
		return err
	}
	if approve == nil {
		approve = bitcoin.AlwaysApprove
	}
	signed, err := s.backend.Bitcoin().SignTxLock(s.ctx, pkt, approve)
	if err != nil {
		return err
	}

	s.lockTx = signed
	s.lockAmount = amount
	s.lockPoint = bitcoin.OutPoint{Hash: signed.TxHash(), Index: 0}
	return nil
}

// buildAndSignCancelAndEarlyRefund mirrors xmrmaker's method of the same
// name: it builds tx_cancel and tx_early_refund against the (already known,
// pre-broadcast) tx_lock outpoint and signs both.
func (s *swapState) buildAndSignCancelAndEarlyRefund() error {
	cfg := s.backend.Config()
	cancelTx, err := bitcoin.BuildCancelTx(
		s.lockPoint, s.lockAmount,
		cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock,
		s.secp256k1Priv.Public(), s.makerSecp256k1Pub,
		0,
	)
	if err != nil {
		return err
	}
	s.cancelTx = cancelTx

	hash, err := bitcoin.WitnessSigHash(cancelTx.Tx, 0, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	sig, err := signDER(s.secp256k1Priv, hash)
	if err != nil {
		return err
	}
	s.buyerCancelSig = sig

	ourChange, err := s.backend.Bitcoin().NewAddress(s.ctx)
	if err != nil {
		return err
	}
	ourChangeScript, err := bitcoin.P2WKHScriptFromAddress(ourChange)
	if err != nil {
		return err
	}

	earlyTx, _, err := bitcoin.BuildEarlyRefundTx(s.lockPoint, s.lockAmount, s.secp256k1Priv.Public(), s.makerSecp256k1Pub, ourChangeScript, 0)
	if err != nil {
		return err
	}
	earlyHash, err := bitcoin.WitnessSigHash(earlyTx, 0, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	earlySig, err := signDER(s.secp256k1Priv, earlyHash)
	if err != nil {
		return err
	}
	s.buyerEarlyRefundSig = earlySig
	s.buyerRefundScript = ourChangeScript

	cancelOutPoint := bitcoin.OutPoint{Hash: cancelTx.Tx.TxHash(), Index: 0}
	refundTx, _, err := bitcoin.BuildRefundTx(
		cancelOutPoint, s.lockAmount, s.secp256k1Priv.Public(), s.makerSecp256k1Pub,
		cfg.BitcoinPunishTimelock, ourChangeScript, 0,
	)
	if err != nil {
		return err
	}
	s.refundTxHash = refundTx.TxHash()
	return nil
}

// handleSwapSetupSignatures records the seller's signatures once received,
// after checking each verifies against this side's own tx_cancel/
// tx_early_refund.
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
	if err := secp256k1.Verify(s.makerSecp256k1Pub, cancelHash, cancelSig); err != nil {
		return fmt.Errorf("xmrtaker: seller's tx_cancel signature: %w", err)
	}

	earlyTx, _, err := bitcoin.BuildEarlyRefundTx(s.lockPoint, s.lockAmount, s.secp256k1Priv.Public(), s.makerSecp256k1Pub, s.buyerRefundScript, 0)
	if err != nil {
		return err
	}
	earlyHash, err := bitcoin.WitnessSigHash(earlyTx, 0, s.lockScript, s.lockAmount)
	if err != nil {
		return err
	}
	if err := secp256k1.Verify(s.makerSecp256k1Pub, earlyHash, earlySig); err != nil {
		return fmt.Errorf("xmrtaker: seller's tx_early_refund signature: %w", err)
	}

	refundEncSigBytes, err := hex.DecodeString(m.RefundEncSig)
	if err != nil {
		return err
	}
	refundEncSig, err := adaptor.DecodeSignature(refundEncSigBytes)
	if err != nil {
		return fmt.Errorf("xmrtaker: decoding seller's tx_refund pre-signature: %w", err)
	}
	cfg := s.backend.Config()
	cancelOutPoint := bitcoin.OutPoint{Hash: s.cancelTx.Tx.TxHash(), Index: 0}
	refundTx, refundRedeemScript, err := bitcoin.BuildRefundTx(
		cancelOutPoint, s.lockAmount, s.secp256k1Priv.Public(), s.makerSecp256k1Pub,
		cfg.BitcoinPunishTimelock, s.buyerRefundScript, 0,
	)
	if err != nil {
		return err
	}
	refundHash, err := bitcoin.WitnessSigHashTx(refundTx, refundRedeemScript, s.lockAmount)
	if err != nil {
		return err
	}
	if err := adaptor.EncVerify(s.makerSecp256k1Pub, s.secp256k1Priv.Public(), refundHash, refundEncSig); err != nil {
		return fmt.Errorf("xmrtaker: seller's tx_refund pre-signature does not verify: %w", err)
	}

	s.sellerCancelSig = cancelSig
	s.sellerEarlyRefundSig = earlySig
	s.sellerRefundEncSig = refundEncSig
	return nil
}

// ourSwapSetupSignatures returns the message carrying this side's
// signatures, along with the lock outpoint/amount and refund script the
// seller needs to reconstruct and countersign the same tx_cancel/
// tx_early_refund, since the seller never builds tx_lock itself.
func (s *swapState) ourSwapSetupSignatures() *message.SwapSetupSignatures {
	return &message.SwapSetupSignatures{
		OfferID:           s.offer.ID.String(),
		CancelSig:         hex.EncodeToString(s.buyerCancelSig),
		EarlyRefundSig:    hex.EncodeToString(s.buyerEarlyRefundSig),
		LockTxHash:        hex.EncodeToString(s.lockPoint.Hash[:]),
		LockAmount:        uint64(s.lockAmount),
		BuyerRefundScript: hex.EncodeToString(s.buyerRefundScript),
	}
}

// persist writes this swap's current Info, including its Stage and the
// resumable snapshot of its in-memory key material, to the database.
func (s *swapState) persist() error {
	s.info.Stage = s.stage.String()
	s.info.Resume = s.snapshotResumeState()
	return s.backend.DB().PutSwap(s.info)
}

// snapshotResumeState captures everything Resume needs to rebuild this
// swapState in a fresh process: this side's key shares, the seller's
// learned key shares, and the lock/cancel/refund transcript built so far.
func (s *swapState) snapshotResumeState() *pswap.ResumeState {
	r := &pswap.ResumeState{
		Role:             "taker",
		Secp256k1PrivHex: hex.EncodeToString(sliceOf(s.secp256k1Priv.Bytes())),
		SpendKeyShareHex: hex.EncodeToString(sliceOf(s.spendKeyShare.Bytes())),
		ViewKeyShareHex:  hex.EncodeToString(sliceOf(s.viewKeyShare.Bytes())),
	}
	if s.makerSecp256k1Pub != nil {
		r.CounterpartySecp256k1PubHex = hex.EncodeToString(s.makerSecp256k1Pub.Compressed())
	}
	if s.makerSpendKeyShare != nil {
		r.CounterpartySpendKeyShareHex = hex.EncodeToString(sliceOf(s.makerSpendKeyShare.Bytes()))
	}
	if s.makerViewKeyShare != nil {
		r.CounterpartyViewKeyShareHex = hex.EncodeToString(sliceOf(s.makerViewKeyShare.Bytes()))
	}
	r.LockAmount = uint64(s.lockAmount)
	r.LockScriptHex = hex.EncodeToString(s.lockScript)
	r.LockPkScriptHex = hex.EncodeToString(s.lockPkScript)
	r.LockTxHashHex = hex.EncodeToString(s.lockPoint.Hash[:])
	r.LockIndex = s.lockPoint.Index
	if s.lockTx != nil {
		r.LockTxHex = encodeTx(s.lockTx)
	}

	if s.cancelTx != nil {
		r.CancelTxHex = encodeTx(s.cancelTx.Tx)
		r.CancelRedeemScriptHex = hex.EncodeToString(s.cancelTx.RedeemScript)
	}
	r.CancelOutPointHashHex = hex.EncodeToString(s.cancelOutPoint.Hash[:])
	r.CancelOutPointIndex = s.cancelOutPoint.Index

	r.BuyerCancelSigHex = hex.EncodeToString(s.buyerCancelSig)
	r.SellerCancelSigHex = hex.EncodeToString(s.sellerCancelSig)
	r.BuyerEarlyRefundSigHex = hex.EncodeToString(s.buyerEarlyRefundSig)
	r.SellerEarlyRefundSigHex = hex.EncodeToString(s.sellerEarlyRefundSig)
	r.BuyerRefundScriptHex = hex.EncodeToString(s.buyerRefundScript)
	if s.sellerRefundEncSig != nil {
		r.RefundEncSigHex = hex.EncodeToString(s.sellerRefundEncSig.Encode())
	}
	r.RefundTxHashHex = hex.EncodeToString(s.refundTxHash[:])

	if s.encSig != nil {
		r.EncSigHex = hex.EncodeToString(s.encSig.Encode())
	}
	r.RedeemTxHashHex = hex.EncodeToString(s.redeemTxHash[:])
	r.XMRStartHeight = s.xmrStartHeight
	r.ReceivePool = s.receivePool
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

// decodeTx is encodeTx's inverse.
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

// mustHex decodes s, returning nil on error or an empty string: every
// ResumeState field it's used on is either validated at write time or
// legitimately empty for a swap that hadn't reached that stage yet.
func mustHex(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// resumeSwapState reconstructs a buyer's swapState from a previously
// persisted Info and its ResumeState, for Instance.Resume to hand back to
// protocol/coordinator after a restart. It only needs info.OfferID, not the
// original *types.Offer: every later use of swapState.offer happens during
// the swap-setup handshake, which a resumable (post-handshake) swap has
// already completed.
func resumeSwapState(b backendHooks, inst *Instance, info *pswap.Info) (*swapState, error) {
	r := info.Resume
	if r == nil || r.Role != "taker" {
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

	mainAddr, err := b.Monero().MainAddress()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(b.Ctx())
	s := &swapState{
		backend:          b,
		inst:             inst,
		ctx:              ctx,
		cancel:           cancel,
		info:             info,
		offer:            offer,
		counterparty:     counterparty,
		secp256k1Priv:    priv,
		spendKeyShare:    spendShare,
		viewKeyShare:     viewShare,
		buyerMainAddress: mainAddr,
		receivePool:      r.ReceivePool,
		proofCh:          make(chan *message.TransferProof, 1),
	}

	stage, ok := ParseStage(info.Stage)
	if !ok {
		return nil, fmt.Errorf("xmrtaker: cannot resume swap %s: unknown stage %q", info.SwapID, info.Stage)
	}
	s.stage = stage

	if r.CounterpartySecp256k1PubHex != "" {
		pub, err := secp256k1.ParsePublicKey(mustHex(r.CounterpartySecp256k1PubHex))
		if err != nil {
			return nil, err
		}
		s.makerSecp256k1Pub = pub
	}
	if r.CounterpartySpendKeyShareHex != "" {
		pub, err := mcrypto.PublicKeyFromBytes(mustHex(r.CounterpartySpendKeyShareHex))
		if err != nil {
			return nil, err
		}
		s.makerSpendKeyShare = pub
	}
	if r.CounterpartyViewKeyShareHex != "" {
		view, err := mcrypto.NewPrivateViewKeyFromCanonicalBytes(mustHex(r.CounterpartyViewKeyShareHex))
		if err != nil {
			return nil, err
		}
		s.makerViewKeyShare = view
	}
	if s.makerSpendKeyShare != nil {
		s.jointSpendKey = mcrypto.SumPublicKeys(s.spendKeyShare.Public(), s.makerSpendKeyShare)
	}
	if s.makerViewKeyShare != nil {
		s.jointViewKey = mcrypto.SumPrivateViewKeys(s.viewKeyShare, s.makerViewKeyShare)
	}

	s.lockAmount = common.BitcoinAmount(r.LockAmount)
	s.lockScript = mustHex(r.LockScriptHex)
	s.lockPkScript = mustHex(r.LockPkScriptHex)
	copy(s.lockPoint.Hash[:], mustHex(r.LockTxHashHex))
	s.lockPoint.Index = r.LockIndex
	if r.LockTxHex != "" {
		lockTx, err := decodeTx(r.LockTxHex)
		if err != nil {
			return nil, err
		}
		s.lockTx = lockTx
	}

	if r.CancelTxHex != "" {
		cancelTx, err := decodeTx(r.CancelTxHex)
		if err != nil {
			return nil, err
		}
		s.cancelTx = &bitcoin.CancelTx{Tx: cancelTx, RedeemScript: mustHex(r.CancelRedeemScriptHex)}
	}
	copy(s.cancelOutPoint.Hash[:], mustHex(r.CancelOutPointHashHex))
	s.cancelOutPoint.Index = r.CancelOutPointIndex

	s.buyerCancelSig = mustHex(r.BuyerCancelSigHex)
	s.sellerCancelSig = mustHex(r.SellerCancelSigHex)
	s.buyerEarlyRefundSig = mustHex(r.BuyerEarlyRefundSigHex)
	s.sellerEarlyRefundSig = mustHex(r.SellerEarlyRefundSigHex)
	s.buyerRefundScript = mustHex(r.BuyerRefundScriptHex)
	if r.RefundEncSigHex != "" {
		sig, err := adaptor.DecodeSignature(mustHex(r.RefundEncSigHex))
		if err != nil {
			return nil, err
		}
		s.sellerRefundEncSig = sig
	}
	copy(s.refundTxHash[:], mustHex(r.RefundTxHashHex))

	if r.EncSigHex != "" {
		sig, err := adaptor.DecodeSignature(mustHex(r.EncSigHex))
		if err != nil {
			return nil, err
		}
		s.encSig = sig
	}
	copy(s.redeemTxHash[:], mustHex(r.RedeemTxHashHex))
	s.xmrStartHeight = r.XMRStartHeight

	return s, nil
}

// Info exposes this swap's persisted record.
func (s *swapState) Info() *pswap.Info { return s.info }

// Done returns a channel closed once this swapState's run loop has exited,
// for any reason (see xmrmaker's swapState.Done for why watcher needs this).
func (s *swapState) Done() <-chan struct{} { return s.ctx.Done() }

// handleTransferProof is invoked whenever a TransferProof arrives for this
// swap. Idempotent past StageXMRLockProofReceived for the same reason as
// xmrmaker's handleEncryptedSignature.
func (s *swapState) handleTransferProof(m *message.TransferProof) bool {
	s.Lock()
	already := s.stage >= StageXMRLockProofReceived
	s.Unlock()
	if already {
		return true
	}
	select {
	case s.proofCh <- m:
	default:
	}
	return true
}

// run drives the buyer through every stage from StageSwapSetupCompleted to
// a terminal stage, or until ctx is cancelled, via protocol/coordinator.
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
	case StageXMRRedeemed:
		s.info.Status = types.XMRRedeemed
	case StageBTCRefunded:
		s.info.Status = types.BtcRefunded
	case StageBTCEarlyRefunded:
		s.info.Status = types.BtcEarlyRefunded
	case StageBTCPunished:
		s.info.Status = types.BtcPunished
	case StageSafelyAborted:
		s.info.Status = types.SafelyAborted
	}
	if err := s.backend.SwapManager().CompleteOngoingSwap(s.info); err != nil {
		log.Warnf("swap %s: failed to mark complete: %s", s.info.SwapID, err)
	}

	// Losing the BTC to tx_punish doesn't have to mean losing the XMR too:
	// spec.md §4.4's cooperative-redeem path lets the buyer ask the seller
	// directly for its Monero key share. This runs detached from the
	// terminal BTCPunished stage since coordinator.RunUntilComplete has
	// already returned by the time Finalize is called.
	if s.stage == StageBTCPunished {
		go func() {
			if err := s.requestCooperativeRedeem(); err != nil {
				log.Warnf("swap %s: cooperative redeem attempt failed: %s", s.info.SwapID, err)
				return
			}
			log.Infof("swap %s: recovered XMR via cooperative redeem after tx_punish", s.info.SwapID)
		}()
	}
}

// step performs exactly one stage transition.
func (s *swapState) step() (Stage, error) {
	switch s.stage {
	case StageSwapSetupCompleted:
		return s.broadcastAndConfirmLockTx()
	case StageBTCLocked:
		return s.waitForTransferProof()
	case StageXMRLockProofReceived:
		return s.waitForXMRConfirmed()
	case StageXMRLocked:
		return s.sendEncryptedSignature()
	case StageEncSigSent:
		return s.waitForBTCRedeem()
	case StageBTCRedeemed:
		return s.redeemXMR()
	case StageCancelTimelockExpired:
		return s.broadcastCancel()
	case StageBTCCancelled:
		return s.broadcastRefund()
	default:
		return s.stage, fmt.Errorf("xmrtaker: no transition defined for stage %s", s.stage)
	}
}

// broadcastAndConfirmLockTx publishes the pre-signed tx_lock and blocks
// until it reaches BitcoinFinalityConfirmations.
func (s *swapState) broadcastAndConfirmLockTx() (Stage, error) {
	cfg := s.backend.Config()
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, s.lockTx, "tx_lock"); err != nil {
		return s.stage, err
	}
	sub, err := s.backend.Bitcoin().SubscribeTo(s.ctx, toChainHash(s.lockPoint.Hash))
	if err != nil {
		return s.stage, err
	}
	ctx, cancel := context.WithTimeout(s.ctx, cfg.BitcoinLockConfirmedTimeout)
	defer cancel()
	if err := sub.WaitUntilConfirmedWith(ctx, cfg.BitcoinFinalityConfirmations); err != nil {
		return s.stage, err
	}
	height, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
	if err == nil {
		s.info.BitcoinLockHeight = height
	}
	return StageBTCLocked, nil
}

// waitForTransferProof blocks on either the seller's TransferProof arriving
// or T1 (the cancel timelock) expiring first.
func (s *swapState) waitForTransferProof() (Stage, error) {
	cfg := s.backend.Config()
	oracle := timelock.NewOracle(cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock)
	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case m := <-s.proofCh:
			height, err := s.backend.Monero().GetHeight()
			if err == nil {
				s.xmrStartHeight = height
			}
			_ = m // the proof's fields are not read; waitForXMRConfirmed checks the lock via WatchForTransfer on the joint address
			return StageXMRLockProofReceived, nil
		case <-poll.C:
			tip, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
			if err != nil {
				continue
			}
			lockConfHeight, err := s.backend.Bitcoin().TransactionBlockHeight(s.ctx, toChainHash(s.lockPoint.Hash))
			if err != nil {
				continue
			}
			if oracle.LockState(tip, lockConfHeight) != timelock.StateNone {
				return StageCancelTimelockExpired, nil
			}
		}
	}
}

// waitForXMRConfirmed blocks until the seller's share of the joint Monero
// output reaches MinMoneroConfirmations.
func (s *swapState) waitForXMRConfirmed() (Stage, error) {
	addr := mcrypto.NewPublicKeyPair(s.jointSpendKey, s.jointViewKey.Public()).Address(s.backend.Config().Env)
	if err := s.backend.Monero().WatchForTransfer(addr, uint64(s.backend.Config().MinMoneroConfirmations)); err != nil {
		return s.stage, err
	}
	return StageXMRLocked, nil
}

// sendEncryptedSignature builds tx_redeem, signs it with an adaptor
// signature encrypted under the seller's Monero-key-share point, and sends
// it along with a plain co-signature the seller needs to finish the
// multisig witness.
func (s *swapState) sendEncryptedSignature() (Stage, error) {
	redeemTx, _, err := s.buildRedeemTx()
	if err != nil {
		return s.stage, err
	}
	s.redeemTxHash = redeemTx.TxHash()

	hash, err := bitcoin.WitnessSigHashTx(redeemTx, s.lockScript, s.lockAmount)
	if err != nil {
		return s.stage, err
	}
	encSig, err := adaptor.EncSign(s.secp256k1Priv, s.makerSecp256k1Pub, hash)
	if err != nil {
		return s.stage, err
	}
	s.encSig = encSig

	redeemSig, err := signDER(s.secp256k1Priv, hash)
	if err != nil {
		return s.stage, err
	}

	m := &message.EncryptedSignature{
		SwapID:         s.info.SwapID.String(),
		EncryptedSig:   hex.EncodeToString(encSig.Encode()),
		BuyerRedeemSig: hex.EncodeToString(redeemSig),
	}
	if err := s.backend.Net().SendEncryptedSignature(s.ctx, s.counterparty, m); err != nil {
		return s.stage, err
	}
	return StageEncSigSent, nil
}

// buildRedeemTx constructs tx_redeem, paying out to the seller's own
// secp256k1 key as a plain P2WKH address: the same transaction both sides
// derive identically without any extra message exchange (see
// xmrmaker.swapState.buildRedeemTx).
func (s *swapState) buildRedeemTx() (*wire.MsgTx, []byte, error) {
	payout, err := bitcoin.P2WKHScript(s.makerSecp256k1Pub)
	if err != nil {
		return nil, nil, err
	}
	return bitcoin.BuildRedeemTx(s.lockPoint, s.lockAmount, s.secp256k1Priv.Public(), s.makerSecp256k1Pub, payout, 0)
}

// waitForBTCRedeem polls for tx_redeem appearing in the mempool or on chain (its txid is
// deterministic, computed in sendEncryptedSignature), or falls back to the
// cancel branch once T1 elapses.
func (s *swapState) waitForBTCRedeem() (Stage, error) {
	cfg := s.backend.Config()
	oracle := timelock.NewOracle(cfg.BitcoinCancelTimelock, cfg.BitcoinPunishTimelock)
	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return s.stage, s.ctx.Err()
		case <-poll.C:
			if tx, err := s.backend.Bitcoin().GetRawTransaction(s.ctx, s.redeemTxHash); err == nil && tx != nil {
				return StageBTCRedeemed, nil
			}
			tip, err := s.backend.Bitcoin().GetBlockHeight(s.ctx)
			if err != nil {
				continue
			}
			lockConfHeight, err := s.backend.Bitcoin().TransactionBlockHeight(s.ctx, toChainHash(s.lockPoint.Hash))
			if err != nil {
				continue
			}
			if oracle.LockState(tip, lockConfHeight) != timelock.StateNone {
				return StageCancelTimelockExpired, nil
			}
		}
	}
}

// redeemXMR extracts the seller's decrypted signature from the now-published
// tx_redeem, recovers the seller's Monero spend-key-share, reconstructs the
// full joint spend key, and sweeps the Monero lock output to the buyer's own
// wallet.
func (s *swapState) redeemXMR() (Stage, error) {
	tx, err := s.backend.Bitcoin().GetRawTransaction(s.ctx, s.redeemTxHash)
	if err != nil {
		return s.stage, err
	}
	if len(tx.TxIn) == 0 || len(tx.TxIn[0].Witness) < 3 {
		return s.stage, errNoRedeemWitness
	}
	witness := tx.TxIn[0].Witness

	var sellerSigBytes []byte
	if bytes.Compare(s.secp256k1Priv.Public().Compressed(), s.makerSecp256k1Pub.Compressed()) == -1 {
		sellerSigBytes = witness[1]
	} else {
		sellerSigBytes = witness[2]
	}

	decryptedS, err := adaptor.ExtractWitnessSignatureS(sellerSigBytes)
	if err != nil {
		return s.stage, err
	}
	sellerSecp256k1Priv, err := adaptor.Recover(s.encSig, decryptedS, s.makerSecp256k1Pub)
	if err != nil {
		return s.stage, err
	}
	sellerKeyBytes := sellerSecp256k1Priv.Bytes()
	sellerSpendKeyShare, err := mcrypto.NewPrivateSpendKeyFromCanonicalBytes(sellerKeyBytes[:])
	if err != nil {
		return s.stage, err
	}

	return s.sweepJointOutput(sellerSpendKeyShare)
}

// sweepJointOutput reconstructs the joint spend key from both shares, opens
// a wallet generated from it and the joint view key, and pays the output out: to the
// buyer's own wallet in full if no receive pool was configured, or split
// across the receive pool's addresses per spec.md §3 otherwise.
func (s *swapState) sweepJointOutput(sellerSpendKeyShare *mcrypto.PrivateSpendKey) (Stage, error) {
	fullSpendKey := mcrypto.SumPrivateSpendKeys(s.spendKeyShare, sellerSpendKeyShare)
	kp := mcrypto.NewPrivateKeyPair(fullSpendKey, s.jointViewKey)

	walletName := "xmrtaker-swap-" + s.info.SwapID.String()
	env := s.backend.Config().Env
	if err := s.backend.Monero().GenerateFromKeys(kp, walletName, "", env); err != nil {
		return s.stage, err
	}
	if err := s.backend.Monero().OpenWallet(walletName, ""); err != nil {
		return s.stage, err
	}

	if len(s.receivePool) == 0 {
		if _, err := s.backend.Monero().Sweep(s.buyerMainAddress, 0); err != nil {
			return s.stage, err
		}
		return StageXMRRedeemed, nil
	}

	balance, err := s.backend.Monero().UnlockedBalance()
	if err != nil {
		return s.stage, err
	}
	amounts := types.Distribute(balance.Uint64(), s.receivePool)
	for i, entry := range s.receivePool {
		if amounts[i] == 0 {
			continue
		}
		if _, err := s.backend.Monero().Transfer(mcrypto.Address(entry.Address), 0, common.MoneroAmount(amounts[i]), 1); err != nil {
			return s.stage, err
		}
	}
	return StageXMRRedeemed, nil
}

// broadcastCancel publishes tx_cancel once T1 has elapsed with no
// TransferProof received, or with no tx_redeem seen after the encrypted
// signature was sent.
func (s *swapState) broadcastCancel() (Stage, error) {
	bitcoin.FinalizeMultiSigWitness(
		s.cancelTx.Tx, 0, s.cancelTx.RedeemScript,
		s.secp256k1Priv.Public(), s.makerSecp256k1Pub,
		s.buyerCancelSig, s.sellerCancelSig,
	)
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, s.cancelTx.Tx, "tx_cancel"); err != nil {
		return s.stage, err
	}
	s.cancelOutPoint = bitcoin.OutPoint{Hash: s.cancelTx.Tx.TxHash(), Index: 0}
	return StageBTCCancelled, nil
}

// broadcastRefund publishes tx_refund, the buyer's immediate spend of
// tx_cancel's OP_ELSE branch. The output pays buyerRefundScript, the same
// destination fixed at swap-setup time (buildAndSignCancelAndEarlyRefund),
// since the seller's half of the witness is a pre-signature computed against
// that exact output: changing the destination now would make
// sellerRefundEncSig's decryption invalid.
func (s *swapState) broadcastRefund() (Stage, error) {
	cfg := s.backend.Config()
	cancelAmount := s.lockAmount
	tx, redeemScript, err := bitcoin.BuildRefundTx(
		s.cancelOutPoint, cancelAmount,
		s.secp256k1Priv.Public(), s.makerSecp256k1Pub,
		cfg.BitcoinPunishTimelock, s.buyerRefundScript, 0,
	)
	if err != nil {
		return s.stage, err
	}
	buyerSig, err := signDER(s.secp256k1Priv, mustSigHash(tx, redeemScript, cancelAmount))
	if err != nil {
		return s.stage, err
	}
	sellerDecSig := adaptor.Decrypt(s.sellerRefundEncSig, s.secp256k1Priv)
	bitcoin.FinalizeRefundWitness(tx, 0, redeemScript, s.secp256k1Priv.Public(), s.makerSecp256k1Pub, buyerSig, sellerDecSig.Serialize())
	if _, err := s.backend.Bitcoin().Broadcast(s.ctx, tx, "tx_refund"); err != nil {
		// tx_refund and tx_punish both spend tx_cancel's single timelocked
		// output, so a rejected tx_refund past this point means the seller
		// won the race and tx_punish is already confirmed. There is nothing
		// left to retry here.
		log.Warnf("swap %s: tx_refund rejected, assuming tx_punish already confirmed: %s", s.info.SwapID, err)
		return StageBTCPunished, nil
	}
	return StageBTCRefunded, nil
}

// requestCooperativeRedeem asks the seller for its Monero key share after
// tx_punish has been observed (spec.md §4.4's cooperative-redeem path). It
// is called out of band from step(), since StageBTCPunished is terminal to
// the ordinary state machine.
func (s *swapState) requestCooperativeRedeem() error {
	// Uses the backend's long-lived context, not s.ctx: by the time
	// Finalize triggers this, run()'s deferred cancel of s.ctx may already
	// have fired.
	ctx := s.backend.Ctx()
	req := &message.CooperativeRedeem{SwapID: s.info.SwapID.String()}
	resp, err := s.backend.Net().RequestCooperativeRedeem(ctx, s.counterparty, req)
	if err != nil {
		return err
	}
	if resp.Reason != "" {
		return fmt.Errorf("xmrtaker: cooperative redeem rejected: %s", resp.Reason)
	}
	keyBytes, err := hex.DecodeString(resp.PrivateKeyShare)
	if err != nil {
		return err
	}
	sellerSpendKeyShare, err := mcrypto.NewPrivateSpendKeyFromCanonicalBytes(keyBytes)
	if err != nil {
		return err
	}
	_, err = s.sweepJointOutput(sellerSpendKeyShare)
	return err
}

// --- small helpers, mirroring protocol/xmrmaker's. ---

func edwards25519PointOf(p *mcrypto.PublicKey) *edwards25519.Point {
	b := p.Bytes()
	pt, _ := new(edwards25519.Point).SetBytes(b[:])
	return pt
}

func viewKeyBytes(k *mcrypto.PrivateViewKey) []byte {
	b := k.Bytes()
	return b[:]
}

func signDER(priv *secp256k1.PrivateKey, hash []byte) ([]byte, error) {
	return priv.Sign(hash), nil
}

func mustSigHash(tx *wire.MsgTx, redeemScript []byte, amount common.BitcoinAmount) []byte {
	h, _ := bitcoin.WitnessSigHashTx(tx, redeemScript, amount)
	return h
}

// toChainHash reinterprets a raw 32-byte txid as a chainhash.Hash, the type
// bitcoin.Wallet's chain-watching methods key on.
func toChainHash(b [32]byte) chainhash.Hash {
	return chainhash.Hash(b)
}
