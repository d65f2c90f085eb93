package bitcoin

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/noot/xmrswap/common"
	msecp256k1 "github.com/noot/xmrswap/crypto/secp256k1"
)

// dustLimit is the minimum economical P2WSH/P2WKH output value in satoshis;
// below this, nodes relay the output as dust (BIP-0013-adjacent convention
// used throughout lnwallet/txrules).
const dustLimit = common.BitcoinAmount(330)

const txVersion = 2

// LockTx is tx_lock: it spends the buyer's funding UTXOs into the 2-of-2
// multisig output that tx_cancel, tx_redeem and tx_early_refund spend from.
type LockTx struct {
	Tx           *wire.MsgTx
	RedeemScript []byte
	Amount       common.BitcoinAmount
}

// BuildLockTx constructs tx_lock paying amount into the buyer/seller 2-of-2
// multisig, spending the given funding inputs and returning any change to
// changeScript.
func BuildLockTx(
	inputs []OutPoint,
	inputValues []common.BitcoinAmount,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	amount common.BitcoinAmount,
	changeScript []byte,
	fee common.BitcoinAmount,
) (*LockTx, error) {
	redeem, pkScript, err := LockPkScript(buyerPub, sellerPub)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	var total common.BitcoinAmount
	for i, in := range inputs {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: *toWireOutPoint(in)})
		total = total + inputValues[i]
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), pkScript))

	change := total.Sub(amount).Sub(fee)
	if change >= dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	return &LockTx{Tx: tx, RedeemScript: redeem, Amount: amount}, nil
}

// timelockedSpend builds the common shape shared by tx_cancel, tx_refund,
// tx_punish, tx_redeem, and tx_early_refund: a single-input, single-output
// transaction spending a P2WSH output, with an optional relative-locktime
// (CSV) requirement on the input.
func timelockedSpend(
	prevOut OutPoint,
	prevAmount common.BitcoinAmount,
	sequence uint32,
	outScript []byte,
	outAmount common.BitcoinAmount,
) *wire.MsgTx {
	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(toWireOutPoint(prevOut), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(int64(outAmount), outScript))
	return tx
}

// CancelTx is tx_cancel: it spends tx_lock's multisig output (via a
// cooperative 2-of-2 signature, gated by the cancelTimelock relative
// locktime on its input) into CancelScript, starting the punish/refund
// timelock race.
type CancelTx struct {
	Tx           *wire.MsgTx
	RedeemScript []byte
}

// BuildCancelTx constructs tx_cancel.
func BuildCancelTx(
	lockOutPoint OutPoint,
	lockAmount common.BitcoinAmount,
	cancelTimelock uint32,
	punishTimelock uint32,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	fee common.BitcoinAmount,
) (*CancelTx, error) {
	_, outScript, err := CancelPkScript(buyerPub, sellerPub, punishTimelock)
	if err != nil {
		return nil, err
	}
	out := lockAmount.Sub(fee)
	tx := timelockedSpend(lockOutPoint, lockAmount, cancelTimelock, outScript, out)

	redeem, err := LockScript(buyerPub, sellerPub)
	if err != nil {
		return nil, err
	}
	return &CancelTx{Tx: tx, RedeemScript: redeem}, nil
}

// BuildRefundTx constructs tx_refund: the buyer's immediate (no extra
// timelock) spend of tx_cancel's OP_ELSE branch, refunding the locked BTC
// back to the buyer.
func BuildRefundTx(
	cancelOutPoint OutPoint,
	cancelAmount common.BitcoinAmount,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	punishTimelock uint32,
	buyerChangeScript []byte,
	fee common.BitcoinAmount,
) (*wire.MsgTx, []byte, error) {
	redeem, err := CancelScript(buyerPub, sellerPub, punishTimelock)
	if err != nil {
		return nil, nil, err
	}
	out := cancelAmount.Sub(fee)
	tx := timelockedSpend(cancelOutPoint, cancelAmount, wire.MaxTxInSequenceNum, buyerChangeScript, out)
	return tx, redeem, nil
}

// BuildPunishTx constructs tx_punish: the seller's spend of tx_cancel's
// OP_IF branch, available once punishTimelock blocks have passed since
// tx_cancel confirmed and the buyer has not broadcast tx_refund.
func BuildPunishTx(
	cancelOutPoint OutPoint,
	cancelAmount common.BitcoinAmount,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	punishTimelock uint32,
	sellerPayoutScript []byte,
	fee common.BitcoinAmount,
) (*wire.MsgTx, []byte, error) {
	redeem, err := CancelScript(buyerPub, sellerPub, punishTimelock)
	if err != nil {
		return nil, nil, err
	}
	out := cancelAmount.Sub(fee)
	tx := timelockedSpend(cancelOutPoint, cancelAmount, punishTimelock, sellerPayoutScript, out)
	return tx, redeem, nil
}

// BuildRedeemTx constructs tx_redeem: the seller's direct spend of tx_lock's
// multisig output, available any time before tx_cancel confirms. This is the
// transaction the buyer's encrypted signature (crypto/adaptor) targets, so
// that decrypting the seller's broadcast signature recovers the seller's
// Monero key share.
func BuildRedeemTx(
	lockOutPoint OutPoint,
	lockAmount common.BitcoinAmount,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	sellerPayoutScript []byte,
	fee common.BitcoinAmount,
) (*wire.MsgTx, []byte, error) {
	redeem, err := LockScript(buyerPub, sellerPub)
	if err != nil {
		return nil, nil, err
	}
	out := lockAmount.Sub(fee)
	tx := timelockedSpend(lockOutPoint, lockAmount, wire.MaxTxInSequenceNum, sellerPayoutScript, out)
	return tx, redeem, nil
}

// BuildEarlyRefundTx constructs tx_early_refund, the fast cooperative-cancel
// path described in SPEC_FULL.md §4's early-refund supplement: both parties
// sign a direct spend of tx_lock back to the buyer before either timelock
// branch is reachable, skipping the tx_cancel/tx_refund round trip entirely
// when both sides already agree the swap should not proceed.
func BuildEarlyRefundTx(
	lockOutPoint OutPoint,
	lockAmount common.BitcoinAmount,
	buyerPub, sellerPub *msecp256k1.PublicKey,
	buyerChangeScript []byte,
	fee common.BitcoinAmount,
) (*wire.MsgTx, []byte, error) {
	redeem, err := LockScript(buyerPub, sellerPub)
	if err != nil {
		return nil, nil, err
	}
	out := lockAmount.Sub(fee)
	tx := timelockedSpend(lockOutPoint, lockAmount, wire.MaxTxInSequenceNum, buyerChangeScript, out)
	return tx, redeem, nil
}

// WitnessSigHash computes the BIP-143 witness signature hash for input
// inputIndex of tx spending prevScript worth prevAmount, the value both crypto/adaptor's
// EncSign and a plain ECDSA signer need to sign over.
func WitnessSigHash(tx *wire.MsgTx, inputIndex int, prevScript []byte, prevAmount common.BitcoinAmount) ([]byte, error) {
	hashes := txscript.NewTxSigHashes(tx, emptyPrevOutFetcher())
	return txscript.CalcWitnessSigHash(prevScript, hashes, txscript.SigHashAll, tx, inputIndex, int64(prevAmount))
}

// emptyPrevOutFetcher satisfies txscript.PrevOutputFetcher for legacy
// (non-taproot) sighash calculation, which does not consult it.
func emptyPrevOutFetcher() txscript.PrevOutputFetcher {
	return txscript.NewCannedPrevOutputFetcher(nil, 0)
}

// WitnessSigHashTx is WitnessSigHash for callers that already have a built
// tx (tx_punish, tx_redeem, ...) rather than its individual pieces.
func WitnessSigHashTx(tx *wire.MsgTx, prevScript []byte, prevAmount common.BitcoinAmount) ([]byte, error) {
	return WitnessSigHash(tx, 0, prevScript, prevAmount)
}

// P2WKHScriptFromAddress returns the scriptPubKey for a witness-pubkey-hash
// address, the form tx_refund/tx_punish/tx_redeem pay a plain wallet address
// rather than a swap-specific pubkey.
func P2WKHScriptFromAddress(addr btcutil.Address) ([]byte, error) {
	return txscript.PayToAddrScript(addr)
}

// FinalizeMultiSigWitness attaches the completed 2-of-2 witness (both
// parties' DER signatures plus SIGHASH_ALL) to tx's single input.
func FinalizeMultiSigWitness(tx *wire.MsgTx, inputIndex int, redeemScript []byte, buyerPub, sellerPub *msecp256k1.PublicKey, buyerSig, sellerSig []byte) {
	tx.TxIn[inputIndex].Witness = multiSigWitness(redeemScript, buyerPub.Compressed(), buyerSig, sellerPub.Compressed(), sellerSig)
}

// FinalizePunishWitness attaches tx_punish's single-signature OP_IF witness.
func FinalizePunishWitness(tx *wire.MsgTx, inputIndex int, redeemScript []byte, sellerSig []byte) {
	tx.TxIn[inputIndex].Witness = punishWitness(redeemScript, sellerSig)
}

// FinalizeRefundWitness attaches tx_refund's 2-of-2 OP_ELSE witness.
func FinalizeRefundWitness(
	tx *wire.MsgTx, inputIndex int, redeemScript []byte,
	buyerPub, sellerPub *msecp256k1.PublicKey, buyerSig, sellerSig []byte,
) {
	tx.TxIn[inputIndex].Witness = refundWitness(redeemScript, buyerPub.Compressed(), buyerSig, sellerPub.Compressed(), sellerSig)
}
