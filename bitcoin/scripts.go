// Package bitcoin builds and signs the five (six, counting the optional
// early-refund fast path) Bitcoin transactions the swap protocol moves funds
// through: tx_lock, tx_cancel, tx_refund, tx_punish, tx_redeem, and
// tx_early_refund (spec.md §3/§5).
//
// Grounded on lnwallet/script_utils.go's multisig and CSV-branching script
// patterns (github.com/noot-atomic-swap teacher has no Bitcoin script code of
// its own; backend-engineer1-land, the full lnd source tree retrieved
// alongside it, is the pack's only Bitcoin-script reference), updated to the
// github.com/btcsuite/btcd v0.23 API this module depends on.
package bitcoin

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	msecp256k1 "github.com/noot/xmrswap/crypto/secp256k1"
)

// ErrAmountTooSmall is returned when a transaction would create an
// uneconomical (dust or negative) output.
var ErrAmountTooSmall = errors.New("bitcoin: output amount too small")

// witnessScriptHash wraps a redeem script in its P2WSH public key script,
// following lnwallet.witnessScriptHash.
func witnessScriptHash(redeemScript []byte) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	scriptHash := sha256.Sum256(redeemScript)
	bldr.AddData(scriptHash[:])
	return bldr.Script()
}

// LockScript returns the 2-of-2 multisig redeem script that locks funds into
// tx_lock, following lnwallet.genMultiSigScript's key-sort convention so both
// parties derive byte-identical scripts and witness orderings.
func LockScript(buyerPub, sellerPub *msecp256k1.PublicKey) ([]byte, error) {
	return multiSigScript(buyerPub, sellerPub)
}

// LockPkScript returns the P2WSH scriptPubKey for tx_lock's output.
func LockPkScript(buyerPub, sellerPub *msecp256k1.PublicKey) ([]byte, []byte, error) {
	redeem, err := LockScript(buyerPub, sellerPub)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := witnessScriptHash(redeem)
	if err != nil {
		return nil, nil, err
	}
	return redeem, pkScript, nil
}

func multiSigScript(a, b *msecp256k1.PublicKey) ([]byte, error) {
	aPub, bPub := a.Compressed(), b.Compressed()
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("bitcoin: compressed pubkeys only")
	}
	if bytes.Compare(aPub, bPub) == -1 {
		aPub, bPub = bPub, aPub
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	return bldr.Script()
}

// multiSigWitness builds the witness stack for spending a 2-of-2 P2WSH
// multisig output, matching lnwallet.spendMultiSig's ordering rule (witness
// signatures must appear in the same order the pubkeys were pushed in).
func multiSigWitness(redeemScript []byte, pubA, sigA, pubB, sigB []byte) [][]byte {
	witness := make([][]byte, 0, 4)
	witness = append(witness, nil) // OP_CHECKMULTISIG off-by-one stack bug

	if bytes.Compare(pubA, pubB) == -1 {
		witness = append(witness, sigB, sigA)
	} else {
		witness = append(witness, sigA, sigB)
	}

	witness = append(witness, redeemScript)
	return witness
}

// CancelScript returns tx_cancel's output script. It has two spending
// branches: the seller alone, after punishTimelock blocks (tx_punish), or a
// 2-of-2 between buyer and seller, immediately (tx_refund). The refund
// branch needs both signatures, rather than the buyer's alone, because the
// seller's half is an adaptor signature encrypted under the buyer's Monero
// key-share point: once the buyer decrypts it to complete and broadcast
// tx_refund, the seller can recover that key share from the now-public
// signature, the same recovery tx_redeem gives the buyer. Grounded on
// lnwallet.commitScriptToSelf's OP_IF/OP_CSV branching idiom.
//
//	OP_IF
//	    <punishTimelock> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <sellerPub> OP_CHECKSIG
//	OP_ELSE
//	    OP_2 <pubkeys, sorted> OP_2 OP_CHECKMULTISIG
//	OP_ENDIF
func CancelScript(buyerPub, sellerPub *msecp256k1.PublicKey, punishTimelock uint32) ([]byte, error) {
	if punishTimelock == 0 || punishTimelock > 0xffff {
		return nil, fmt.Errorf("bitcoin: punish timelock out of CSV range: %d", punishTimelock)
	}

	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_IF)
	bldr.AddInt64(int64(punishTimelock))
	bldr.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	bldr.AddOp(txscript.OP_DROP)
	bldr.AddData(sellerPub.Compressed())
	bldr.AddOp(txscript.OP_CHECKSIG)
	bldr.AddOp(txscript.OP_ELSE)
	aPub, bPub := buyerPub.Compressed(), sellerPub.Compressed()
	if len(aPub) != 33 || len(bPub) != 33 {
		return nil, fmt.Errorf("bitcoin: compressed pubkeys only")
	}
	if bytes.Compare(aPub, bPub) == -1 {
		aPub, bPub = bPub, aPub
	}
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(aPub)
	bldr.AddData(bPub)
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)
	bldr.AddOp(txscript.OP_ENDIF)
	return bldr.Script()
}

// CancelPkScript returns the P2WSH scriptPubKey for tx_cancel's output.
func CancelPkScript(buyerPub, sellerPub *msecp256k1.PublicKey, punishTimelock uint32) ([]byte, []byte, error) {
	redeem, err := CancelScript(buyerPub, sellerPub, punishTimelock)
	if err != nil {
		return nil, nil, err
	}
	pkScript, err := witnessScriptHash(redeem)
	if err != nil {
		return nil, nil, err
	}
	return redeem, pkScript, nil
}

// punishWitness spends the OP_IF branch of CancelScript: <sig> OP_TRUE.
func punishWitness(redeemScript []byte, sellerSig []byte) [][]byte {
	return [][]byte{sellerSig, {1}, redeemScript}
}

// refundWitness spends the OP_ELSE branch of CancelScript: a 2-of-2
// CHECKMULTISIG (same signature-ordering convention as multiSigWitness)
// followed by the OP_FALSE that selects the OP_ELSE branch.
func refundWitness(redeemScript []byte, buyerPub, buyerSig, sellerPub, sellerSig []byte) [][]byte {
	witness := make([][]byte, 0, 5)
	witness = append(witness, nil) // OP_CHECKMULTISIG off-by-one stack bug
	if bytes.Compare(buyerPub, sellerPub) == -1 {
		witness = append(witness, sellerSig, buyerSig)
	} else {
		witness = append(witness, buyerSig, sellerSig)
	}
	witness = append(witness, nil) // selects CancelScript's OP_ELSE branch
	witness = append(witness, redeemScript)
	return witness
}

// P2WKHScript returns a standard pay-to-witness-pubkey-hash output script
// for key, the form tx_redeem and tx_refund pay the recipient's change to.
func P2WKHScript(key *msecp256k1.PublicKey) ([]byte, error) {
	bldr := txscript.NewScriptBuilder()
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(btcutil.Hash160(key.Compressed()))
	return bldr.Script()
}

// OutPoint identifies the UTXO a transaction spends.
type OutPoint struct {
	Hash  [32]byte
	Index uint32
}

func toWireOutPoint(o OutPoint) *wire.OutPoint {
	h, _ := chainhash.NewHash(o.Hash[:])
	return wire.NewOutPoint(h, o.Index)
}
