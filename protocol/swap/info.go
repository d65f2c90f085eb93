// Package swap tracks the current and past swaps swapd manages: Info is the
// persisted record of a single swap's progress, Manager is the in-memory +
// on-disk tracking layer built on top of it.
//
// Grounded on bingcicle-atomic-swap/protocol/swap/manager.go, generalized
// from that repo's Ethereum OfferExtra/asset fields to the BTC/XMR amounts
// and block-height timelocks this protocol actually moves.
package swap

import (
	"time"

	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
)

// Info is the persisted state of a single swap, from the moment an offer is
// accepted until it reaches a terminal status.
type Info struct {
	SwapID            types.SwapID
	OfferID           types.SwapID
	Status            types.Status
	ProvidedAmount    common.BitcoinAmount // what the buyer locks
	ExpectedAmount    common.MoneroAmount  // what the seller locks
	ExchangeRate      common.ExchangeRate
	BitcoinLockHeight uint32 // height tx_lock confirmed at, 0 if not yet
	MoneroStartHeight uint64 // chain height when the Monero lock output is expected
	StartTime         time.Time
	EndTime           *time.Time

	// Stage is the role-specific state machine stage (xmrtaker.Stage or
	// xmrmaker.Stage's String()) this swap last persisted at. A daemon
	// restart reads it to report a swap's last-known point of progress even
	// for swaps it can no longer drive (see protocol/watcher).
	Stage string

	// CounterpartyPeerID is the libp2p peer ID of the other side of this
	// swap, so a restarted daemon knows who to resume contacting.
	CounterpartyPeerID string
	// CounterpartyAddrs are the counterparty's last-known multiaddrs.
	CounterpartyAddrs []string

	// Resume holds the key material and exchanged transcript a restarted
	// daemon needs to reconstruct this swap's in-memory state and keep
	// driving it, rather than merely reporting that it is stuck. Nil for
	// swaps persisted before this field existed, or once the swap reaches
	// a terminal Status (Manager.CompleteOngoingSwap clears it).
	Resume *ResumeState
}

// ResumeState is the per-swap secret and transcript material a role's
// swapState needs to pick back up after a process restart: this side's
// secp256k1/Monero key shares, the counterparty's key shares learned during
// swap setup, the lock/cancel transactions built so far, and every signature
// exchanged. Persisting swap-critical private keys has precedent in the
// original implementation this protocol is modeled on: Alice's resumable
// state persists her Bitcoin secret key and cross-curve DLEQ scalar
// alongside the rest of her swap record, rather than treating them as
// memory-only.
//
// Every []byte-shaped value is hex-encoded so ResumeState round-trips
// through the same JSON encoding swap.Info uses (db.PutSwap).
type ResumeState struct {
	Role string // "maker" or "taker"

	Secp256k1PrivHex string
	SpendKeyShareHex string
	ViewKeyShareHex  string

	CounterpartySecp256k1PubHex  string
	CounterpartySpendKeyShareHex string
	CounterpartyViewKeyShareHex  string

	LockAmount    uint64
	LockScriptHex string
	LockTxHashHex string
	LockIndex     uint32

	// LockTxHex and LockPkScriptHex are set by the taker only: the maker
	// never builds tx_lock itself.
	LockTxHex       string
	LockPkScriptHex string

	CancelTxHex           string
	CancelRedeemScriptHex string
	CancelOutPointHashHex string
	CancelOutPointIndex   uint32

	BuyerCancelSigHex       string
	SellerCancelSigHex      string
	BuyerEarlyRefundSigHex  string
	SellerEarlyRefundSigHex string
	BuyerRefundScriptHex    string

	RefundEncSigHex string
	RefundTxHashHex string

	EncSigHex         string
	RedeemTxHashHex   string
	BuyerRedeemSigHex string

	XMRTxHash      string // maker only
	XMRStartHeight uint64 // taker only

	ReceivePool types.ReceivePool // taker only
}

// IsOngoing reports whether this swap has not yet reached a terminal status.
func (i *Info) IsOngoing() bool {
	return i.Status.IsOngoing()
}
