// Package types holds data structures shared across the protocol, net, and rpc
// packages: swap identifiers, lifecycle status, offers and receive pools.
package types

// Status represents the terminal or in-progress status of a swap, as tracked
// by the swap.Manager and reported over the status-subscription RPC.
type Status byte

const (
	// Ongoing means the swap is still in progress.
	Ongoing Status = iota
	// XMRRedeemed is a buyer-side terminal status: the buyer swept the XMR.
	XMRRedeemed
	// BtcRedeemed is a seller-side terminal status: the seller published tx_redeem.
	BtcRedeemed
	// BtcRefunded is a buyer-side terminal status: tx_refund confirmed.
	BtcRefunded
	// BtcEarlyRefunded is a buyer-side terminal status: the early-refund fast path completed.
	BtcEarlyRefunded
	// XMRRefunded is a seller-side terminal status: the seller recovered XMR after tx_refund.
	XMRRefunded
	// BtcPunished is a buyer-side terminal status: the seller published tx_punish.
	BtcPunished
	// SafelyAborted means neither side made an irreversible commitment.
	SafelyAborted
)

// String ...
func (s Status) String() string {
	switch s {
	case Ongoing:
		return "Ongoing"
	case XMRRedeemed:
		return "XmrRedeemed"
	case BtcRedeemed:
		return "BtcRedeemed"
	case BtcRefunded:
		return "BtcRefunded"
	case BtcEarlyRefunded:
		return "BtcEarlyRefunded"
	case XMRRefunded:
		return "XmrRefunded"
	case BtcPunished:
		return "BtcPunished"
	case SafelyAborted:
		return "SafelyAborted"
	default:
		return "Unknown"
	}
}

// IsOngoing returns true if the swap has not yet reached a terminal status.
func (s Status) IsOngoing() bool {
	return s == Ongoing
}
