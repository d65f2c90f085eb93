package xmrtaker

// Stage is the buyer's position in the swap protocol of spec.md §4.4. Like
// xmrmaker.Stage, it is more fine-grained than types.Status and is what
// persisted swap.Info resumption actually keys off of.
type Stage byte

const (
	// StageSwapSetupCompleted means both parties' key shares, DLEQ proofs,
	// and signatures over tx_cancel/tx_early_refund have been exchanged.
	// tx_lock is signed; the buyer is ready to broadcast it.
	StageSwapSetupCompleted Stage = iota
	// StageBTCLocked means tx_lock has been signed and broadcast by the
	// buyer and has reached BitcoinFinalityConfirmations.
	StageBTCLocked
	// StageXMRLockProofReceived means the seller's TransferProof message
	// has arrived but not yet been chain-verified.
	StageXMRLockProofReceived
	// StageXMRLocked means the Monero lock output has reached
	// MinMoneroConfirmations.
	StageXMRLocked
	// StageEncSigSent means the buyer's encrypted redeem signature has
	// been sent to (and ACK'd by) the seller.
	StageEncSigSent
	// StageBTCRedeemed means tx_redeem has been observed, in the mempool or
	// on chain.
	StageBTCRedeemed
	// StageXMRRedeemed is terminal: the buyer recovered s_A from
	// tx_redeem's signature and swept the joint Monero output.
	StageXMRRedeemed

	// StageCancelTimelockExpired means T1 elapsed without tx_redeem
	// appearing; the buyer is moving to the cancel/refund branch.
	StageCancelTimelockExpired
	// StageBTCCancelled means the buyer has broadcast tx_cancel; its
	// confirmation is not awaited before tx_refund is broadcast.
	StageBTCCancelled
	// StageBTCRefundPublished means the buyer has broadcast tx_refund and
	// is waiting for it to confirm.
	StageBTCRefundPublished
	// StageBTCRefunded is terminal: tx_refund has been broadcast. Its
	// confirmation is not awaited, and StageBTCRefundPublished is not
	// entered on the way here.
	StageBTCRefunded
	// StageBTCEarlyRefundPublished means the buyer has broadcast
	// tx_early_refund via the fast cooperative-cancel path.
	StageBTCEarlyRefundPublished
	// StageBTCEarlyRefunded is terminal: tx_early_refund confirmed.
	StageBTCEarlyRefunded
	// StageBTCPunished is terminal on the BTC side: the seller published
	// tx_punish. The buyer may still attempt CooperativeRedeem for XMR.
	StageBTCPunished

	// StageSafelyAborted is terminal: the swap was abandoned before any
	// irreversible commitment.
	StageSafelyAborted
)

func (s Stage) String() string {
	switch s {
	case StageSwapSetupCompleted:
		return "SwapSetupCompleted"
	case StageBTCLocked:
		return "BTCLocked"
	case StageXMRLockProofReceived:
		return "XMRLockProofReceived"
	case StageXMRLocked:
		return "XMRLocked"
	case StageEncSigSent:
		return "EncSigSent"
	case StageBTCRedeemed:
		return "BTCRedeemed"
	case StageXMRRedeemed:
		return "XMRRedeemed"
	case StageCancelTimelockExpired:
		return "CancelTimelockExpired"
	case StageBTCCancelled:
		return "BTCCancelled"
	case StageBTCRefundPublished:
		return "BTCRefundPublished"
	case StageBTCRefunded:
		return "BTCRefunded"
	case StageBTCEarlyRefundPublished:
		return "BTCEarlyRefundPublished"
	case StageBTCEarlyRefunded:
		return "BTCEarlyRefunded"
	case StageBTCPunished:
		return "BTCPunished"
	case StageSafelyAborted:
		return "SafelyAborted"
	default:
		return "Unknown"
	}
}

// isTerminal reports whether Stage is one the coordinator's run-until-
// completed loop should stop at. StageBTCPunished is terminal on the BTC
// side, but the buyer may still run a post-punish CooperativeRedeem attempt
// out of band (spec.md §4.4) rather than looping through step().
func (s Stage) isTerminal() bool {
	switch s {
	case StageXMRRedeemed, StageBTCRefunded, StageBTCEarlyRefunded, StageBTCPunished, StageSafelyAborted:
		return true
	default:
		return false
	}
}

// ParseStage is String's inverse, used by Instance.Resume to reconstruct a
// swapState's position from its persisted swap.Info.Stage string.
func ParseStage(s string) (Stage, bool) {
	switch s {
	case "SwapSetupCompleted":
		return StageSwapSetupCompleted, true
	case "BTCLocked":
		return StageBTCLocked, true
	case "XMRLockProofReceived":
		return StageXMRLockProofReceived, true
	case "XMRLocked":
		return StageXMRLocked, true
	case "EncSigSent":
		return StageEncSigSent, true
	case "BTCRedeemed":
		return StageBTCRedeemed, true
	case "XMRRedeemed":
		return StageXMRRedeemed, true
	case "CancelTimelockExpired":
		return StageCancelTimelockExpired, true
	case "BTCCancelled":
		return StageBTCCancelled, true
	case "BTCRefundPublished":
		return StageBTCRefundPublished, true
	case "BTCRefunded":
		return StageBTCRefunded, true
	case "BTCEarlyRefundPublished":
		return StageBTCEarlyRefundPublished, true
	case "BTCEarlyRefunded":
		return StageBTCEarlyRefunded, true
	case "BTCPunished":
		return StageBTCPunished, true
	case "SafelyAborted":
		return StageSafelyAborted, true
	default:
		return 0, false
	}
}
