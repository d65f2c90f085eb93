package xmrmaker

// Stage is the seller's position in the swap protocol of spec.md §4.3. It is
// distinct from (and more fine-grained than) types.Status, which only
// records a swap's terminal outcome; Stage additionally drives which
// message/chain event the swapState is currently waiting on, and is
// persisted via swap.Info so a restarted daemon can resume mid-swap.
type Stage byte

const (
	// StageKeysExchanged means both parties' key shares and DLEQ proofs,
	// and both signatures over tx_cancel/tx_early_refund, have been
	// exchanged. The seller is now waiting for tx_lock.
	StageKeysExchanged Stage = iota
	// StageBTCLockTransactionSeen means tx_lock has been seen in the
	// mempool, but does not yet have the required confirmations.
	StageBTCLockTransactionSeen
	// StageBTCLocked means tx_lock has reached BitcoinFinalityConfirmations.
	StageBTCLocked
	// StageXMRLockTransactionSent means the seller has broadcast its share
	// of the joint Monero output.
	StageXMRLockTransactionSent
	// StageXMRLocked means the Monero lock transaction has reached
	// MinMoneroConfirmations.
	StageXMRLocked
	// StageXMRLockTransferProofSent means the seller's TransferProof has
	// been ACK'd by the buyer.
	StageXMRLockTransferProofSent
	// StageEncSigLearned means the seller holds a verified adaptor
	// signature for tx_redeem from the buyer.
	StageEncSigLearned
	// StageBTCRedeemTransactionPublished means tx_redeem has been
	// broadcast. The next step moves straight to StageBTCRedeemed without
	// waiting for it to confirm.
	StageBTCRedeemTransactionPublished
	// StageBTCRedeemed is terminal: tx_redeem has been broadcast and the
	// swap is complete; tx_redeem's confirmation is not awaited.
	StageBTCRedeemed

	// StageCancelTimelockExpired means T1 has passed without an encrypted
	// signature, and the seller has moved to broadcast tx_cancel.
	StageCancelTimelockExpired
	// StageBTCCancelled means tx_cancel has confirmed; the punish/refund
	// race (T2) is running.
	StageBTCCancelled
	// StageBTCPunishable means T2 has elapsed without tx_refund appearing.
	StageBTCPunishable
	// StageBTCPunished is terminal: tx_punish confirmed.
	StageBTCPunished
	// StageXMRRefunded is terminal: the seller recovered its Monero after
	// observing tx_refund's revealed scalar.
	StageXMRRefunded

	// StageSafelyAborted is terminal: the swap was abandoned before any
	// irreversible commitment (eg. the buyer never locked BTC).
	StageSafelyAborted
)

func (s Stage) String() string {
	switch s {
	case StageKeysExchanged:
		return "KeysExchanged"
	case StageBTCLockTransactionSeen:
		return "BTCLockTransactionSeen"
	case StageBTCLocked:
		return "BTCLocked"
	case StageXMRLockTransactionSent:
		return "XMRLockTransactionSent"
	case StageXMRLocked:
		return "XMRLocked"
	case StageXMRLockTransferProofSent:
		return "XMRLockTransferProofSent"
	case StageEncSigLearned:
		return "EncSigLearned"
	case StageBTCRedeemTransactionPublished:
		return "BTCRedeemTransactionPublished"
	case StageBTCRedeemed:
		return "BTCRedeemed"
	case StageCancelTimelockExpired:
		return "CancelTimelockExpired"
	case StageBTCCancelled:
		return "BTCCancelled"
	case StageBTCPunishable:
		return "BTCPunishable"
	case StageBTCPunished:
		return "BTCPunished"
	case StageXMRRefunded:
		return "XMRRefunded"
	case StageSafelyAborted:
		return "SafelyAborted"
	default:
		return "Unknown"
	}
}

// isTerminal reports whether Stage is one the coordinator's run-until-
// completed loop should stop at.
func (s Stage) isTerminal() bool {
	switch s {
	case StageBTCRedeemed, StageBTCPunished, StageXMRRefunded, StageSafelyAborted:
		return true
	default:
		return false
	}
}

// ParseStage is String's inverse, used by Instance.Resume to reconstruct a
// swapState's position from its persisted swap.Info.Stage string.
func ParseStage(s string) (Stage, bool) {
	switch s {
	case "KeysExchanged":
		return StageKeysExchanged, true
	case "BTCLockTransactionSeen":
		return StageBTCLockTransactionSeen, true
	case "BTCLocked":
		return StageBTCLocked, true
	case "XMRLockTransactionSent":
		return StageXMRLockTransactionSent, true
	case "XMRLocked":
		return StageXMRLocked, true
	case "XMRLockTransferProofSent":
		return StageXMRLockTransferProofSent, true
	case "EncSigLearned":
		return StageEncSigLearned, true
	case "BTCRedeemTransactionPublished":
		return StageBTCRedeemTransactionPublished, true
	case "BTCRedeemed":
		return StageBTCRedeemed, true
	case "CancelTimelockExpired":
		return StageCancelTimelockExpired, true
	case "BTCCancelled":
		return StageBTCCancelled, true
	case "BTCPunishable":
		return StageBTCPunishable, true
	case "BTCPunished":
		return StageBTCPunished, true
	case "XMRRefunded":
		return StageXMRRefunded, true
	case "SafelyAborted":
		return StageSafelyAborted, true
	default:
		return 0, false
	}
}
