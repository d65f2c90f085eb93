// Package timelock turns Bitcoin chain height into the swap's timelock
// state machine: None (still within the cooperative window), Cancel
// (tx_cancel may now be broadcast), or Punish (tx_punish may now be
// broadcast, if the buyer has not already published tx_refund). Grounded on
// the height/confirmation-notification shape of
// backend-engineer1-land/contractcourt/htlc_timeout_resolver.go's
// Resolve loop, the pack's only chain-height-driven timeout logic (the
// teacher's swap timeout is a single EVM block.timestamp comparison with no
// Bitcoin equivalent).
package timelock

import "fmt"

// State is where in the cancel/punish timelock race a swap currently is.
type State byte

const (
	// StateNone means neither relative timelock has elapsed: only
	// cooperative paths (tx_redeem, tx_early_refund) are available.
	StateNone State = iota
	// StateCancel means cancelTimelock blocks have passed since tx_lock
	// confirmed: tx_cancel may be broadcast.
	StateCancel
	// StatePunish means punishTimelock blocks have passed since tx_cancel
	// confirmed: tx_punish may be broadcast (unless tx_refund already is).
	StatePunish
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCancel:
		return "cancel"
	case StatePunish:
		return "punish"
	default:
		return fmt.Sprintf("State(%d)", byte(s))
	}
}

// Oracle computes timelock State from chain heights. It holds no chain
// connection itself — callers (the coordinator/watcher) feed it the current
// tip height and the two relevant confirmation heights, which keeps it
// trivially unit-testable.
type Oracle struct {
	cancelTimelock uint32
	punishTimelock uint32
}

// NewOracle builds an Oracle for the given relative timelocks (in blocks).
func NewOracle(cancelTimelock, punishTimelock uint32) *Oracle {
	return &Oracle{cancelTimelock: cancelTimelock, punishTimelock: punishTimelock}
}

// LockState reports the cancel/punish state given the current tip height and
// the height tx_lock confirmed at. lockConfHeight of 0 means tx_lock has not
// confirmed yet, in which case the cancel timelock cannot yet be running.
func (o *Oracle) LockState(tipHeight, lockConfHeight uint32) State {
	if lockConfHeight == 0 || tipHeight < lockConfHeight+o.cancelTimelock {
		return StateNone
	}
	return StateCancel
}

// CancelState reports whether the punish timelock has elapsed given the
// current tip height and the height tx_cancel confirmed at. cancelConfHeight
// of 0 means tx_cancel has not confirmed yet.
func (o *Oracle) CancelState(tipHeight, cancelConfHeight uint32) State {
	if cancelConfHeight == 0 {
		return StateCancel
	}
	if tipHeight < cancelConfHeight+o.punishTimelock {
		return StateCancel
	}
	return StatePunish
}

// BlocksUntilCancel returns how many more blocks must be mined before
// tx_cancel becomes valid, or 0 if it already is.
func (o *Oracle) BlocksUntilCancel(tipHeight, lockConfHeight uint32) uint32 {
	if lockConfHeight == 0 {
		return o.cancelTimelock
	}
	target := lockConfHeight + o.cancelTimelock
	if tipHeight >= target {
		return 0
	}
	return target - tipHeight
}

// BlocksUntilPunish returns how many more blocks must be mined before
// tx_punish becomes valid, or 0 if it already is.
func (o *Oracle) BlocksUntilPunish(tipHeight, cancelConfHeight uint32) uint32 {
	if cancelConfHeight == 0 {
		return o.punishTimelock
	}
	target := cancelConfHeight + o.punishTimelock
	if tipHeight >= target {
		return 0
	}
	return target - tipHeight
}
