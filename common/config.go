package common

import "time"

// Config holds the enumerated options of spec.md §6: the knobs that govern
// how aggressively the protocol waits on chain state before giving up or
// moving on to a recovery branch.
type Config struct {
	Env Environment

	// BitcoinNetwork and MoneroNetwork name the underlying chain networks
	// (eg. "mainnet", "regtest", "stagenet") used to validate addresses and
	// construct wallet RPC clients.
	BitcoinNetwork string
	MoneroNetwork  string

	// BitcoinFinalityConfirmations is how many confirmations tx_lock needs
	// before it's considered final enough to begin locking XMR.
	BitcoinFinalityConfirmations uint32

	// BitcoinLockMempoolTimeout bounds how long the seller waits to see
	// tx_lock appear in the mempool before aborting.
	BitcoinLockMempoolTimeout time.Duration

	// BitcoinLockConfirmedTimeout bounds how long the seller waits for
	// BitcoinFinalityConfirmations before aborting.
	BitcoinLockConfirmedTimeout time.Duration

	// BitcoinCancelTimelock is T1: the relative timelock, in blocks from
	// tx_lock's confirmation, after which tx_cancel becomes valid.
	BitcoinCancelTimelock uint32

	// BitcoinPunishTimelock is T2: the relative timelock, in blocks from
	// tx_cancel's confirmation, after which tx_punish becomes valid.
	BitcoinPunishTimelock uint32

	// MinMoneroConfirmations is how many confirmations the XMR lock needs
	// before the buyer proceeds to send the encrypted redeem signature.
	MinMoneroConfirmations uint64

	// MoneroSyncPendingTransferPollInterval is how often the buyer polls
	// for the XMR lock transfer proof's confirmation depth.
	MoneroSyncPendingTransferPollInterval time.Duration
}

// DefaultMainnetConfig returns conservative defaults appropriate for mainnet.
func DefaultMainnetConfig() *Config {
	return &Config{
		Env:                                    Mainnet,
		BitcoinNetwork:                         "mainnet",
		MoneroNetwork:                          "mainnet",
		BitcoinFinalityConfirmations:           1,
		BitcoinLockMempoolTimeout:              1 * time.Hour,
		BitcoinLockConfirmedTimeout:            6 * time.Hour,
		BitcoinCancelTimelock:                  72,
		BitcoinPunishTimelock:                  72,
		MinMoneroConfirmations:                 10,
		MoneroSyncPendingTransferPollInterval:  5 * time.Second,
	}
}

// DefaultDevelopmentConfig returns fast timeouts/timelocks suitable for
// regtest/stagenet integration testing.
func DefaultDevelopmentConfig() *Config {
	return &Config{
		Env:                                    Development,
		BitcoinNetwork:                         "regtest",
		MoneroNetwork:                          "regtest",
		BitcoinFinalityConfirmations:           1,
		BitcoinLockMempoolTimeout:              30 * time.Second,
		BitcoinLockConfirmedTimeout:            30 * time.Second,
		BitcoinCancelTimelock:                  10,
		BitcoinPunishTimelock:                  10,
		MinMoneroConfirmations:                 1,
		MoneroSyncPendingTransferPollInterval:  time.Second,
	}
}
