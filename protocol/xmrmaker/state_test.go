package xmrmaker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common/types"
	pswap "github.com/noot/xmrswap/protocol/swap"
)

func TestResumeSwapState_rejectsMissingOrWrongRoleResumeState(t *testing.T) {
	_, err := resumeSwapState(nil, nil, &pswap.Info{SwapID: types.NewSwapID()})
	require.ErrorIs(t, err, errCannotResumeSwap)

	_, err = resumeSwapState(nil, nil, &pswap.Info{
		SwapID: types.NewSwapID(),
		Resume: &pswap.ResumeState{Role: "taker"},
	})
	require.ErrorIs(t, err, errCannotResumeSwap)
}

func TestStage_String(t *testing.T) {
	require.Equal(t, "KeysExchanged", StageKeysExchanged.String())
	require.Equal(t, "BTCRedeemed", StageBTCRedeemed.String())
	require.Equal(t, "SafelyAborted", StageSafelyAborted.String())
	require.Equal(t, "Unknown", Stage(255).String())
}

func TestParseStage_roundTripsWithString(t *testing.T) {
	all := []Stage{
		StageKeysExchanged, StageBTCLockTransactionSeen, StageBTCLocked,
		StageXMRLockTransactionSent, StageXMRLocked, StageXMRLockTransferProofSent,
		StageEncSigLearned, StageBTCRedeemTransactionPublished, StageBTCRedeemed,
		StageCancelTimelockExpired, StageBTCCancelled, StageBTCPunishable,
		StageBTCPunished, StageXMRRefunded, StageSafelyAborted,
	}
	for _, s := range all {
		parsed, ok := ParseStage(s.String())
		require.True(t, ok, s.String())
		require.Equal(t, s, parsed, s.String())
	}
}

func TestParseStage_unknown(t *testing.T) {
	_, ok := ParseStage("NotAStage")
	require.False(t, ok)
	_, ok = ParseStage("")
	require.False(t, ok)
}

func TestStage_isTerminal(t *testing.T) {
	terminal := []Stage{StageBTCRedeemed, StageBTCPunished, StageXMRRefunded, StageSafelyAborted}
	for _, s := range terminal {
		require.True(t, s.isTerminal(), s.String())
	}

	nonTerminal := []Stage{
		StageKeysExchanged, StageBTCLockTransactionSeen, StageBTCLocked,
		StageXMRLockTransactionSent, StageXMRLocked, StageXMRLockTransferProofSent,
		StageEncSigLearned, StageBTCRedeemTransactionPublished,
		StageCancelTimelockExpired, StageBTCCancelled, StageBTCPunishable,
	}
	for _, s := range nonTerminal {
		require.False(t, s.isTerminal(), s.String())
	}
}
