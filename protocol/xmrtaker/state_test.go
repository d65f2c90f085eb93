package xmrtaker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/common/types"
	pswap "github.com/noot/xmrswap/protocol/swap"
)

func TestParseStage_roundTripsWithString(t *testing.T) {
	all := []Stage{
		StageSwapSetupCompleted, StageBTCLocked, StageXMRLockProofReceived,
		StageXMRLocked, StageEncSigSent, StageBTCRedeemed, StageXMRRedeemed,
		StageCancelTimelockExpired, StageBTCCancelled, StageBTCRefundPublished,
		StageBTCRefunded, StageBTCEarlyRefundPublished, StageBTCEarlyRefunded,
		StageBTCPunished, StageSafelyAborted,
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

func TestResumeSwapState_rejectsMissingOrWrongRoleResumeState(t *testing.T) {
	_, err := resumeSwapState(nil, nil, &pswap.Info{SwapID: types.NewSwapID()})
	require.ErrorIs(t, err, errCannotResumeSwap)

	_, err = resumeSwapState(nil, nil, &pswap.Info{
		SwapID: types.NewSwapID(),
		Resume: &pswap.ResumeState{Role: "maker"},
	})
	require.ErrorIs(t, err, errCannotResumeSwap)
}

func TestStage_String(t *testing.T) {
	require.Equal(t, "SwapSetupCompleted", StageSwapSetupCompleted.String())
	require.Equal(t, "XMRRedeemed", StageXMRRedeemed.String())
	require.Equal(t, "SafelyAborted", StageSafelyAborted.String())
	require.Equal(t, "Unknown", Stage(255).String())
}

func TestStage_isTerminal(t *testing.T) {
	terminal := []Stage{
		StageXMRRedeemed, StageBTCRefunded, StageBTCEarlyRefunded,
		StageBTCPunished, StageSafelyAborted,
	}
	for _, s := range terminal {
		require.True(t, s.isTerminal(), s.String())
	}

	nonTerminal := []Stage{
		StageSwapSetupCompleted, StageBTCLocked, StageXMRLockProofReceived,
		StageXMRLocked, StageEncSigSent, StageBTCRedeemed,
		StageCancelTimelockExpired, StageBTCCancelled, StageBTCRefundPublished,
		StageBTCEarlyRefundPublished,
	}
	for _, s := range nonTerminal {
		require.False(t, s.isTerminal(), s.String())
	}
}
