package watcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	pswap "github.com/noot/xmrswap/protocol/swap"
)

// fakeWallet implements bitcoin.Wallet by embedding a nil Wallet and
// overriding only the one method scan() calls; any other method panics if
// exercised, which would itself be a test failure worth seeing.
type fakeWallet struct {
	bitcoin.Wallet
	height uint32
}

func (w *fakeWallet) GetBlockHeight(context.Context) (uint32, error) {
	return w.height, nil
}

// fakeManager implements pswap.Manager over a fixed, in-memory ongoing set.
type fakeManager struct {
	pswap.Manager
	ongoing []*pswap.Info
}

func (m *fakeManager) GetOngoingSwaps() ([]*pswap.Info, error) {
	return m.ongoing, nil
}

// fakeResumer lets a test control IsActive/Resume per swap ID independently
// of any real role Instance.
type fakeResumer struct {
	active      map[types.SwapID]bool
	resumeErr   map[types.SwapID]error
	resumeCalls []types.SwapID
}

func newFakeResumer() *fakeResumer {
	return &fakeResumer{
		active:    make(map[types.SwapID]bool),
		resumeErr: make(map[types.SwapID]error),
	}
}

func (r *fakeResumer) IsActive(id types.SwapID) bool { return r.active[id] }

func (r *fakeResumer) Resume(info *pswap.Info) error {
	r.resumeCalls = append(r.resumeCalls, info.SwapID)
	return r.resumeErr[info.SwapID]
}

func testConfig() *common.Config {
	return &common.Config{BitcoinCancelTimelock: 12, BitcoinPunishTimelock: 12}
}

func TestWatcher_scan_resumesStuckMakerSwap(t *testing.T) {
	id := types.NewSwapID()
	info := &pswap.Info{
		SwapID: id,
		Stage:  "BTCLocked",
		Resume: &pswap.ResumeState{Role: "maker"},
	}

	maker := newFakeResumer()
	taker := newFakeResumer()
	w := New(&fakeManager{ongoing: []*pswap.Info{info}}, &fakeWallet{}, testConfig(), maker, taker)

	w.scan(context.Background())

	require.Equal(t, []types.SwapID{id}, maker.resumeCalls)
	require.Empty(t, taker.resumeCalls)
	require.Empty(t, w.stuck)
}

func TestWatcher_scan_resumesStuckTakerSwap(t *testing.T) {
	id := types.NewSwapID()
	info := &pswap.Info{
		SwapID: id,
		Stage:  "BTCLocked",
		Resume: &pswap.ResumeState{Role: "taker"},
	}

	maker := newFakeResumer()
	taker := newFakeResumer()
	w := New(&fakeManager{ongoing: []*pswap.Info{info}}, &fakeWallet{}, testConfig(), maker, taker)

	w.scan(context.Background())

	require.Equal(t, []types.SwapID{id}, taker.resumeCalls)
	require.Empty(t, maker.resumeCalls)
}

func TestWatcher_scan_skipsAlreadyActiveSwap(t *testing.T) {
	id := types.NewSwapID()
	info := &pswap.Info{SwapID: id, Resume: &pswap.ResumeState{Role: "maker"}}

	maker := newFakeResumer()
	maker.active[id] = true
	taker := newFakeResumer()
	w := New(&fakeManager{ongoing: []*pswap.Info{info}}, &fakeWallet{}, testConfig(), maker, taker)

	w.scan(context.Background())

	require.Empty(t, maker.resumeCalls, "an actively-driven swap must not be resumed again")
}

func TestWatcher_scan_logsAndRemembersUnresumableSwap(t *testing.T) {
	id := types.NewSwapID()
	info := &pswap.Info{SwapID: id, Stage: "BTCLocked", BitcoinLockHeight: 100, Resume: nil}

	maker := newFakeResumer()
	taker := newFakeResumer()
	w := New(&fakeManager{ongoing: []*pswap.Info{info}}, &fakeWallet{height: 100}, testConfig(), maker, taker)

	w.scan(context.Background())

	require.Empty(t, maker.resumeCalls)
	require.Empty(t, taker.resumeCalls)
	require.Contains(t, w.stuck, id)

	// A second scan must not retry the resume attempt every tick.
	w.scan(context.Background())
	require.Empty(t, maker.resumeCalls)
}

func TestWatcher_scan_forgetsStuckSwapOnceItLeavesOngoingSet(t *testing.T) {
	id := types.NewSwapID()
	info := &pswap.Info{SwapID: id, Resume: &pswap.ResumeState{Role: "maker"}}

	maker := newFakeResumer()
	maker.resumeErr[id] = errors.New("maker: swap has no resumable state")
	taker := newFakeResumer()
	m := &fakeManager{ongoing: []*pswap.Info{info}}
	w := New(m, &fakeWallet{}, testConfig(), maker, taker)

	w.scan(context.Background())
	require.Len(t, maker.resumeCalls, 1)
	require.Contains(t, w.stuck, id)

	// Swap falls off the ongoing set (completed by other means); stuck entry
	// must be forgotten rather than retained forever.
	m.ongoing = nil
	w.scan(context.Background())
	require.NotContains(t, w.stuck, id)
}

func TestWatcher_resume_unrecognizedRole(t *testing.T) {
	w := New(&fakeManager{}, &fakeWallet{}, testConfig(), newFakeResumer(), newFakeResumer())
	info := &pswap.Info{SwapID: types.NewSwapID(), Resume: &pswap.ResumeState{Role: "referee"}}

	err := w.resume(info)
	require.Error(t, err)
}

func TestWatcher_resume_nilResumeState(t *testing.T) {
	w := New(&fakeManager{}, &fakeWallet{}, testConfig(), newFakeResumer(), newFakeResumer())
	err := w.resume(&pswap.Info{SwapID: types.NewSwapID()})
	require.ErrorIs(t, err, errNotResumable)
}
