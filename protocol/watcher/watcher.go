// Package watcher independently monitors ongoing swaps swap.Manager tracks,
// for the case its process restarted mid-swap. Per spec.md §2/§7, a
// crashed-and-restarted daemon should not silently forget an ongoing swap:
// each role's swapState snapshots the key material and exchanged transcript
// it needs to keep driving a swap into swap.Info.Resume on every persist
// (protocol/xmrmaker and protocol/xmrtaker's snapshotResumeState/
// resumeSwapState), so Watcher can hand a stuck swap back to its owning
// Instance's Resume method and let protocol/coordinator take over from
// wherever it left off. Resume can still fail — a swap persisted before
// ResumeState existed, or one whose Info never reached a resumable stage —
// in which case Watcher falls back to logging it as needing manual
// attention, the same as a production on-call dashboard would.
//
// Grounded on the mutex-guarded polling-loop shape protocol/xmrmaker and
// protocol/xmrtaker's own swapState.step "wait" methods already use
// (time.Ticker against backend.Bitcoin().GetBlockHeight), generalized here
// from one swap to the whole ongoing set.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log"

	"github.com/noot/xmrswap/bitcoin"
	"github.com/noot/xmrswap/common"
	"github.com/noot/xmrswap/common/types"
	pswap "github.com/noot/xmrswap/protocol/swap"
	"github.com/noot/xmrswap/timelock"
)

var log = logging.Logger("watcher")

// scanInterval is how often Watcher re-scans the ongoing swap set.
const scanInterval = 30 * time.Second

// Resumer is implemented by protocol/xmrtaker.Instance and
// protocol/xmrmaker.Instance: IsActive reports whether a swap already has a
// live goroutine in this process, and Resume reconstructs and restarts one
// for a swap that doesn't.
type Resumer interface {
	IsActive(types.SwapID) bool
	Resume(info *pswap.Info) error
}

// Watcher periodically scans swap.Manager's ongoing swaps and resumes the
// ones no role Instance is actively driving, falling back to logging
// whichever it cannot resume.
type Watcher struct {
	manager pswap.Manager
	btc     bitcoin.Wallet
	cfg     *common.Config
	maker   Resumer
	taker   Resumer

	mu    sync.Mutex
	stuck map[types.SwapID]struct{} // resume already failed this run, don't retry every tick
}

// New returns a Watcher over manager's ongoing swaps.
func New(manager pswap.Manager, btc bitcoin.Wallet, cfg *common.Config, maker, taker Resumer) *Watcher {
	return &Watcher{
		manager: manager,
		btc:     btc,
		cfg:     cfg,
		maker:   maker,
		taker:   taker,
		stuck:   make(map[types.SwapID]struct{}),
	}
}

// Start runs the scan loop until ctx is cancelled. It scans once
// immediately, so a swap orphaned by a crash is reported on startup rather
// than after the first full interval.
func (w *Watcher) Start(ctx context.Context) {
	w.scan(ctx)
	ticker := time.NewTicker(scanInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scan(ctx)
			}
		}
	}()
}

func (w *Watcher) scan(ctx context.Context) {
	swaps, err := w.manager.GetOngoingSwaps()
	if err != nil {
		log.Warnf("watcher: failed to list ongoing swaps: %s", err)
		return
	}

	var tip uint32
	if h, err := w.btc.GetBlockHeight(ctx); err == nil {
		tip = h
	}
	oracle := timelock.NewOracle(w.cfg.BitcoinCancelTimelock, w.cfg.BitcoinPunishTimelock)

	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[types.SwapID]struct{}, len(swaps))
	for _, info := range swaps {
		seen[info.SwapID] = struct{}{}
		if w.maker.IsActive(info.SwapID) || w.taker.IsActive(info.SwapID) {
			delete(w.stuck, info.SwapID)
			continue
		}

		if _, already := w.stuck[info.SwapID]; already {
			continue
		}

		if err := w.resume(info); err != nil {
			w.stuck[info.SwapID] = struct{}{}
			state := oracle.LockState(tip, info.BitcoinLockHeight)
			log.Warnf(
				"watcher: swap %s has no active goroutine (last stage %q, timelock state %s) and cannot be resumed automatically (%s); manual intervention required",
				info.SwapID, info.Stage, state, err,
			)
			continue
		}

		log.Infof("watcher: resumed swap %s (last stage %q) after restart", info.SwapID, info.Stage)
	}

	// Drop anything no longer ongoing so the set doesn't grow unbounded.
	for id := range w.stuck {
		if _, ok := seen[id]; !ok {
			delete(w.stuck, id)
		}
	}
}

var errNotResumable = errors.New("watcher: swap has no persisted ResumeState")

// resume dispatches info to whichever role persisted it, based on
// info.Resume.Role.
func (w *Watcher) resume(info *pswap.Info) error {
	if info.Resume == nil {
		return errNotResumable
	}
	switch info.Resume.Role {
	case "maker":
		return w.maker.Resume(info)
	case "taker":
		return w.taker.Resume(info)
	default:
		return fmt.Errorf("watcher: swap %s has unrecognized ResumeState.Role %q", info.SwapID, info.Resume.Role)
	}
}
