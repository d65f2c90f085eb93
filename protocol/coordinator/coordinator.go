// Package coordinator supervises a single swap's per-role state machine
// (protocol/xmrtaker, protocol/xmrmaker) from its first stage to a terminal
// one: one call to Stepper.Advance performs exactly one stage transition,
// per spec.md §4.8's run_until_completed loop, and the result is persisted
// before the next transition is attempted.
//
// Grounded on the backoff discipline net/host.go already uses for its own
// retries (retryInitialInterval/retryMaxInterval, 100ms to 60s): a failed
// Advance is treated as transient and retried with the same backoff unless
// it is wrapped as Fatal, in which case spec.md §7's "mark the swap as
// stuck, take no destructive action" contract applies and the loop stops
// without finalizing the swap.
package coordinator

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log"
)

var log = logging.Logger("coordinator")

const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxInterval     = 60 * time.Second
)

// Stepper is implemented by a per-swap state machine.
type Stepper interface {
	// ID returns the swap's identifier, for logging.
	ID() string
	// CurrentStage returns the stepper's current stage name, for logging.
	CurrentStage() string
	// IsTerminal reports whether the stepper has reached a terminal stage.
	IsTerminal() bool
	// Advance performs exactly one stage transition and records the new
	// stage internally. A non-nil error means the transition did not
	// happen; the stepper's stage is unchanged.
	Advance() error
	// Persist writes the stepper's current state so a restarted daemon can
	// report (though not necessarily resume) it.
	Persist() error
	// Finalize is called once IsTerminal returns true, to record the
	// swap's final status.
	Finalize()
}

// FatalError wraps an error a Stepper returns from Advance to mean "do not
// retry this": the step loop stops immediately, persists the stepper's
// last-known stage, and leaves the swap marked ongoing-but-stuck rather than
// either finalizing it or retrying forever.
type FatalError struct {
	err error
}

// Fatal wraps err as a FatalError.
func Fatal(err error) error {
	return &FatalError{err: err}
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// RunUntilComplete repeatedly calls s.Advance until s.IsTerminal() or ctx is
// cancelled. Every successful Advance is persisted immediately. A failed
// Advance is retried with exponential backoff, since the overwhelming
// majority of the errors a step can return are transient network/RPC
// failures (spec.md §7) that the next poll or reconnect will clear; a
// Stepper that hits a condition it knows is not worth retrying should wrap
// that error with Fatal before returning it from Advance.
func RunUntilComplete(ctx context.Context, s Stepper) {
	interval := retryInitialInterval

	for !s.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return
		}

		err := s.Advance()
		if err == nil {
			interval = retryInitialInterval
			if perr := s.Persist(); perr != nil {
				log.Warnf("swap %s: failed to persist at stage %s: %s", s.ID(), s.CurrentStage(), perr)
			}
			continue
		}

		var fatal *FatalError
		if errors.As(err, &fatal) {
			log.Warnf("swap %s: fatal error at stage %s, marking stuck: %s", s.ID(), s.CurrentStage(), fatal.Unwrap())
			if perr := s.Persist(); perr != nil {
				log.Warnf("swap %s: failed to persist after fatal error: %s", s.ID(), perr)
			}
			return
		}

		log.Warnf("swap %s: step from %s failed, retrying in %s: %s", s.ID(), s.CurrentStage(), interval, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		interval *= 2
		if interval > retryMaxInterval {
			interval = retryMaxInterval
		}
	}

	s.Finalize()
}
