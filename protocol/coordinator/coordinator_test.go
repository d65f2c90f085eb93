package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	advanceErrs []error
	calls       int
	persisted   int
	finalized   bool
	terminal    bool
}

func (s *fakeStepper) ID() string           { return "fake" }
func (s *fakeStepper) CurrentStage() string { return "stage" }
func (s *fakeStepper) IsTerminal() bool     { return s.terminal }

func (s *fakeStepper) Advance() error {
	var err error
	if s.calls < len(s.advanceErrs) {
		err = s.advanceErrs[s.calls]
	}
	s.calls++
	if err == nil {
		s.terminal = true
	}
	return err
}

func (s *fakeStepper) Persist() error {
	s.persisted++
	return nil
}

func (s *fakeStepper) Finalize() {
	s.finalized = true
}

func TestRunUntilComplete_success(t *testing.T) {
	s := &fakeStepper{advanceErrs: []error{nil}}
	RunUntilComplete(context.Background(), s)

	require.True(t, s.terminal)
	require.True(t, s.finalized)
	require.Equal(t, 1, s.persisted)
}

func TestRunUntilComplete_retriesTransientError(t *testing.T) {
	s := &fakeStepper{advanceErrs: []error{errors.New("transient"), nil}}
	RunUntilComplete(context.Background(), s)

	require.Equal(t, 2, s.calls)
	require.True(t, s.finalized)
}

func TestRunUntilComplete_stopsOnFatalError(t *testing.T) {
	s := &fakeStepper{advanceErrs: []error{Fatal(errors.New("unrecoverable"))}}
	RunUntilComplete(context.Background(), s)

	require.False(t, s.terminal)
	require.False(t, s.finalized)
	require.Equal(t, 1, s.persisted) // persisted the last-known stage before giving up
}

func TestRunUntilComplete_stopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &fakeStepper{advanceErrs: []error{nil}}
	RunUntilComplete(ctx, s)

	require.Equal(t, 0, s.calls)
	require.False(t, s.finalized)
}

func TestRunUntilComplete_cancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &fakeStepper{advanceErrs: []error{errors.New("transient"), errors.New("transient"), nil}}

	done := make(chan struct{})
	go func() {
		RunUntilComplete(ctx, s)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunUntilComplete did not return after context cancellation")
	}
	require.False(t, s.finalized)
}

func TestFatal_unwraps(t *testing.T) {
	inner := errors.New("boom")
	wrapped := Fatal(inner)

	require.Equal(t, "boom", wrapped.Error())
	require.ErrorIs(t, wrapped, inner)
}
