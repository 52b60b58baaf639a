package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/wait"
)

func TestWaitOnReturnsImmediatelyWhenAlreadySignaled(t *testing.T) {
	setupScheduler(t, 1)
	w := wait.NewWaitable(wait.KindCondition)
	wait.SignalWaitable(w)

	status := WaitOn(w)
	require.Equal(t, wait.Success, status)
}

func TestSignalWaitableReenqueuesBlockedWaiter(t *testing.T) {
	setupScheduler(t, 1)
	mockSwitch(t)

	// th is parked the way blockCurrent leaves a blocked thread.
	th := newTestThread(t, ClassTS, 64, 20)
	th.mu.Lock()
	th.state = Waiting
	th.mu.Unlock()
	cpu.Current().Current = th

	w := wait.NewWaitable(wait.KindCondition)
	e := wait.WaitOne(w, th)
	require.Equal(t, wait.Incomplete, e.Status())

	wait.SignalWaitable(w)

	// The wake callback must have re-enqueued th as Ready (it cannot
	// still be Waiting) since nothing else transitions it.
	require.Equal(t, Ready, th.State())
}
