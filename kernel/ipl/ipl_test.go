package ipl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/dpc"
)

func reset(t *testing.T) {
	t.Helper()
	cpu.Init(1)
	SetReschedulerFn(nil)
}

func TestRaiseLowerRoundTrip(t *testing.T) {
	reset(t)
	require.Equal(t, Passive, Current())

	prev := RaiseIpl(DpcLevel)
	require.Equal(t, Passive, prev)
	require.Equal(t, DpcLevel, Current())

	prev = RaiseIpl(Interrupt)
	require.Equal(t, DpcLevel, prev)
	require.Equal(t, Interrupt, Current())

	LowerIpl(Passive)
	require.Equal(t, Passive, Current())
}

func TestRaiseBelowCurrentPanics(t *testing.T) {
	reset(t)
	RaiseIpl(DpcLevel)
	require.Panics(t, func() { RaiseIpl(Passive) })
}

func TestLowerAboveCurrentPanics(t *testing.T) {
	reset(t)
	require.Panics(t, func() { LowerIpl(Interrupt) })
}

func TestLowerPastDpcDrainsQueue(t *testing.T) {
	reset(t)

	ran := false
	d := &dpc.Dpc{Fn: func(interface{}) { ran = true }}
	dpc.QueueLocal(d)

	RaiseIpl(Interrupt)
	LowerIpl(Passive)

	require.True(t, ran)
	require.Equal(t, Passive, Current())
}

func TestLowerToPassiveRunsReschedulerWhenPending(t *testing.T) {
	reset(t)

	called := false
	SetReschedulerFn(func() { called = true })

	cpu.Current().ReschedulePending = true
	RaiseIpl(DpcLevel)
	LowerIpl(Passive)

	require.True(t, called)
	require.False(t, cpu.Current().ReschedulePending)
}

func TestLowerToPassiveSkipsReschedulerWhenNotPending(t *testing.T) {
	reset(t)

	called := false
	SetReschedulerFn(func() { called = true })

	RaiseIpl(DpcLevel)
	LowerIpl(Passive)

	require.False(t, called)
}

func TestLockCeilingEnforced(t *testing.T) {
	reset(t)
	l := NewLock(DpcLevel)
	RaiseIpl(Interrupt)
	require.Panics(t, l.Acquire)
}

func TestLockAcquireReleaseRestoresIPL(t *testing.T) {
	reset(t)
	l := NewLock(Interrupt)

	require.Equal(t, Passive, Current())
	l.Acquire()
	require.Equal(t, Interrupt, Current())
	l.Release()
	require.Equal(t, Passive, Current())
}

func TestLockTryAcquireFailsWhenHeld(t *testing.T) {
	reset(t)
	l := NewLock(DpcLevel)
	require.True(t, l.TryAcquire())

	// A second, independent lock value sharing state would contend; here
	// we simulate contention directly against the same Lock from what is
	// logically a different acquisition attempt.
	held := l.TryAcquire()
	require.False(t, held)

	l.Release()
}
