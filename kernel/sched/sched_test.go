package sched

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func mockPrime(t *testing.T) {
	t.Helper()
	orig := hwPrimeThreadFn
	hwPrimeThreadFn = func(ctx *unsafe.Pointer, stack unsafe.Pointer, stackLen uintptr, entry uintptr, arg uintptr) {
		*ctx = unsafe.Pointer(&struct{}{})
	}
	t.Cleanup(func() { hwPrimeThreadFn = orig })
}

func newTestThread(t *testing.T, class Class, basePriority, niceness uint8) *Thread {
	mockPrime(t)
	return PrepareThread(0x1000, 0, nil, 0, class, basePriority, niceness)
}

func TestPrepareThreadStartsInStandby(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	require.Equal(t, Standby, th.State())
}

func TestEffectivePriorityFormulaNeutralNiceness(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	require.Equal(t, uint8(64), th.EffectivePriority())
}

func TestEffectivePriorityFormulaLowerNicenessRaisesPriority(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 10)
	require.Equal(t, uint8(74), th.EffectivePriority())
}

func TestEffectivePriorityFormulaBoostIsCappedAtTen(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	th.BumpInteractiveBoost(255)
	require.Equal(t, uint8(74), th.EffectivePriority())
}

func TestEffectivePriorityClampsToTSRange(t *testing.T) {
	th := newTestThread(t, ClassTS, 125, 0)
	th.BumpInteractiveBoost(10)
	require.Equal(t, uint8(PriorityTSMax), th.EffectivePriority())

	th2 := newTestThread(t, ClassTS, 2, 39)
	require.Equal(t, uint8(PriorityTSMin), th2.EffectivePriority())
}

func TestEffectivePriorityRTIgnoresNicenessAndBoost(t *testing.T) {
	th := newTestThread(t, ClassRT, 200, 5)
	th.BumpInteractiveBoost(10)
	require.Equal(t, uint8(200), th.EffectivePriority())
}

func TestSetThreadPriorityClampsToClassRange(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	th.SetThreadPriority(255)
	require.Equal(t, uint8(PriorityTSMax), th.EffectivePriority())
}

func TestBumpAndDecayInteractiveBoost(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	th.BumpInteractiveBoost(4)
	require.Equal(t, uint8(68), th.EffectivePriority())

	th.DecayInteractiveBoost(1)
	require.Equal(t, uint8(67), th.EffectivePriority())

	th.DecayInteractiveBoost(100)
	require.Equal(t, uint8(64), th.EffectivePriority())
}

func TestCyclesAccounting(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	th.AddCycles(AccountUser, 100)
	th.AddCycles(AccountUser, 50)
	th.AddCycles(AccountKernel, 7)

	require.Equal(t, uint64(150), th.Cycles(AccountUser))
	require.Equal(t, uint64(7), th.Cycles(AccountKernel))
	require.Equal(t, uint64(0), th.Cycles(AccountDriver))
}

func TestSetThreadAffinity(t *testing.T) {
	th := newTestThread(t, ClassTS, 64, 20)
	th.SetThreadAffinity(3, true)
	require.Equal(t, true, th.hasAffinity)
	require.EqualValues(t, 3, th.affinity)
}
