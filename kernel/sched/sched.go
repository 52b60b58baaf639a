// Package sched implements the thread scheduler: the
// thread state machine, priority classes, per-CPU run queues, pick and
// context-switch, and cycle accounting.
//
// No scheduler exists in the reference kernel; kernel/sync/spinlock.go's
// yieldFn carries a comment admitting as much ("replace with real yield
// function when context-switching is implemented"). This package
// implements that TODO in the reference's own idiom: package-level
// function-pointer seams for the HAL-backed context switch, the same
// pattern kernel/mem/vmm/vmm.go uses for its frame allocator hook.
package sched

import (
	"sync"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/klog"
)

// State is a thread's position in the state machine:
// Standby -> Ready <-> Executing, with Waiting reachable from Executing
// and returning to Ready. Dead is the zero value.
type State uint8

const (
	Dead State = iota
	Standby
	Ready
	Executing
	Waiting
)

// Class is the priority class a thread belongs to.
type Class uint8

const (
	ClassIdle Class = iota
	ClassTS
	ClassRT
)

// Priority range bounds: TS priorities live in [PriorityTSMin,
// PriorityTSMax], RT priorities above that, idle below.
const (
	PriorityIdle  = 0
	PriorityTSMin = 1
	PriorityTSMax = 127
	PriorityRTMin = 128
	PriorityRTMax = 255

	maxInteractiveBoost = 10
	numPriorities       = PriorityRTMax + 1
)

// CycleAccount tags where a thread's CPU cycles were spent, mirroring the reference's explicit small-enum tagging
// style rather than a free-form string key.
type CycleAccount uint8

const (
	AccountUser CycleAccount = iota
	AccountKernel
	AccountKernelInterrupt
	AccountDriver
	AccountDriverInterrupt
	AccountDebugger
	numAccounts
)

// Thread is one schedulable unit of execution.
type Thread struct {
	ID    kernel.ThreadID
	Class Class

	mu               sync.Mutex
	state            State
	basePriority     uint8
	niceness         uint8 // 0..39, 20 is neutral
	interactiveBoost uint8
	affinity         kernel.CpuID
	hasAffinity      bool

	cycles [numAccounts]uint64

	// hwContext is the HAL-owned saved-register/stack blob; opaque here,
	// only ever passed through to hal.HwSwitchThread/HwPrimeThread.
	hwContext unsafe.Pointer

	// rqPrev/rqNext link this thread into exactly one run queue bucket
	// while Ready; nil otherwise.
	rqPrev, rqNext *Thread
}

var nextThreadID uint64

// PrepareThread creates a new thread in the Standby state with the given
// entry point, argument, and pre-allocated stack. The thread is not runnable until EnqueueThread is
// called.
func PrepareThread(entry uintptr, arg uintptr, stack unsafe.Pointer, stackLen uintptr, class Class, basePriority, niceness uint8) *Thread {
	t := &Thread{
		ID:           kernel.ThreadID(addThreadID()),
		Class:        class,
		state:        Standby,
		basePriority: clampForClass(class, basePriority),
		niceness:     niceness,
	}
	hwPrimeThreadFn(&t.hwContext, stack, stackLen, entry, arg)
	return t
}

// hwPrimeThreadFn is mocked by tests; inlined in production.
var hwPrimeThreadFn = hal.HwPrimeThread

func addThreadID() uint64 {
	// Single-increment counter; callers hold no lock across PrepareThread
	// today but nextThreadID is only ever touched here.
	nextThreadID++
	return nextThreadID
}

func clampForClass(class Class, p uint8) uint8 {
	switch class {
	case ClassIdle:
		return PriorityIdle
	case ClassRT:
		if p < PriorityRTMin {
			return PriorityRTMin
		}
		if p > PriorityRTMax {
			return PriorityRTMax
		}
		return p
	default:
		if p < PriorityTSMin {
			return PriorityTSMin
		}
		if p > PriorityTSMax {
			return PriorityTSMax
		}
		return p
	}
}

// EffectivePriority computes the run-queue bucket a TS thread currently
// belongs in:
//
//	effectivePriority = basePriority - (niceness - 20) + min(interactiveBoost, 10)
//
// clamped to the TS range. RT and Idle threads are not subject to
// niceness/interactivity adjustment; their effective priority is their
// base priority.
func (t *Thread) EffectivePriority() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectivePriorityLocked()
}

func (t *Thread) effectivePriorityLocked() uint8 {
	if t.Class != ClassTS {
		return t.basePriority
	}
	boost := int(t.interactiveBoost)
	if boost > maxInteractiveBoost {
		boost = maxInteractiveBoost
	}
	v := int(t.basePriority) - (int(t.niceness) - 20) + boost
	if v < PriorityTSMin {
		v = PriorityTSMin
	}
	if v > PriorityTSMax {
		v = PriorityTSMax
	}
	return uint8(v)
}

// State returns the thread's current state machine position.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetThreadPriority changes a thread's base priority, clamped to its class's range.
func (t *Thread) SetThreadPriority(p uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.basePriority = clampForClass(t.Class, p)
}

// SetThreadNiceness changes a TS thread's niceness. Niceness is only meaningful for ClassTS threads;
// setting it on any other class is accepted but has no effect on
// EffectivePriority.
func (t *Thread) SetThreadNiceness(n uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.niceness = n
}

// SetThreadAffinity pins the thread to a specific CPU. Passing pinned=false clears any pin.
func (t *Thread) SetThreadAffinity(id kernel.CpuID, pinned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.affinity = id
	t.hasAffinity = pinned
}

// AddCycles records cycles spent under the given account tag, called by
// the context-switch path and interrupt epilogues.
func (t *Thread) AddCycles(account CycleAccount, n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cycles[account] += n
}

// Cycles returns the accumulated cycle count for the given account.
func (t *Thread) Cycles(account CycleAccount) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cycles[account]
}

// BumpInteractiveBoost increases a TS thread's transient interactive
// boost, e.g. on waking from a short voluntary wait.
func (t *Thread) BumpInteractiveBoost(delta uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := int(t.interactiveBoost) + int(delta)
	if v > maxInteractiveBoost {
		v = maxInteractiveBoost
	}
	t.interactiveBoost = uint8(v)
}

// DecayInteractiveBoost reduces the interactive boost, called once per
// scheduling quantum a thread runs uninterrupted.
func (t *Thread) DecayInteractiveBoost(delta uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(t.interactiveBoost) < int(delta) {
		t.interactiveBoost = 0
		return
	}
	t.interactiveBoost -= delta
}

func init() {
	ipl.SetReschedulerFn(Reschedule)
	klog.SetThreadIDFn(currentThreadID)
}

// currentThreadID is installed as klog's thread-id accessor so log
// entries carry the id of whichever thread was running when Log was
// called, without klog importing this package back.
func currentThreadID() kernel.ThreadID {
	t, ok := cpu.Current().Current.(*Thread)
	if !ok {
		return 0
	}
	return t.ID
}

var reschedLock = ipl.NewLock(ipl.DpcLevel)
