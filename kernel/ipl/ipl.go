// Package ipl implements the software-synthesized Interrupt Priority Level
// gate. IPL is a per-CPU integer, totally ordered Passive < Dpc < Interrupt,
// that gates which software actions may run; it does not correspond to a
// hardware interrupt mask (that is a separate HAL concern, see
// hal.IntrsOn/Off).
//
// The ceiling-checked lock here generalizes the reference kernel's
// kernel/sync/spinlock.go busy-wait Spinlock with the IPL raise/restore
// discipline the reference's yieldFn TODO comment anticipates
// ("replace with real yield function when context-switching is
// implemented").
package ipl

import (
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/dpc"
	"sync/atomic"
)

// Level re-exports kernel/cpu's IPL type under the name every other
// package imports.
type Level = cpu.IPL

const (
	Passive   = cpu.Passive
	DpcLevel  = cpu.Dpc
	Interrupt = cpu.Interrupt
)

// reschedulerFn is installed by kernel/sched during Init. It is called
// whenever LowerIpl(Passive) observes a pending reschedule on the local
// CPU. Using a function-pointer seam (rather than importing kernel/sched
// directly) avoids a cycle: the scheduler must be able to call RaiseIpl/
// LowerIpl itself.
var reschedulerFn func()

// SetReschedulerFn installs the function invoked by LowerIpl when a
// reschedule is pending. Must be called once during scheduler init.
func SetReschedulerFn(fn func()) {
	reschedulerFn = fn
}

// Current returns the calling CPU's current IPL.
func Current() Level {
	return cpu.Current().IPL()
}

// RaiseIpl raises the calling CPU's IPL to target and returns the prior
// level. target must be >= the current level; raising to a lower level is
// a programmer error and panics.
func RaiseIpl(target Level) Level {
	c := cpu.Current()
	prev := c.IPL()
	if target < prev {
		panic("ipl: RaiseIpl called with a lower target than the current level")
	}
	c.SetIPL(target)
	return prev
}

// LowerIpl lowers the calling CPU's IPL to target, which must be <= the
// current level. Lowering past Dpc drains
// the local DPC queue first; lowering to Passive additionally runs the
// scheduler if a reschedule is pending.
func LowerIpl(target Level) {
	c := cpu.Current()
	prev := c.IPL()
	if target > prev {
		panic("ipl: LowerIpl called with a higher target than the current level")
	}
	if prev == target {
		return
	}

	if prev >= DpcLevel && target < DpcLevel {
		// Drain at IPL=Dpc: one DPC at a time until the queue is empty,
		// checking for new arrivals between each.
		c.SetIPL(DpcLevel)
		dpc.DrainLocal()
	}

	c.SetIPL(target)

	if target == Passive && c.ReschedulePending {
		c.ReschedulePending = false
		if reschedulerFn != nil {
			reschedulerFn()
		}
	}
}

// Lock is a spinlock annotated with a maximum IPL (its "ceiling").
// Acquiring raises the local IPL to the ceiling; releasing restores it to
// whatever it was at acquisition time. A Lock may not be acquired above
// its ceiling; doing so is a programmer-invariant violation and always
// panics.
type Lock struct {
	ceiling Level
	state   uint32
	savedAt Level
}

// NewLock returns a Lock whose maximum acquisition IPL is ceiling.
func NewLock(ceiling Level) *Lock {
	return &Lock{ceiling: ceiling}
}

// Acquire raises the local IPL to the lock's ceiling and busy-waits until
// the lock is free, exactly mirroring kernel/sync/spinlock.go's Acquire
// but with the IPL discipline layered on top.
func (l *Lock) Acquire() {
	cur := Current()
	if cur > l.ceiling {
		panic("ipl: lock acquired above its ceiling")
	}
	prior := RaiseIpl(l.ceiling)
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
	l.savedAt = prior
}

// TryAcquire attempts a non-blocking acquire; on success it raises IPL to
// the ceiling exactly like Acquire, returning false (with no IPL change)
// if the lock is currently held.
func (l *Lock) TryAcquire() bool {
	cur := Current()
	if cur > l.ceiling {
		panic("ipl: lock acquired above its ceiling")
	}
	if !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return false
	}
	l.savedAt = RaiseIpl(l.ceiling)
	return true
}

// Release unlocks l and restores the IPL to its value at the matching
// Acquire/TryAcquire.
func (l *Lock) Release() {
	restore := l.savedAt
	atomic.StoreUint32(&l.state, 0)
	LowerIpl(restore)
}

// Ceiling returns the lock's configured maximum IPL.
func (l *Lock) Ceiling() Level {
	return l.ceiling
}
