// Package wait implements the synchronization primitives Waitable
// (Condition/Timer/Mutex), WaitEntry, WaitOne/WaitMany, and the
// deadlock-free address-ordered multi-lock discipline a wait spanning
// more than one Waitable requires.
//
// A released Condition or Timer wakes every queued waiter with Success. A
// released Mutex wakes only the single head waiter, and does not hand
// ownership to it directly: the woken waiter must still win a
// TryAcquireMutex call, the same call a fresh, non-blocking caller makes,
// so a racer that gets there first can still take the lock out from
// under it. A waiter that loses the race goes back on the tail of the
// queue to be woken again on the next release.
package wait

import (
	"sort"
	"unsafe"

	"nyxkernel/kernel/ipl"
)

// Status is a WaitEntry's outcome, a monotonically increasing small
// state machine: once set above Incomplete, a status can only be
// overwritten by a numerically greater one. The ordering Incomplete < Timedout < Reset <
// Cancelled < Success is the priority used when more than one outcome
// could apply to the same entry (e.g. a timer firing the same instant a
// cancel arrives: Cancelled wins over Timedout, Success wins over both).
type Status int32

const (
	Incomplete Status = iota
	Timedout
	Reset
	Cancelled
	Success
)

// Kind is the closed set of Waitable behaviors.
type Kind uint8

const (
	KindCondition Kind = iota
	KindTimer
	KindMutex
)

// WaitEntry records one waiter's registration against a Waitable. Waiter
// is opaque (concrete *sched.Thread) to avoid an import cycle between
// kernel/wait and kernel/sched; the scheduler package is the only one
// that ever type-asserts it.
type WaitEntry struct {
	Waitable *Waitable
	Waiter   interface{}

	status Status

	// prev/next link this entry into its Waitable's waiter list; only
	// valid while registered.
	prev, next *WaitEntry
}

// Status returns the entry's current outcome.
func (e *WaitEntry) Status() Status {
	e.Waitable.lock.Acquire()
	defer e.Waitable.lock.Release()
	return e.status
}

// advanceLocked moves e.status forward to s if s is numerically greater than
// the current status; callers must hold e.Waitable.lock.
func (e *WaitEntry) advanceLocked(s Status) {
	if s > e.status {
		e.status = s
	}
}

// Waitable is one instance of the three synchronization primitives this
// package provides: a manual-reset Condition, a one-shot Timer (latched by
// SignalWaitable and consumed by the first waiter that takes it), or a
// Mutex. kernel/clock does not signal Timers; it only times out individual
// WaitEntries (see TimeoutWait).
type Waitable struct {
	Kind Kind

	lock     *ipl.Lock
	signaled bool // Condition/Timer: latched until ResetWaitable
	owner    interface{} // Mutex: current owner, nil if free

	waitHead, waitTail *WaitEntry
}

// NewWaitable constructs a Waitable of the given kind. The lock ceiling
// is Dpc: a Mutex or Condition may legitimately be signaled from DPC
// context (e.g. an I/O completion callback), so the lock guarding its
// waiter list must be acquirable there.
func NewWaitable(kind Kind) *Waitable {
	return &Waitable{Kind: kind, lock: ipl.NewLock(ipl.DpcLevel)}
}

func (w *Waitable) pushWaiter(e *WaitEntry) {
	e.prev = w.waitTail
	e.next = nil
	if w.waitTail != nil {
		w.waitTail.next = e
	} else {
		w.waitHead = e
	}
	w.waitTail = e
}

func (w *Waitable) unlinkWaiter(e *WaitEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if w.waitHead == e {
		w.waitHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if w.waitTail == e {
		w.waitTail = e.prev
	}
	e.prev, e.next = nil, nil
}

// tryNonBlockingLocked attempts to satisfy a wait immediately without
// queuing: a signaled Condition/Timer succeeds and (for Timer) consumes
// the signal; a free Mutex succeeds and assigns ownership. Caller holds
// w.lock.
func (w *Waitable) tryNonBlockingLocked(waiter interface{}) bool {
	switch w.Kind {
	case KindCondition:
		return w.signaled
	case KindTimer:
		if w.signaled {
			w.signaled = false
			return true
		}
		return false
	case KindMutex:
		if w.owner == nil {
			w.owner = waiter
			return true
		}
		return false
	}
	return false
}

// WaitOne registers waiter against w. If the
// Waitable is already satisfiable, the returned entry carries status
// Success immediately and is never linked into the waiter list;
// otherwise the entry is queued Incomplete and the caller (the
// scheduler) is responsible for blocking the calling thread and later
// observing the entry's status change.
func WaitOne(w *Waitable, waiter interface{}) *WaitEntry {
	w.lock.Acquire()
	defer w.lock.Release()

	e := &WaitEntry{Waitable: w, Waiter: waiter}
	if w.tryNonBlockingLocked(waiter) {
		e.status = Success
		return e
	}
	e.status = Incomplete
	w.pushWaiter(e)
	return e
}

// wakeFn is called whenever a previously Incomplete WaitEntry completes,
// so kernel/sched can re-enqueue the blocked thread without kernel/wait
// needing to import kernel/sched (SetWakeFn mirrors kernel/ipl's
// SetReschedulerFn seam).
var wakeFn func(waiter interface{})

// SetWakeFn installs the callback kernel/sched uses to re-enqueue a
// thread whose WaitEntry just completed. Called once from kernel/sched's
// init.
func SetWakeFn(fn func(waiter interface{})) { wakeFn = fn }

func wake(e *WaitEntry) {
	if wakeFn != nil {
		wakeFn(e.Waiter)
	}
}

// SignalWaitable signals w. A Condition or
// Timer latches signaled and wakes every currently queued waiter with
// Success. A Mutex release clears ownership and wakes only the single
// head waiter (a release has exactly one ticket to hand out); that
// waiter is not handed ownership directly (see package doc) and must
// still win TryAcquireMutex after waking, same as any other racer, so
// it never observes Success until it actually holds the mutex.
func SignalWaitable(w *Waitable) {
	w.lock.Acquire()
	var woken []*WaitEntry

	if w.Kind != KindMutex {
		w.signaled = true
		for e := w.waitHead; e != nil; {
			next := e.next
			e.advanceLocked(Success)
			w.unlinkWaiter(e)
			woken = append(woken, e)
			e = next
		}
	} else {
		w.owner = nil
		if e := w.waitHead; e != nil {
			w.unlinkWaiter(e)
			woken = append(woken, e)
		}
	}
	w.lock.Release()

	for _, e := range woken {
		wake(e)
	}
}

// TryAcquireMutex attempts to claim ownership of e's Mutex-kind Waitable
// for e.Waiter. Called by the scheduler whenever a woken mutex waiter
// resumes, as the re-attempt step SignalWaitable's single wake requires:
// on success e's status advances to Success; on failure a racer claimed
// the mutex first, so e is pushed back onto the waiter list (status left
// at Incomplete) to wait for the next release.
func TryAcquireMutex(e *WaitEntry) bool {
	w := e.Waitable
	w.lock.Acquire()
	defer w.lock.Release()
	if w.owner == nil {
		w.owner = e.Waiter
		e.advanceLocked(Success)
		return true
	}
	w.pushWaiter(e)
	return false
}

// ResetWaitable clears a Condition or Timer's latched signal. A no-op on a Mutex.
func ResetWaitable(w *Waitable) {
	w.lock.Acquire()
	defer w.lock.Release()
	if w.Kind != KindMutex {
		w.signaled = false
	}
}

// CancelWait removes e from its Waitable's waiter list and advances its
// status to Cancelled, unless it has already completed with a
// numerically greater status.
func CancelWait(e *WaitEntry) {
	e.Waitable.lock.Acquire()
	wasIncomplete := e.status == Incomplete
	if wasIncomplete {
		e.Waitable.unlinkWaiter(e)
	}
	e.advanceLocked(Cancelled)
	e.Waitable.lock.Release()

	if wasIncomplete {
		wake(e)
	}
}

// TimeoutWait is called by kernel/clock when an armed deadline for e
// expires before it otherwise completed.
func TimeoutWait(e *WaitEntry) {
	e.Waitable.lock.Acquire()
	wasIncomplete := e.status == Incomplete
	if wasIncomplete {
		e.Waitable.unlinkWaiter(e)
	}
	e.advanceLocked(Timedout)
	e.Waitable.lock.Release()

	if wasIncomplete {
		wake(e)
	}
}

// addrOf orders Waitables by identity for the address-ordered multi-lock
// discipline a multi-Waitable wait requires (same technique as
// kernel/mem/pfn/list.go's addrOf for cross-list moves): acquiring locks
// in a consistent global order prevents the classic AB/BA deadlock that
// acquiring in caller-supplied order would risk.
func addrOf(w *Waitable) uintptr { return uintptr(unsafe.Pointer(w)) }

// WaitMany registers waiter against every Waitable in ws, locking them in address order rather than slice order.
// waitAll selects between two semantics: wait for every Waitable to be
// satisfiable simultaneously (AND), or for the first one that is (OR).
//
// On an AND wait, if not every Waitable is immediately satisfiable, none
// are consumed and every returned entry is queued Incomplete. On an OR
// wait, the first satisfiable Waitable (in address order) is consumed
// immediately and its entry carries Success; the rest are queued.
func WaitMany(ws []*Waitable, waiter interface{}, waitAll bool) []*WaitEntry {
	ordered := make([]*Waitable, len(ws))
	copy(ordered, ws)
	sort.Slice(ordered, func(i, j int) bool { return addrOf(ordered[i]) < addrOf(ordered[j]) })

	for _, w := range ordered {
		w.lock.Acquire()
	}
	defer func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].lock.Release()
		}
	}()

	entries := make(map[*Waitable]*WaitEntry, len(ws))

	if waitAll {
		allReady := true
		for _, w := range ordered {
			if !w.peekReadyLocked() {
				allReady = false
				break
			}
		}
		for _, w := range ordered {
			e := &WaitEntry{Waitable: w, Waiter: waiter}
			if allReady {
				w.consumeLocked(waiter)
				e.status = Success
			} else {
				e.status = Incomplete
				w.pushWaiter(e)
			}
			entries[w] = e
		}
	} else {
		satisfied := false
		for _, w := range ordered {
			e := &WaitEntry{Waitable: w, Waiter: waiter}
			if !satisfied && w.tryNonBlockingLocked(waiter) {
				e.status = Success
				satisfied = true
			} else {
				e.status = Incomplete
				w.pushWaiter(e)
			}
			entries[w] = e
		}
	}

	out := make([]*WaitEntry, len(ws))
	for i, w := range ws {
		out[i] = entries[w]
	}
	return out
}

// peekReadyLocked reports whether w is satisfiable without consuming it.
// Caller holds w.lock.
func (w *Waitable) peekReadyLocked() bool {
	switch w.Kind {
	case KindCondition:
		return w.signaled
	case KindTimer:
		return w.signaled
	case KindMutex:
		return w.owner == nil
	}
	return false
}

// consumeLocked performs the same state transition tryNonBlockingLocked
// would, without re-checking readiness (used once every member of an AND
// wait has already been confirmed ready). Caller holds w.lock.
func (w *Waitable) consumeLocked(waiter interface{}) {
	switch w.Kind {
	case KindTimer:
		w.signaled = false
	case KindMutex:
		w.owner = waiter
	}
}
