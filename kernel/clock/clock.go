// Package clock implements the per-CPU timer subsystem:
// a priority-ordered (by expiry) clock event list, monotonic time
// queries, and the HAL one-shot alarm rearming loop that drives it.
//
// No timer subsystem exists in the reference kernel, so the list shape
// follows kernel/mem/vmm's intrusive sorted-list style (explicit next/prev
// pointers, insert-in-order, no container/heap) rather than introducing a
// new pattern: the list stays CPU-local and small, and RemoveClockEvent
// must be O(1) given the event's own back-pointer, which a heap wouldn't
// offer without extra bookkeeping.
package clock

import (
	"sync"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/dpc"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/wait"
)

// Event is one armed deadline. Fn runs at
// IPL=Dpc, via the owning CPU's DPC queue, once Deadline has passed, never
// directly from interrupt context.
type Event struct {
	Deadline uint64
	Fn       func(arg interface{})
	Arg      interface{}

	prev, next *Event
	dpc        dpc.Dpc
	linked     bool
}

type eventList struct {
	mu   sync.Mutex
	head *Event
}

func (l *eventList) insertLocked(e *Event) {
	e.linked = true
	if l.head == nil || e.Deadline < l.head.Deadline {
		e.next = l.head
		if l.head != nil {
			l.head.prev = e
		}
		e.prev = nil
		l.head = e
		return
	}
	cur := l.head
	for cur.next != nil && cur.next.Deadline <= e.Deadline {
		cur = cur.next
	}
	e.next = cur.next
	if cur.next != nil {
		cur.next.prev = e
	}
	cur.next = e
	e.prev = cur
}

// removeLocked unlinks e and reports whether e was still linked
// beforehand.
func (l *eventList) removeLocked(e *Event) bool {
	if !e.linked {
		return false
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else if l.head == e {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.prev, e.next = nil, nil
	e.linked = false
	return true
}

var (
	hwSetAlarmFn      = hal.HwSetAlarm
	hwReadTimestampFn = hal.HwReadTimestamp
)

var lists []*eventList

// Init allocates one clock event list per CPU. Must be called after
// cpu.Init and before any AddClockEvent.
func Init(cpuCount int) {
	lists = make([]*eventList, cpuCount)
	for i := range lists {
		lists[i] = &eventList{}
	}
}

func listFor(id kernel.CpuID) *eventList { return lists[id] }

// GetMonotonicTime returns the current monotonic timestamp, as read from the local APIC/TSC-equivalent HAL
// timer.
func GetMonotonicTime() uint64 { return hwReadTimestampFn() }

// GetTime is currently an alias for GetMonotonicTime: no wall-clock/RTC epoch subsystem is implemented, since
// nothing in this core's scope consumes wall-clock time; every caller
// (clock events, wait timeouts) only ever needs a monotonic ordering.
func GetTime() uint64 { return GetMonotonicTime() }

// AddClockEvent arms a one-shot deadline on the calling CPU. fn runs at IPL=Dpc once Deadline has passed. If e
// becomes the new earliest deadline on this CPU, the HAL alarm is
// re-armed immediately.
func AddClockEvent(deadline uint64, fn func(arg interface{}), arg interface{}) *Event {
	e := &Event{Deadline: deadline, Fn: fn, Arg: arg}

	c := cpu.Current()
	l := listFor(c.ID)
	l.mu.Lock()
	l.insertLocked(e)
	becameHead := l.head == e
	l.mu.Unlock()

	if becameHead {
		hwSetAlarmFn(deadline)
	}
	return e
}

// RemoveClockEvent cancels e before it has fired. It returns true if e was still armed and has now
// been unlinked, or false if e had already fired (in which case its Fn
// either already ran or is queued to run, and this call has no effect).
// The caller needs to tell the two cases apart so it never double-handles
// a timeout.
func RemoveClockEvent(e *Event) bool {
	c := cpu.Current()
	l := listFor(c.ID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removeLocked(e)
}

// FireExpired is the local timer interrupt's entry point:
// pop every event whose deadline has passed, queue each for DPC-level
// execution, and rearm the HAL alarm for whatever deadline is now
// earliest. Must be called at IPL=Interrupt.
func FireExpired() {
	c := cpu.Current()
	l := listFor(c.ID)
	now := hwReadTimestampFn()

	l.mu.Lock()
	var expired []*Event
	for l.head != nil && l.head.Deadline <= now {
		e := l.head
		l.removeLocked(e)
		expired = append(expired, e)
	}
	var nextDeadline uint64
	hasNext := l.head != nil
	if hasNext {
		nextDeadline = l.head.Deadline
	}
	l.mu.Unlock()

	for _, e := range expired {
		e.dpc.Fn = runEvent
		e.dpc.Arg = e
		dpc.Queue(c, &e.dpc)
	}
	if hasNext {
		hwSetAlarmFn(nextDeadline)
	}
}

func runEvent(arg interface{}) {
	e := arg.(*Event)
	if e.Fn != nil {
		e.Fn(e.Arg)
	}
}

// ArmTimeout schedules entry to time out at deadline: when the
// event fires, entry is advanced to wait.Timedout unless it has already
// completed. Callers that no longer need the timeout (the wait completed
// first) should RemoveClockEvent the returned *Event.
func ArmTimeout(entry *wait.WaitEntry, deadline uint64) *Event {
	return AddClockEvent(deadline, func(arg interface{}) {
		wait.TimeoutWait(arg.(*wait.WaitEntry))
	}, entry)
}
