package sched

import (
	"math/bits"
	"sync"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/klog"
	"nyxkernel/kernel/smp"
)

// runQueue is one CPU's priority-indexed set of ready threads: an
// intrusive FIFO per priority level (256 of them) plus a bitmap of
// non-empty levels so Pick is O(1) instead of an 256-wide scan.
type runQueue struct {
	mu      sync.Mutex
	heads   [numPriorities]*Thread
	tails   [numPriorities]*Thread
	nonEmpty [4]uint64 // 256 bits, one per priority level
}

func (q *runQueue) setBit(p uint8) { q.nonEmpty[p/64] |= 1 << (p % 64) }
func (q *runQueue) clearBit(p uint8) { q.nonEmpty[p/64] &^= 1 << (p % 64) }

func (q *runQueue) highestNonEmpty() (uint8, bool) {
	for word := 3; word >= 0; word-- {
		if q.nonEmpty[word] == 0 {
			continue
		}
		bit := 63 - bits.LeadingZeros64(q.nonEmpty[word])
		return uint8(word*64 + bit), true
	}
	return 0, false
}

func (q *runQueue) pushBack(p uint8, t *Thread) {
	t.rqNext = nil
	t.rqPrev = q.tails[p]
	if q.tails[p] != nil {
		q.tails[p].rqNext = t
	} else {
		q.heads[p] = t
	}
	q.tails[p] = t
	q.setBit(p)
}

func (q *runQueue) popFront(p uint8) *Thread {
	t := q.heads[p]
	if t == nil {
		return nil
	}
	q.heads[p] = t.rqNext
	if q.heads[p] != nil {
		q.heads[p].rqPrev = nil
	} else {
		q.tails[p] = nil
		q.clearBit(p)
	}
	t.rqNext, t.rqPrev = nil, nil
	return t
}

// load sums the effective priority of every thread currently sitting Ready
// on this queue, the metric EnqueueThread uses to pick a least-loaded CPU.
func (q *runQueue) load() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for p := range q.heads {
		for t := q.heads[p]; t != nil; t = t.rqNext {
			total += p
		}
	}
	return total
}

func (q *runQueue) remove(p uint8, t *Thread) {
	if t.rqPrev != nil {
		t.rqPrev.rqNext = t.rqNext
	} else {
		q.heads[p] = t.rqNext
	}
	if t.rqNext != nil {
		t.rqNext.rqPrev = t.rqPrev
	} else {
		q.tails[p] = t.rqPrev
	}
	if q.heads[p] == nil {
		q.clearBit(p)
	}
	t.rqNext, t.rqPrev = nil, nil
}

var (
	rqMu      sync.RWMutex
	runQueues []*runQueue
	idleThreads []*Thread
)

// InitScheduler allocates one run queue and idle thread per CPU. Must be called after cpu.Init.
func InitScheduler(cpuCount int, idleEntry uintptr, idleStack func() (ptr uintptr, length uintptr)) {
	rqMu.Lock()
	defer rqMu.Unlock()
	runQueues = make([]*runQueue, cpuCount)
	idleThreads = make([]*Thread, cpuCount)
	for i := range runQueues {
		runQueues[i] = &runQueue{}
		ptr, length := idleStack()
		idle := PrepareThread(idleEntry, 0, unsafe.Pointer(ptr), length, ClassIdle, PriorityIdle, 20)
		idle.state = Ready
		idleThreads[i] = idle
	}
}

func queueFor(id kernel.CpuID) *runQueue {
	rqMu.RLock()
	defer rqMu.RUnlock()
	return runQueues[id]
}

// leastLoadedCPU returns the id of the CPU whose run queue carries the
// smallest sum of Ready threads' effective priorities, breaking ties
// toward the lowest id.
func leastLoadedCPU() kernel.CpuID {
	rqMu.RLock()
	queues := runQueues
	rqMu.RUnlock()

	best := kernel.CpuID(0)
	bestLoad := queues[0].load()
	for i := 1; i < len(queues); i++ {
		if l := queues[i].load(); l < bestLoad {
			best, bestLoad = kernel.CpuID(i), l
		}
	}
	return best
}

// EnqueueThread makes t Ready and links it onto a run queue. A pinned affinity always wins; otherwise the least-loaded
// CPU is picked by summed Ready-thread priority. If that CPU isn't the
// caller's own and is currently running a lower-priority thread, it's
// kicked with a reschedule IPI rather than just flagging the local gate,
// which a remote CPU would never observe.
func EnqueueThread(t *Thread) {
	t.mu.Lock()
	t.state = Ready
	target := leastLoadedCPU()
	if t.hasAffinity {
		target = t.affinity
	}
	prio := t.effectivePriorityLocked()
	t.mu.Unlock()

	q := queueFor(target)
	q.mu.Lock()
	q.pushBack(prio, t)
	q.mu.Unlock()

	targetCpu := cpu.ByID(target)
	if target == cpu.Current().ID {
		targetCpu.ReschedulePending = true
		return
	}

	current, ok := targetCpu.Current.(*Thread)
	if !ok || current == nil || current.EffectivePriority() < prio {
		smp.SendMail(targetCpu, &smp.MailData{
			Fn: func(interface{}) { cpu.Current().ReschedulePending = true },
		})
	}
}

// Pick selects the next thread to run on the calling CPU: the highest
// non-empty priority level's head, or that CPU's idle thread if the run
// queue is empty.
func Pick() *Thread {
	c := cpu.Current()
	q := queueFor(c.ID)

	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.highestNonEmpty(); ok {
		return q.popFront(p)
	}
	return idleThreads[c.ID]
}

// hal seams, mocked in tests.
var (
	hwSwitchThreadFn = hal.HwSwitchThread
)

// Reschedule is installed as kernel/ipl's rescheduler hook: it runs at
// IPL=Passive right after the IPL gate notices ReschedulePending and
// drops to Passive, picks the next thread, and switches to it.
func Reschedule() {
	reschedLock.Acquire()
	defer reschedLock.Release()

	c := cpu.Current()
	prev, _ := c.Current.(*Thread)
	next := Pick()
	if next == prev {
		return
	}

	if prev != nil {
		prev.mu.Lock()
		if prev.state == Executing {
			prev.state = Ready
			prio := prev.effectivePriorityLocked()
			prev.mu.Unlock()
			q := queueFor(c.ID)
			q.mu.Lock()
			q.pushBack(prio, prev)
			q.mu.Unlock()
		} else {
			prev.mu.Unlock()
		}
	}

	next.mu.Lock()
	next.state = Executing
	next.mu.Unlock()
	c.Current = next
	klog.Log(klog.Debug, "switch to thread %d (prio %d)", uint64(next.ID), next.EffectivePriority())

	var scratch unsafe.Pointer
	prevSlot := &scratch
	if prev != nil {
		prevSlot = &prev.hwContext
	}
	hwSwitchThreadFn(prevSlot, next.hwContext)
}

// Yield voluntarily gives up the remainder of the calling thread's
// quantum: re-enqueue at Ready and force a
// reschedule.
func Yield() {
	prev := ipl.RaiseIpl(ipl.DpcLevel)
	Reschedule()
	ipl.LowerIpl(prev)
}

// ExitThread transitions the calling thread to Dead and reschedules; it
// never returns.
func ExitThread() {
	c := cpu.Current()
	if t, ok := c.Current.(*Thread); ok {
		t.mu.Lock()
		t.state = Dead
		t.mu.Unlock()
	}
	prev := ipl.RaiseIpl(ipl.DpcLevel)
	Reschedule()
	ipl.LowerIpl(prev)
}
