// Package cpu defines the per-CPU control block and the CPU-local storage
// accessor used throughout the core. This is not thread-local storage: a
// kernel thread may migrate between CPUs, and the values reached through
// Current always describe the CPU actually executing the call, not the
// running thread.
package cpu

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/hal"
	"sync"
	"sync/atomic"
)

// IPL values are redeclared here (rather than imported from kernel/ipl) to
// avoid a cyclic dependency: kernel/ipl needs to reach the calling CPU's
// current level, and kernel/cpu is the package that owns the Cpu record.
// kernel/ipl re-exports these as its own named constants.
type IPL uint8

const (
	Passive IPL = iota
	Dpc
	Interrupt
)

// Cpu is the per-CPU control block: CPU-local storage, the current IPL,
// the IPI mailbox and TLB-shootdown queues, and a back-pointer to the
// locally running thread. Run queues are not held here; kernel/sched
// keeps them indexed by CPU id. Every field not explicitly
// documented as cross-CPU is only ever touched by the owning CPU.
type Cpu struct {
	ID kernel.CpuID

	// iplMu guards ipl against concurrent reads from remote CPUs (see
	// IPL); only the owning CPU ever writes it.
	iplMu sync.Mutex
	ipl   IPL

	// ReschedulePending is set by EnqueueThread (this CPU or a remote
	// one) to request that the owning CPU re-run the scheduler the next
	// time it lowers to Passive.
	ReschedulePending bool

	// Idle is this CPU's idle thread, installed during scheduler init.
	// Declared as an opaque pointer here (concrete *sched.Thread) to
	// avoid an import cycle between kernel/cpu and kernel/sched; the
	// scheduler package stores into this field directly.
	Idle interface{}

	// Current is the thread context-switched in on this CPU, or nil
	// before the scheduler starts. Same opaque-pointer rationale as
	// Idle.
	Current interface{}

	// Mail and Shootdowns are opaque to this package; kernel/smp defines
	// their concrete element types and pushes/pops through them. They
	// are declared here (rather than in kernel/smp) because every CPU
	// owns exactly one of each and other packages (ipl, dpc) need to
	// reach a CPU's queues without importing kernel/smp.
	Mail        MPSCQueue
	Shootdowns  MPSCQueue
	DpcQueue    MPSCQueue
}

// MPSCQueue is a minimal multi-producer single-consumer intrusive FIFO.
// Producers (any CPU) call Push; only the owning CPU calls DrainFIFO. It
// is implemented as a lock-free Treiber-style stack of singly linked
// nodes reversed on drain, which gives FIFO delivery order per drain pass
// without requiring a CAS loop on both ends.
type MPSCQueue struct {
	head atomic.Pointer[Node]
}

// Node is the intrusive link embedded in everything pushed onto an
// MPSCQueue (DpcQueue, Mail, Shootdowns). Concrete queue element types
// embed Node and are queued via unsafe.Pointer-free, type
// parameter-free linkage through the Push/DrainFIFO helpers below; callers
// cast the returned Node pointers back to their concrete type.
type Node struct {
	next *Node
}

func (q *MPSCQueue) loadHead() *Node              { return q.head.Load() }
func (q *MPSCQueue) casHead(old, new *Node) bool  { return q.head.CompareAndSwap(old, new) }
func (q *MPSCQueue) swapHead(new *Node) *Node     { return q.head.Swap(new) }

var cpus []Cpu

// Init allocates the per-CPU array for count CPUs. Must be called once,
// by the BSP, before any secondary CPU is brought up.
func Init(count int) {
	cpus = make([]Cpu, count)
	for i := range cpus {
		cpus[i].ID = kernel.CpuID(i)
	}
}

// Count returns the number of CPUs known to the core.
func Count() int { return len(cpus) }

// myCoreIDFn is mocked by tests; inlined by the compiler in production
// builds (same seam style as the reference's cpuidFn in kernel/cpu/cpu_amd64.go).
var myCoreIDFn = hal.MyCoreID

// Current returns the control block for the CPU executing the call.
func Current() *Cpu {
	return &cpus[myCoreIDFn()]
}

// SetCoreIDFnForTest overrides the core-id accessor used by Current. It
// exists so that other packages' tests can simulate "the code executing
// on CPU N" without a real multi-core host; production code never calls
// this.
func SetCoreIDFnForTest(fn func() uint32) {
	myCoreIDFn = fn
}

// ByID returns the control block for the given CPU id. Used by remote
// operations (EnqueueThread load balancing, IPI mailbox delivery,
// shootdown targeting).
func ByID(id kernel.CpuID) *Cpu {
	return &cpus[id]
}

// All returns every CPU's control block, in ascending id order. Used by
// load-balancing and broadcast operations (e.g. a global TLB shootdown).
func All() []Cpu {
	return cpus
}

// IPL returns this CPU's current interrupt priority level. Reading another
// CPU's IPL is occasionally useful for diagnostics only; the scheduler's
// load metric does not depend on it.
func (c *Cpu) IPL() IPL {
	c.iplMu.Lock()
	defer c.iplMu.Unlock()
	return c.ipl
}

// SetIPL is used exclusively by kernel/ipl, which owns the raise/lower
// state machine; no other package should call this directly.
func (c *Cpu) SetIPL(l IPL) {
	c.iplMu.Lock()
	c.ipl = l
	c.iplMu.Unlock()
}

// Push appends n to the tail-observed order of the queue; safe to call
// from any CPU at any IPL.
func (q *MPSCQueue) Push(n *Node) {
	for {
		old := q.loadHead()
		n.next = old
		if q.casHead(old, n) {
			return
		}
	}
}

// DrainFIFO removes every node currently queued and returns them in FIFO
// (oldest-pushed-first) order. Only the owning CPU should call this.
func (q *MPSCQueue) DrainFIFO() []*Node {
	head := q.swapHead(nil)
	var out []*Node
	for n := head; n != nil; n = n.next {
		out = append(out, n)
	}
	// head holds LIFO order (last pushed first); reverse for FIFO.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Empty reports whether the queue currently has no pending nodes. Racy
// with concurrent Push by design; used only as a fast-path hint.
func (q *MPSCQueue) Empty() bool {
	return q.loadHead() == nil
}
