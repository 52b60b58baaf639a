// Package klog implements the log pipeline: a per-CPU
// ring buffer, an MPSC drain to pluggable sinks, and the panic path that
// prints through those sinks with bounded try-locks before halting the
// machine.
//
// Grounded on the reference kernel's kernel/kfmt/ringbuf.go (ring shape),
// kernel/kfmt/panic.go (panic banner structure) and kernel/kfmt/
// prefix_writer.go (per-line prefix injection). The reference has no sink
// abstraction or SMP panic fan-out (it is single-core and writes directly
// to its active console); the pluggable-sink shape additionally follows
// a "one façade, many interchangeable backends" idea, implemented from
// scratch around a Write/Reset/BeginPanic contract. Entries live in a preallocated
// per-CPU ring and are only ever referenced by pointer on the MPSC
// queue, never copied onto the heap, the same no-allocation discipline
// kernel/kfmt's Printf applies to formatting.
package klog

import (
	"sync/atomic"
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/kfmt"
	"nyxkernel/kernel/smp"
)

// Level is the severity of a log line.
type Level uint8

const (
	Debug Level = iota
	Info
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warning:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "?"
	}
}

// maxLineLen bounds the local formatting buffer a single Log call uses
//.
const maxLineLen = 128

// ringCapacity is the number of entries buffered per CPU before the
// oldest unread one is overwritten.
const ringCapacity = 64

// drainBatch is how many items TryWriteLogs drains per call.
const drainBatch = 64

// Entry is one formatted log line.
type Entry struct {
	Timestamp uint64
	CpuID     kernel.CpuID
	ThreadID  kernel.ThreadID
	Runlevel  cpu.IPL
	Level     Level
	Text      [maxLineLen]byte
	TextLen   int
}

// Bytes returns the formatted text of e.
func (e *Entry) Bytes() []byte { return e.Text[:e.TextLen] }

// Sink is a pluggable log destination.
type Sink interface {
	Write(p []byte) (int, error)
	Reset()
	BeginPanic()
}

// ringSlot is one preallocated entry in a CPU's ring. node must stay the
// first field: nodeToSlot recovers the enclosing ringSlot from the
// *cpu.Node returned by MPSCQueue.DrainFIFO by address coincidence, the
// same trick kernel/smp.nodePtr and kernel/dpc's node recovery rely on.
type ringSlot struct {
	node cpu.Node
	Entry
}

func nodeToSlot(n *cpu.Node) *ringSlot {
	return (*ringSlot)(unsafe.Pointer(n))
}

var (
	queue     cpu.MPSCQueue
	sinksLock = ipl.NewLock(ipl.DpcLevel)
	sinks     []Sink

	rings     [][]ringSlot
	ringHeads []uint32
	overflows []uint64
)

// Init allocates the per-CPU rings. Must run after cpu.Init.
func Init(cpuCount int) {
	rings = make([][]ringSlot, cpuCount)
	ringHeads = make([]uint32, cpuCount)
	overflows = make([]uint64, cpuCount)
	for i := range rings {
		rings[i] = make([]ringSlot, ringCapacity)
	}
}

// AddLogSink registers sink as a drain target for TryWriteLogs.
func AddLogSink(sink Sink) {
	sinksLock.Acquire()
	sinks = append(sinks, sink)
	sinksLock.Release()
}

// RemoveLogSink unregisters sink, if present.
func RemoveLogSink(sink Sink) {
	sinksLock.Acquire()
	for i, s := range sinks {
		if s == sink {
			sinks = append(sinks[:i], sinks[i+1:]...)
			break
		}
	}
	sinksLock.Release()
}

// ResetSinks calls Reset on every registered sink, e.g. after a driver
// reinitializes its backing device.
func ResetSinks() {
	sinksLock.Acquire()
	for _, s := range sinks {
		s.Reset()
	}
	sinksLock.Release()
}

// currentThreadIDFn is installed by kernel/sched (via SetThreadIDFn) so
// log entries can carry the logging thread's id without klog importing
// kernel/sched directly, which would cycle back (sched would need to
// import klog to log from thread lifecycle transitions).
var currentThreadIDFn func() kernel.ThreadID

// SetThreadIDFn installs the accessor used to populate Entry.ThreadID.
func SetThreadIDFn(fn func() kernel.ThreadID) {
	currentThreadIDFn = fn
}

func currentThreadID() kernel.ThreadID {
	if currentThreadIDFn == nil {
		return 0
	}
	return currentThreadIDFn()
}

// readTimestampFn is mocked by tests; inlined in production.
var readTimestampFn = hal.HwReadTimestamp

// lineWriter formats a single Log call directly into a ring slot's fixed
// Text array, never allocating.
type lineWriter struct {
	buf *[maxLineLen]byte
	n   int
}

func (w *lineWriter) Write(p []byte) (int, error) {
	room := maxLineLen - w.n
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		p = p[:room]
	}
	copy(w.buf[w.n:], p)
	w.n += len(p)
	return len(p), nil
}

// Log formats format/args and pushes the result through the pipeline
//: reserve a slot in the calling CPU's ring, format into
// it, raise IPL to Dpc, publish the slot onto the process-wide MPSC
// queue, then attempt a non-blocking drain to every sink.
func Log(level Level, format string, args ...interface{}) {
	c := cpu.Current()
	if int(c.ID) >= len(rings) {
		// Init hasn't run yet (early boot, or a test exercising a caller
		// that logs without standing up the log pipeline): drop the line
		// rather than index into an empty ring.
		return
	}
	runlevel := c.IPL()
	r := rings[c.ID]

	idx := atomic.AddUint32(&ringHeads[c.ID], 1) - 1
	slot := &r[idx%ringCapacity]
	if idx >= ringCapacity {
		// Give the sinks one chance to drain before this slot's previous
		// occupant is overwritten.
		TryWriteLogs()
		atomic.AddUint64(&overflows[c.ID], 1)
	}

	slot.CpuID = c.ID
	slot.ThreadID = currentThreadID()
	slot.Runlevel = runlevel
	slot.Level = level
	slot.Timestamp = readTimestampFn()

	lw := &lineWriter{buf: &slot.Text}
	kfmt.Fprintf(lw, format, args...)
	slot.TextLen = lw.n

	raised := runlevel < ipl.DpcLevel
	if raised {
		ipl.RaiseIpl(ipl.DpcLevel)
	}

	queue.Push(&slot.node)

	if raised {
		ipl.LowerIpl(runlevel)
	}

	TryWriteLogs()
}

// Overflows reports how many times a Log call on cpuID has reused a ring
// slot after the ring wrapped. Every reuse counts, whether or not a sink
// had already written the slot's previous entry.
func Overflows(cpuID kernel.CpuID) uint64 {
	return atomic.LoadUint64(&overflows[cpuID])
}

// TryWriteLogs drains up to drainBatch queued entries to each registered
// sink if the sinks lock can be acquired non-blockingly; otherwise it defers and returns false.
func TryWriteLogs() bool {
	if !sinksLock.TryAcquire() {
		return false
	}
	defer sinksLock.Release()

	nodes := queue.DrainFIFO()
	if len(nodes) > drainBatch {
		nodes = nodes[:drainBatch]
	}
	for _, raw := range nodes {
		slot := nodeToSlot(raw)
		for _, s := range sinks {
			s.Write(slot.Bytes())
		}
	}
	return true
}

// haltOthers is sent to every other CPU during Panic so each halts
// itself rather than continuing to run against corrupted shared state.
func haltOthers(_ interface{}) {
	intrsOffFn()
	haltFn()
}

// The following are mocked by tests; inlined in production (same seam
// style as kernel/smp's sendIPIFn/flushTLBFn).
var (
	intrsOffFn  = hal.IntrsOff
	haltFn      = hal.HwHalt
	dumpStateFn = hal.HwDumpState
	sendMailFn  = smp.SendMail
)

// maxTryLockAttempts bounds how long Panic spins trying to acquire the
// sinks lock before giving up and printing without it.
const maxTryLockAttempts = 1 << 16

// Panic runs the kernel panic sequence: disable interrupts on the
// panicking CPU, IPI every other CPU to halt, acquire the sinks with
// bounded try-locks, print the message plus a HAL hardware dump, then
// halt. Never returns.
func Panic(err *kernel.Error) {
	intrsOffFn()

	self := cpu.Current().ID
	for _, c := range cpu.All() {
		if c.ID == self {
			continue
		}
		sendMailFn(cpu.ByID(c.ID), &smp.MailData{Fn: haltOthers})
	}

	acquired := false
	for i := 0; i < maxTryLockAttempts && !acquired; i++ {
		acquired = sinksLock.TryAcquire()
	}

	for _, s := range sinks {
		s.BeginPanic()
	}

	printPanic(err)

	if acquired {
		sinksLock.Release()
	}

	haltFn()
}

func printPanic(err *kernel.Error) {
	for _, s := range sinks {
		kfmt.Fprintf(s, "\n-----------------------------------\n")
		if err != nil {
			kfmt.Fprintf(s, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
		}
		var dump [512]byte
		if n := dumpStateFn(dump[:]); n > 0 {
			s.Write(dump[:n])
		}
		kfmt.Fprintf(s, "*** kernel panic: system halted ***\n")
		kfmt.Fprintf(s, "-----------------------------------\n")
	}
}
