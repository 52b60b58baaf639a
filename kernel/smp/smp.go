// Package smp implements the SMP infrastructure: inter-CPU
// mail and remote TLB shootdown, both delivered as MPSC-queued payloads
// plus an IPI kick. Neither primitive exists in the reference kernel
// (gopher-os never brings up a second CPU); the queue shape reuses
// kernel/cpu.MPSCQueue and kernel/hal's HwSendIPI/HwFlushTLB boundary.
package smp

import (
	"sync/atomic"
	"unsafe"

	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
)

// nodePtr recovers the enclosing record from an intrusive *cpu.Node. Both
// MailData and shootdownEntry embed their Node as the first field, so the
// addresses coincide.
func nodePtr(n *cpu.Node) unsafe.Pointer {
	return unsafe.Pointer(n)
}

// sendIPIFn and flushTLBFn are mocked by tests; inlined in production
// (same seam style as the reference's vmm.go flushTLBEntryFn).
var (
	sendIPIFn  = hal.HwSendIPI
	flushTLBFn = hal.HwFlushTLB
)

// MailData is one inter-CPU mail item.
// OnComplete, if non-nil, is signalled by the receiver after Fn returns,
// letting the sender wait for a result; it is declared as a one-method
// interface (anything with a Signal method) so that kernel/smp does not
// import kernel/wait.
type MailData struct {
	node cpu.Node

	Fn         func(arg interface{})
	Arg        interface{}
	OnComplete interface{ Signal() }
}

// SendMail pushes mail onto target's mailbox and sends it a wake IPI.
// Mail is drained at IPL=Dpc by the target.
func SendMail(target *cpu.Cpu, mail *MailData) {
	target.Mail.Push(&mail.node)
	sendIPIFn(uint32(target.ID))
}

// DrainMail runs every mail item queued for the calling CPU. Expected to
// be invoked from the local IPI handler's DPC, at IPL=Dpc.
func DrainMail() {
	c := cpu.Current()
	for _, n := range c.Mail.DrainFIFO() {
		m := (*MailData)(nodePtr(n))
		if m.Fn != nil {
			m.Fn(m.Arg)
		}
		if m.OnComplete != nil {
			m.OnComplete.Signal()
		}
	}
}

// RemoteFlushData describes one outstanding TLB shootdown request. Acks starts at the number of target CPUs and is
// decremented with release semantics as each one finishes invalidating
// its local TLB for [Base, Base+Length).
type RemoteFlushData struct {
	Base   uintptr
	Length uintptr
	acks   int32
}

// shootdownEntry is the per-target queue node for a shootdown. A single
// Node can only ever be linked into one MPSCQueue at a time (Node.next is
// one field), so each target CPU needs its own entry even though they all
// point at the same shared RemoteFlushData and its one Acks counter.
type shootdownEntry struct {
	node cpu.Node
	rf   *RemoteFlushData
}

// FlushRemoteTLBs clears the caller's intent to keep a mapping valid on
// the given set of CPUs: it pushes a RemoteFlushData with acks == len(targets)
// onto each target's shootdown queue and IPIs them. The shared page table
// entry must already have been cleared by the caller before this is
// called. If wait is true, FlushRemoteTLBs busy-waits (with the
// given timeout, in HwReadTimestamp ticks; 0 means no timeout) until every
// target acknowledges, as the only state available before the wait
// subsystem can be assumed initialized.
func FlushRemoteTLBs(targets []*cpu.Cpu, base, length uintptr, wait bool, timeoutTicks uint64) *RemoteFlushData {
	rf := &RemoteFlushData{Base: base, Length: length, acks: int32(len(targets))}
	if len(targets) == 0 {
		return rf
	}
	for _, t := range targets {
		entry := &shootdownEntry{rf: rf}
		t.Shootdowns.Push(&entry.node)
		sendIPIFn(uint32(t.ID))
	}
	if wait {
		waitForAcks(rf, timeoutTicks)
	}
	return rf
}

// AcksRemaining returns the number of targets that have not yet
// acknowledged rf.
func (rf *RemoteFlushData) AcksRemaining() int32 {
	return atomic.LoadInt32(&rf.acks)
}

// readTimestampFn is mocked by tests.
var readTimestampFn = hal.HwReadTimestamp

func waitForAcks(rf *RemoteFlushData, timeoutTicks uint64) {
	var deadline uint64
	if timeoutTicks != 0 {
		deadline = readTimestampFn() + timeoutTicks
	}
	for atomic.LoadInt32(&rf.acks) != 0 {
		if timeoutTicks != 0 && readTimestampFn() >= deadline {
			return
		}
	}
}

// DrainShootdowns invalidates every shootdown request queued for the
// calling CPU and decrements each one's ack counter with release
// semantics. Expected to run from the local shootdown IPI
// handler.
func DrainShootdowns() {
	c := cpu.Current()
	for _, n := range c.Shootdowns.DrainFIFO() {
		entry := (*shootdownEntry)(nodePtr(n))
		flushTLBFn(entry.rf.Base, entry.rf.Length)
		atomic.AddInt32(&entry.rf.acks, -1)
	}
}
