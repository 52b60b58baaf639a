// Package dpc implements the per-CPU Deferred Procedure Call queue. A DPC
// is a one-shot, identity-based work item; it is never
// copied while queued and runs to completion at IPL=Dpc without the local
// scheduler interrupting it.
//
// The reference kernel (gopher-os) predates DPCs entirely; its
// kernel/sync/spinlock.go leaves a "yieldFn: TODO replace with real yield
// function when context-switching is implemented" marker where this kind
// of deferred work would eventually be threaded in. This package is new
// code written in the reference's idiom: explicit intrusive linkage
// (kernel/cpu.Node) rather than container/list, and package-level
// function-pointer seams for anything that would otherwise require a real
// CPU to test.
package dpc

import (
	"nyxkernel/kernel/cpu"
	"unsafe"
)

// Dpc is a single deferred procedure call. Fn and Arg are set by the
// submitter, which must keep the record alive until the DPC has run (or a
// cancellation succeeds); the queue only ever holds a pointer to it.
type Dpc struct {
	node cpu.Node
	Fn   func(arg interface{})
	Arg  interface{}

	queued bool
}

// dpcNode is the queue record Queue allocates for each submission: its
// embedded Node is what goes onto the MPSCQueue, and owner points back at
// the submitted *Dpc. nodeAsDpcNode recovers the dpcNode from a *cpu.Node
// returned by MPSCQueue.DrainFIFO, since the Node is its first field.
type dpcNode struct {
	cpu.Node
	owner *Dpc
}

// Queue submits d to the target CPU's DPC queue. If target is the
// calling CPU and it is currently below IPL=Dpc, the caller is expected to
// lower through kernel/ipl shortly, which drains the queue; Queue never
// drains synchronously itself.
func Queue(target *cpu.Cpu, d *Dpc) {
	d.queued = true
	n := &dpcNode{owner: d}
	target.DpcQueue.Push(&n.Node)
}

// QueueLocal submits d to the calling CPU's queue.
func QueueLocal(d *Dpc) {
	Queue(cpu.Current(), d)
}

// Cancel attempts to prevent a queued DPC from running. Returns false if
// the DPC has already been drained (and is therefore running or has run);
// the reference's ownership contract ("A DPC is owned by its submitter
// until it has run") means a caller that loses this race must not reuse
// or free the record until it independently observes completion (e.g. via
// a side channel set by Fn itself).
func Cancel(d *Dpc) bool {
	// A plain MPSC queue offers no mid-queue removal; marking queued=false
	// lets DrainLocal skip an already-cancelled entry cheaply without a
	// linear scan of every other CPU's queue.
	if !d.queued {
		return false
	}
	d.queued = false
	return true
}

// DrainLocal runs every DPC currently queued on the calling CPU, in FIFO
// order, checking for new arrivals between each. Must be
// called at IPL=Dpc; kernel/ipl.LowerIpl is the only expected caller.
func DrainLocal() {
	c := cpu.Current()
	for {
		nodes := c.DpcQueue.DrainFIFO()
		if len(nodes) == 0 {
			return
		}
		for _, n := range nodes {
			dn := nodeAsDpcNode(n)
			d := dn.owner
			if !d.queued {
				continue
			}
			d.queued = false
			if d.Fn != nil {
				d.Fn(d.Arg)
			}
		}
	}
}

// nodeAsDpcNode recovers the dpcNode that embeds n. Every node ever pushed
// onto a DPC queue is constructed as &dpcNode{...} in Queue, so this cast
// is always valid for nodes drained from a DpcQueue: Node is dpcNode's
// first field, so the addresses coincide.
func nodeAsDpcNode(n *cpu.Node) *dpcNode {
	return (*dpcNode)(unsafe.Pointer(n))
}
