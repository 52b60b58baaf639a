package vmm

import (
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/smp"
)

// remoteTargets returns every CPU other than the caller's, for the
// broadcast half of a TLB shootdown: once a shared PTE is cleared
// locally, every other CPU that might have the old translation cached
// needs an invalidation IPI too, or it keeps translating through a
// mapping the VMM has already torn down.
func remoteTargets() []*cpu.Cpu {
	self := cpu.Current().ID
	all := cpu.All()
	targets := make([]*cpu.Cpu, 0, len(all))
	for _, c := range all {
		if c.ID == self {
			continue
		}
		targets = append(targets, cpu.ByID(c.ID))
	}
	return targets
}

// shootdownRange clears [base, base+length) on every other CPU after the
// caller has already cleared its own local PTE(s). wait controls whether
// the caller blocks until every target acknowledges: Free needs to (the
// frame is about to go back on the free list, so a lingering stale
// translation elsewhere would let something else reuse it while still
// reachable through an old mapping); a page-out demotion doesn't, since
// the frame itself isn't moving yet.
func shootdownRange(base uintptr, length uintptr, wait bool) {
	targets := remoteTargets()
	if len(targets) == 0 {
		return
	}
	smp.FlushRemoteTLBs(targets, base, length, wait, 0)
}

// shootdownPage is shootdownRange for the single-page case pageout.go's
// unmapEverywhere needs.
func shootdownPage(addr uintptr) {
	shootdownRange(addr, uintptr(mem.PageSize), false)
}
