package vmm

import (
	"nyxkernel/kernel/config"
	"nyxkernel/kernel/klog"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

// Daemon runs the two-stage page-out policy against one
// domain. It holds no goroutine of its own: the scheduler runs it as an
// ordinary kernel thread body by calling RunOnce repeatedly, the way the
// reference kernel's background workers are plain functions driven by a
// thread loop rather than a dedicated runtime construct.
type Daemon struct {
	Domain *pmm.Domain

	// StandbyLowWatermark triggers Stage 2 reclaim when the standby list
	// is this small or smaller.
	StandbyLowWatermark int
	// FreeTarget is how many pages Stage 2 tries to move onto the free
	// list per invocation once triggered.
	FreeTarget int
}

// NewDaemon constructs a page-out daemon for domain with the given
// Stage 2 trigger and batch size.
func NewDaemon(domain *pmm.Domain, standbyLowWatermark, freeTarget int) *Daemon {
	return &Daemon{Domain: domain, StandbyLowWatermark: standbyLowWatermark, FreeTarget: freeTarget}
}

// WakeIntervalMs returns how often the scheduler should run the daemon's
// thread loop, read from store's config.KeyVmdWakeTimeoutMs.
func WakeIntervalMs(store *config.Store) uint64 {
	return store.ReadConfigUint(config.KeyVmdWakeTimeoutMs, config.DefaultVmdWakeTimeoutMs)
}

// RunOnce performs one Stage 1 sweep (always) followed by Stage 2 reclaim
// if the standby list is at or below the low watermark.
func (d *Daemon) RunOnce() {
	d.stage1()
	if d.Domain.Standby.Len() <= d.StandbyLowWatermark {
		d.stage2()
	}
}

// stage1 walks the active list with a clock/second-chance policy: a page
// seen for the first time this pass is given a reference bit and
// skipped; a page already carrying the bit is unmapped from every view
// referencing it and demoted to the dirty or standby list depending on
// whether it was written since last resolved.
func (d *Daemon) stage1() {
	var demote []*pfn.PageInfo

	d.Domain.Active.Each(func(p *pfn.PageInfo) {
		if p.WireCount > 0 || isWiredView(p) {
			return
		}
		if p.AnonFlags&pfn.FlagClockRef == 0 {
			p.AnonFlags |= pfn.FlagClockRef
			return
		}
		demote = append(demote, p)
	})

	for _, p := range demote {
		unmapEverywhere(p, d.Domain)
		p.AnonFlags &^= pfn.FlagClockRef
		dst := d.Domain.Standby
		if p.AnonFlags&pfn.FlagDirty != 0 {
			dst = d.Domain.Dirty
		}
		d.Domain.Active.MoveTo(dst, p)
	}
}

// isWiredView reports whether p is privately owned by a View created with
// ViewWired. VMO-owned (shared) pages are never considered wired through
// this path; only a view's own overlay pages carry the owning view's
// flags.
func isWiredView(p *pfn.PageInfo) bool {
	v, ok := p.VmObjOwner.(*View)
	return ok && v.Flags.Has(ViewWired)
}

// stage2 reclaims pages off the standby (and, after write-back, dirty)
// lists until FreeTarget pages have been returned to the free list or
// there is nothing left to reclaim.
func (d *Daemon) stage2() {
	reclaimed := 0
	for reclaimed < d.FreeTarget {
		p := d.Domain.Standby.PopFront()
		if p == nil {
			break
		}
		finishReclaim(p, d.Domain)
		reclaimed++
	}

	for reclaimed < d.FreeTarget {
		p := d.Domain.Dirty.PopFront()
		if p == nil {
			break
		}
		if !writeBack(p) {
			// Can't write back (no writer, or write failed): put it back
			// on the dirty list rather than lose data silently.
			klog.Log(klog.Warning, "pageout: write-back failed for frame 0x%x, retaining on dirty list", uint64(p.Frame.Address()))
			d.Domain.Dirty.PushBack(p)
			break
		}
		finishReclaim(p, d.Domain)
		reclaimed++
	}
}

func writeBack(p *pfn.PageInfo) bool {
	var vmo *Vmo
	switch owner := p.VmObjOwner.(type) {
	case *Vmo:
		vmo = owner
	case *View:
		vmo = owner.Vmo
	default:
		return false
	}
	if vmo == nil || vmo.Writer == nil {
		return false
	}
	if err := vmo.Writer(p.PageOffset, p.Frame); err != nil {
		return false
	}
	return true
}

func finishReclaim(p *pfn.PageInfo, domain *pmm.Domain) {
	switch owner := p.VmObjOwner.(type) {
	case *Vmo:
		owner.Remove(p.PageOffset)
	case *View:
		owner.lock.Acquire()
		if i, ok := owner.findOverlay(p.PageOffset); ok {
			owner.overlay = append(owner.overlay[:i], owner.overlay[i+1:]...)
		}
		owner.lock.Release()
	}
	p.VmObjOwner = nil
	p.AnonFlags = 0
	_ = domain.FreeFrame(p.Frame)
}

// unmapEverywhere clears the PTE for p in every view that currently maps
// it, ahead of moving it off the active list.
func unmapEverywhere(p *pfn.PageInfo, domain *pmm.Domain) {
	switch owner := p.VmObjOwner.(type) {
	case *Vmo:
		for _, v := range owner.Views() {
			if addr, ok := addrFor(v, p.PageOffset); ok {
				hwClearPteFn(v.space.Root, addr)
				shootdownPage(addr)
			}
		}
	case *View:
		if addr, ok := addrFor(owner, p.PageOffset); ok {
			hwClearPteFn(owner.space.Root, addr)
			shootdownPage(addr)
		}
	}
}

func addrFor(v *View, offset uint64) (uintptr, bool) {
	if offset < v.Offset || offset >= v.Offset+v.LengthPg {
		return 0, false
	}
	return v.Base + uintptr(offset-v.Offset)*uintptr(mem.PageSize), true
}
