// Package pmm implements the physical memory manager and the System
// domain: the root of one NUMA-like allocation domain,
// holding the page-info database and the free/active/dirty/standby lists.
//
// The reference kernel's equivalent (kernel/mm/pmm/pmm.go) is a bitmap
// allocator with a boot-then-steady-state handoff (bootMemAllocator then
// BitmapAllocator); this package keeps that two-phase handoff shape but
// switches the steady-state allocator to a free-list-of-runs plus
// page-info-database model.
package pmm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errDoubleFree   = &kernel.Error{Module: "pmm", Message: "frame freed while not allocated"}
)

// Domain is the root of one NUMA-like allocation domain: physOffset, the page-info database, the zero page
// address, and the four lock-protected page lists.
type Domain struct {
	PhysOffset uintptr
	DB         *pfn.DB
	ZeroPage   uintptr

	Free    *pfn.List
	Active  *pfn.List
	Dirty   *pfn.List
	Standby *pfn.List

	freeMu *ipl.Lock
}

// NewDomain constructs a domain covering frameCount frames starting at
// physOffset, with every frame initially on the free list as one run.
func NewDomain(physOffset uintptr, frameCount uint64) *Domain {
	d := &Domain{
		PhysOffset: physOffset,
		DB:         pfn.NewDB(physOffset, frameCount),
		Free:       pfn.NewList(pfn.ListFree),
		Active:     pfn.NewList(pfn.ListActive),
		Dirty:      pfn.NewList(pfn.ListDirty),
		Standby:    pfn.NewList(pfn.ListStandby),
		freeMu:     ipl.NewLock(ipl.Interrupt),
	}

	if frameCount > 0 {
		first := d.DB.Lookup(physOffset)
		first.RunLength = frameCount
		first.Zeroed = false
		d.Free.PushBack(first)
	}
	return d
}

// AllocFrame pops a single page from the head of the free list, splitting
// the head run if it covers more than one frame.
// canFail, when false, indicates the caller has no fallback and a failure
// should be treated as fatal by the caller (the domain itself never
// panics here; resource-shortage failures are routed back to the
// caller).
func (d *Domain) AllocFrame(canFail bool) (pfn.Frame, *kernel.Error) {
	d.freeMu.Acquire()
	defer d.freeMu.Release()

	head := d.Free.PopFront()
	if head == nil {
		return pfn.InvalidFrame, errOutOfMemory
	}

	if head.RunLength > 1 {
		rest := d.DB.Lookup(head.Address() + uintptr(mem.PageSize))
		rest.RunLength = head.RunLength - 1
		rest.Zeroed = head.Zeroed
		d.Free.PushBack(rest)
	}

	frame := head.Frame
	head.RunLength = 0
	head.Role = pfn.RoleAnon
	return frame, nil
}

// FreeFrame returns a frame to the free list as a run of length 1,
// first unlinking it from the active, dirty or standby list if it is on
// one. It does not attempt to coalesce adjacent runs; the reference
// kernel's allocators do not coalesce either (BitmapAllocator just flips
// a bit).
func (d *Domain) FreeFrame(f pfn.Frame) *kernel.Error {
	info := d.DB.Lookup(f.Address())
	if info.List() == pfn.ListFree {
		return errDoubleFree
	}

	d.freeMu.Acquire()
	defer d.freeMu.Release()

	switch info.List() {
	case pfn.ListActive:
		d.Active.Remove(info)
	case pfn.ListDirty:
		d.Dirty.Remove(info)
	case pfn.ListStandby:
		d.Standby.Remove(info)
	}

	info.Role = pfn.RoleFree
	info.VmObjOwner = nil
	info.WireCount = 0
	info.AnonFlags = 0
	info.RunLength = 1
	d.Free.PushBack(info)
	return nil
}

// LookupPageInfo returns the PageInfo for a physical address in this
// domain.
func (d *Domain) LookupPageInfo(paddr uintptr) *pfn.PageInfo {
	return d.DB.Lookup(paddr)
}

// LookupPagePaddr returns the physical address for a PageInfo in this
// domain.
func (d *Domain) LookupPagePaddr(info *pfn.PageInfo) uintptr {
	return d.DB.LookupPaddr(info)
}
