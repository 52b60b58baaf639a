package vmm

import (
	"sort"
	"sync"

	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

var (
	errNoFreeRange  = &kernel.Error{Module: "vmm", Message: "no free range large enough for request"}
	errOutOfRange   = &kernel.Error{Module: "vmm", Message: "requested base is outside the address space"}
	errOverlap      = &kernel.Error{Module: "vmm", Message: "requested base overlaps an existing view"}
	errNotFound     = &kernel.Error{Module: "vmm", Message: "no view at that address"}
)

// AddressSpace owns a view tree ordered by base address plus a
// free-space allocator over the same address range. Grounded on the
// reference's kernel/mm/vmm/addr_space.go split of address-space
// bookkeeping from fault handling.
//
// The view tree is a sorted slice rather than a balanced tree: lookup is
// O(log N) via binary search same as a tree, insertion is O(N); for a
// kernel address space (tens to low hundreds of views) this is the
// simpler structure that still meets the O(log N) lookup bound that
// matters here.
type AddressSpace struct {
	Base  uintptr
	Limit uintptr // exclusive
	Root  uintptr // physical address of this space's root page table

	mu    sync.RWMutex
	views []*View // sorted by Base
}

// NewAddressSpace creates an address space spanning [base, base+length)
// rooted at the given page table's physical address.
func NewAddressSpace(base uintptr, length mem.Size, root uintptr) *AddressSpace {
	return &AddressSpace{Base: base, Limit: base + uintptr(length), Root: root}
}

func (as *AddressSpace) indexOf(base uintptr) (int, bool) {
	i := sort.Search(len(as.views), func(i int) bool { return as.views[i].Base >= base })
	if i < len(as.views) && as.views[i].Base == base {
		return i, true
	}
	return i, false
}

// Find returns the view containing addr, if any.
func (as *AddressSpace) Find(addr uintptr) *View {
	as.mu.RLock()
	defer as.mu.RUnlock()
	// Last view whose Base <= addr.
	i := sort.Search(len(as.views), func(i int) bool { return as.views[i].Base > addr })
	if i == 0 {
		return nil
	}
	v := as.views[i-1]
	if v.Contains(addr) {
		return v
	}
	return nil
}

// findFreeRangeLocked scans gaps between sorted views (and before the
// first / after the last) for one at least lengthBytes wide, returning
// its base. Callers must hold as.mu for write.
func (as *AddressSpace) findFreeRangeLocked(lengthBytes uintptr) (uintptr, *kernel.Error) {
	cursor := as.Base
	for _, v := range as.views {
		if v.Base-cursor >= lengthBytes {
			return cursor, nil
		}
		if v.End() > cursor {
			cursor = v.End()
		}
	}
	if as.Limit-cursor >= lengthBytes {
		return cursor, nil
	}
	return 0, errNoFreeRange
}

func (as *AddressSpace) insertLocked(v *View) {
	i, _ := as.indexOf(v.Base)
	as.views = append(as.views, nil)
	copy(as.views[i+1:], as.views[i:])
	as.views[i] = v
}

// AddView maps a new view of vmo into this address space. If base == 0 the allocator picks a free range; otherwise the
// caller's exact base is honored if it fits and does not overlap.
func (as *AddressSpace) AddView(base uintptr, lengthPages uint64, offset uint64, flags ViewFlags, vmo *Vmo) (*View, *kernel.Error) {
	if lengthPages == 0 {
		return nil, errZeroLength
	}
	lengthBytes := uintptr(lengthPages) * uintptr(mem.PageSize)

	as.mu.Lock()
	defer as.mu.Unlock()

	if base == 0 {
		picked, err := as.findFreeRangeLocked(lengthBytes)
		if err != nil {
			return nil, err
		}
		base = picked
	} else {
		if base < as.Base || base+lengthBytes > as.Limit {
			return nil, errOutOfRange
		}
		for _, v := range as.views {
			if base < v.End() && v.Base < base+lengthBytes {
				return nil, errOverlap
			}
		}
	}

	v := newView(base, lengthPages, offset, flags, vmo)
	v.space = as
	as.insertLocked(v)
	return v, nil
}

// RemoveView detaches the view at base from the tree and the VMO. It does
// not unmap PTEs or reclaim private frames; Free below is the full
// operation and is the one external callers should use.
// RemoveView stays exported for callers (e.g. a future exec/fork path)
// that have already torn down the mapping some other way and only need
// the bookkeeping half.
func (as *AddressSpace) RemoveView(base uintptr) *kernel.Error {
	as.mu.Lock()
	defer as.mu.Unlock()

	i, ok := as.indexOf(base)
	if !ok {
		return errNotFound
	}
	v := as.views[i]
	as.views = append(as.views[:i], as.views[i+1:]...)
	if v.Vmo != nil {
		v.Vmo.removeView(v)
	}
	return nil
}

// Free detaches the view at base, unmaps every page it maps, returns any
// privately-owned overlay frames to domain, and removes the view from its
// VMO's view list; the VMO's reference count is left unchanged. Rejected
// while an MDL is outstanding against the view:
// ReleaseMdl must precede Free for the same range.
func (as *AddressSpace) Free(base uintptr, domain *pmm.Domain) *kernel.Error {
	as.mu.Lock()
	i, ok := as.indexOf(base)
	if !ok {
		as.mu.Unlock()
		return errNotFound
	}
	v := as.views[i]

	v.lock.Acquire()
	mdlRefs := v.mdlRefs
	v.lock.Release()
	if mdlRefs > 0 {
		as.mu.Unlock()
		return &kernel.Error{Module: "vmm", Message: "cannot free a view with an MDL outstanding"}
	}

	as.views = append(as.views[:i], as.views[i+1:]...)
	as.mu.Unlock()

	for pageIdx := uint64(0); pageIdx < v.LengthPg; pageIdx++ {
		addr := v.Base + uintptr(pageIdx)*uintptr(mem.PageSize)
		hwClearPteFn(as.Root, addr)
	}
	shootdownRange(v.Base, uintptr(v.LengthPg)*uintptr(mem.PageSize), true)

	v.overlayEach(func(offset uint64, frame pfn.Frame) {
		_ = domain.FreeFrame(frame)
	})

	if v.Vmo != nil {
		v.Vmo.removeView(v)
	}

	return nil
}

// Split divides the view at viewBase into two adjacent views at splitAddr,
// both still referencing the original VMO at their respective offsets
//. Rejected while an MDL is outstanding
// against the view, same as Free. splitAddr must fall strictly inside the
// view (an endpoint split would just be a no-op).
func (as *AddressSpace) Split(viewBase, splitAddr uintptr) (*View, *View, *kernel.Error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	i, ok := as.indexOf(viewBase)
	if !ok {
		return nil, nil, errNotFound
	}
	v := as.views[i]
	if splitAddr <= v.Base || splitAddr >= v.End() {
		return nil, nil, &kernel.Error{Module: "vmm", Message: "split address must fall strictly inside the view"}
	}

	v.lock.Acquire()
	mdlRefs := v.mdlRefs
	v.lock.Release()
	if mdlRefs > 0 {
		return nil, nil, &kernel.Error{Module: "vmm", Message: "cannot split a view with an MDL outstanding"}
	}

	lowPages := uint64(splitAddr-v.Base) / uint64(mem.PageSize)

	low := newView(v.Base, lowPages, v.Offset, v.Flags, v.Vmo)
	low.space = as
	high := newView(splitAddr, v.LengthPg-lowPages, v.Offset+lowPages, v.Flags, v.Vmo)
	high.space = as

	v.overlayEach(func(offset uint64, frame pfn.Frame) {
		if offset < v.Offset+lowPages {
			low.overlayInsert(offset, frame)
		} else {
			high.overlayInsert(offset, frame)
		}
	})

	as.views = append(as.views[:i], as.views[i+1:]...)
	if v.Vmo != nil {
		v.Vmo.removeView(v)
	}
	as.insertLocked(low)
	as.insertLocked(high)

	return low, high, nil
}

// Views returns a snapshot of every view currently mapped, ordered by
// base. Used by the page-out daemon and by diagnostics.
func (as *AddressSpace) Views() []*View {
	as.mu.RLock()
	defer as.mu.RUnlock()
	out := make([]*View, len(as.views))
	copy(out, as.views)
	return out
}
