package vmm

import (
	"sort"

	"nyxkernel/kernel"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
)

// ViewFlags controls the protection and behavior of a View.
type ViewFlags uint32

const (
	ViewRead ViewFlags = 1 << iota
	ViewWrite
	ViewExec
	ViewCopyOnWrite
	ViewWired // page-out never demotes this view's own overlay pages; AddView does not fault pages in eagerly, and VMO-owned pages are not covered
)

func (f ViewFlags) Has(want ViewFlags) bool { return f&want == want }

// overlayEntry records a per-view override of the backing VMO's content,
// used for copy-on-write: the view
// owns a private frame for an offset instead of sharing the VMO's.
type overlayEntry struct {
	offset uint64
	frame  pfn.Frame
}

// View maps a contiguous range of a VMO into an address space at a given
// base address. Grounded on the reference's
// kernel/mem/vmm/vmm.go View type and its CoW overlay handling.
type View struct {
	Base    uintptr
	LengthPg uint64
	Offset  uint64 // offset into VMO, in pages
	Flags   ViewFlags
	Vmo     *Vmo
	space   *AddressSpace

	lock    *ipl.Lock
	overlay []overlayEntry // sorted by offset
	mdlRefs int32
}

// newView builds a view over vmo, or over no object at all when vmo is
// nil: a read-only access to such a view resolves to the shared zero
// page rather than any VMO content (fault.go's handling of a nil Vmo).
func newView(base uintptr, lengthPages uint64, offset uint64, flags ViewFlags, vmo *Vmo) *View {
	v := &View{
		Base:     base,
		LengthPg: lengthPages,
		Offset:   offset,
		Flags:    flags,
		Vmo:      vmo,
		lock:     ipl.NewLock(ipl.Passive),
	}
	if vmo != nil {
		vmo.addView(v)
	}
	return v
}

// End returns the exclusive end address of the view.
func (v *View) End() uintptr { return v.Base + uintptr(v.LengthPg)*uintptr(mem.PageSize) }

// Contains reports whether addr falls within this view's range.
func (v *View) Contains(addr uintptr) bool { return addr >= v.Base && addr < v.End() }

func (v *View) findOverlay(offset uint64) (int, bool) {
	i := sort.Search(len(v.overlay), func(i int) bool { return v.overlay[i].offset >= offset })
	if i < len(v.overlay) && v.overlay[i].offset == offset {
		return i, true
	}
	return i, false
}

// overlayLookup returns a CoW-private frame for offset, if this view has
// one.
func (v *View) overlayLookup(offset uint64) (pfn.Frame, bool) {
	v.lock.Acquire()
	defer v.lock.Release()
	if i, ok := v.findOverlay(offset); ok {
		return v.overlay[i].frame, true
	}
	return pfn.InvalidFrame, false
}

// overlayInsert installs a CoW-private frame for offset.
func (v *View) overlayInsert(offset uint64, frame pfn.Frame) {
	v.lock.Acquire()
	defer v.lock.Release()
	i, ok := v.findOverlay(offset)
	if ok {
		v.overlay[i].frame = frame
		return
	}
	v.overlay = append(v.overlay, overlayEntry{})
	copy(v.overlay[i+1:], v.overlay[i:])
	v.overlay[i] = overlayEntry{offset: offset, frame: frame}
}

// overlayEach visits every overlay entry currently held by this view.
func (v *View) overlayEach(fn func(offset uint64, frame pfn.Frame)) {
	v.lock.Acquire()
	defer v.lock.Release()
	for _, e := range v.overlay {
		fn(e.offset, e.frame)
	}
}

// pageOffsetFor translates a faulting address within this view to an
// offset into the backing VMO.
func (v *View) pageOffsetFor(addr uintptr) uint64 {
	pageIdx := (addr - v.Base) / uintptr(mem.PageSize)
	return v.Offset + uint64(pageIdx)
}

// SetFlags changes the protection flags of the view. Downgrading from Write to read-only while pages are wired
// for an in-flight MDL is rejected, mirroring the reference's refusal to
// mutate PTEs under an active MDL.
func (v *View) SetFlags(flags ViewFlags) *kernel.Error {
	v.lock.Acquire()
	defer v.lock.Release()
	if v.mdlRefs > 0 && !flags.Has(ViewWrite) && v.Flags.Has(ViewWrite) {
		return &kernel.Error{Module: "vmm", Message: "cannot narrow view flags while an MDL is outstanding"}
	}
	v.Flags = flags
	return nil
}
