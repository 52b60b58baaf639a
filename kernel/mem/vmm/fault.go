package vmm

import (
	"unsafe"

	"nyxkernel/kernel"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pac"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

// FaultFlags describes the circumstances of a page fault.
type FaultFlags uint32

const (
	FaultWrite FaultFlags = 1 << iota
	FaultExec
	FaultUser
)

var (
	errNotMapped       = &kernel.Error{Module: "vmm", Message: "address is not backed by any view"}
	errAccessViolation = &kernel.Error{Module: "vmm", Message: "fault flags are not permitted by the view"}
)

// mocked HAL seams, overridden in tests.
var (
	hwWalkMapFn  = hal.HwWalkMap
	hwCopyPteFn  = hal.HwCopyPte
	hwClearPteFn = hal.HwClearPte
)

// HandlePageFault resolves a page fault at addr within space: find the covering view, validate
// the access, resolve the backing frame (zero-fill, pager, or CoW copy),
// and install the PTE. Runs at Passive IPL; may block via the view's VMO
// pager for file-backed content.
//
// A copy-on-write view (ViewWrite|ViewCopyOnWrite) is logically writable
// but its shared VMO content is mapped read-only until the first write,
// which forks a privately-owned frame recorded in the view's overlay;
// only that private frame is ever mapped writable.
func HandlePageFault(space *AddressSpace, root uintptr, addr uintptr, flags FaultFlags, domain *pmm.Domain) *kernel.Error {
	pageAddr := addr &^ uintptr(mem.PageSize-1)

	view := space.Find(pageAddr)
	if view == nil {
		return errNotMapped
	}
	if flags&FaultWrite != 0 && !view.Flags.Has(ViewWrite) {
		return errAccessViolation
	}
	if flags&FaultExec != 0 && !view.Flags.Has(ViewExec) {
		return errAccessViolation
	}

	offset := view.pageOffsetFor(pageAddr)
	isCow := view.Flags.Has(ViewCopyOnWrite)
	isWrite := flags&FaultWrite != 0

	// A view with no VMO at all (AddView(nil, ...)) has nothing to read
	// from: a read-only fault maps the shared zero page, and a write
	// forks a private zero-filled frame into the view's own overlay the
	// first time it's touched, exactly like a CoW fork except there is no
	// VMO content to copy from.
	if view.Vmo == nil {
		if frame, ok := view.overlayLookup(offset); ok {
			ensureActive(domain, frame)
			return installPte(root, pageAddr, frame, view, domain, true)
		}
		if !isWrite {
			return installPte(root, pageAddr, SharedZeroPage(), view, domain, false)
		}
		private, err := domain.AllocFrame(true)
		if err != nil {
			return err
		}
		zeroFrame(private)
		view.overlayInsert(offset, private)

		info := domain.LookupPageInfo(private.Address())
		info.VmObjOwner = view
		info.PageOffset = offset
		info.AnonFlags |= pfn.FlagOverlay | pfn.FlagDirty
		domain.Active.PushBack(info)

		return installPte(root, pageAddr, private, view, domain, true)
	}

	if isCow {
		if frame, ok := view.overlayLookup(offset); ok {
			ensureActive(domain, frame)
			return installPte(root, pageAddr, frame, view, domain, true)
		}
	}

	frame, ok := view.Vmo.Lookup(offset)
	if !ok {
		resolved, err := resolveFrame(view, offset, domain)
		if err != nil {
			return err
		}
		frame = resolved
		if view.Vmo.Kind != VmoMMIO {
			view.Vmo.Insert(offset, frame)
		}
	} else {
		ensureActive(domain, frame)
	}

	if isCow && isWrite {
		private, err := domain.AllocFrame(true)
		if err != nil {
			return err
		}
		copyFrame(frame, private)
		view.overlayInsert(offset, private)

		info := domain.LookupPageInfo(private.Address())
		info.VmObjOwner = view
		info.PageOffset = offset
		info.AnonFlags |= pfn.FlagOverlay | pfn.FlagDirty
		domain.Active.PushBack(info)

		return installPte(root, pageAddr, private, view, domain, true)
	}

	writable := view.Flags.Has(ViewWrite) && !isCow
	return installPte(root, pageAddr, frame, view, domain, writable)
}

// ensureActive moves frame back onto the active list if a fault resolves it
// from somewhere else: a page demoted to dirty or standby by the page-out
// daemon keeps its VMO or overlay entry and is looked up the same way a
// never-demoted page is, so a re-fault has to put it back on active itself
// or it stays mapped while still listed as standby.
func ensureActive(domain *pmm.Domain, frame pfn.Frame) {
	info := domain.LookupPageInfo(frame.Address())
	switch info.List() {
	case pfn.ListDirty:
		domain.Dirty.MoveTo(domain.Active, info)
	case pfn.ListStandby:
		domain.Standby.MoveTo(domain.Active, info)
	case pfn.ListActive:
		return
	default:
		return
	}
	info.AnonFlags &^= pfn.FlagClockRef
}

// resolveFrame produces the frame backing offset for the first time:
// zero-fill for anonymous VMOs, the pager for file-backed ones, and the
// MMIO mapper's physical address for MMIO VMOs.
func resolveFrame(view *View, offset uint64, domain *pmm.Domain) (pfn.Frame, *kernel.Error) {
	switch view.Vmo.Kind {
	case VmoAnonymous:
		f, err := domain.AllocFrame(true)
		if err != nil {
			return pfn.InvalidFrame, err
		}
		zeroFrame(f)

		info := domain.LookupPageInfo(f.Address())
		info.VmObjOwner = view.Vmo
		info.PageOffset = offset
		domain.Active.PushBack(info)

		return f, nil
	case VmoFile:
		if view.Vmo.Pager == nil {
			return pfn.InvalidFrame, &kernel.Error{Module: "vmm", Message: "file-backed VMO has no pager"}
		}
		return view.Vmo.Pager(offset)
	case VmoMMIO:
		if view.Vmo.MMIOMapper == nil {
			return pfn.InvalidFrame, &kernel.Error{Module: "vmm", Message: "MMIO VMO has no mapper"}
		}
		return pfn.FrameFromAddress(view.Vmo.MMIOMapper(offset)), nil
	default:
		return pfn.InvalidFrame, &kernel.Error{Module: "vmm", Message: "unknown VMO kind"}
	}
}

func installPte(root, pageAddr uintptr, frame pfn.Frame, view *View, domain *pmm.Domain, writable bool) *kernel.Error {
	want := hal.PteFlagPresent
	if writable {
		want |= hal.PteFlagWritable
	}
	if !view.Flags.Has(ViewExec) {
		want |= hal.PteFlagNoExecute
	}
	allocPage := func() (uintptr, bool) {
		f, err := domain.AllocFrame(true)
		if err != nil {
			return 0, false
		}
		return f.Address(), true
	}
	if !hwCopyPteFn(root, pageAddr, frame.Address(), want, allocPage) {
		return &kernel.Error{Module: "vmm", Message: "hardware page-table update failed"}
	}
	return nil
}

// WirePage forces the page at addr to be resident, resolving it as a read
// fault if it is not mapped, without requiring an actual trap, and returns
// its frame. It does not change WireCount; its callers (AcquireMdl, Wire)
// increment that themselves.
func WirePage(space *AddressSpace, root uintptr, addr uintptr, domain *pmm.Domain) (pfn.Frame, *kernel.Error) {
	pageAddr := addr &^ uintptr(mem.PageSize-1)
	present, frameAddr, _ := hwWalkMapFn(root, pageAddr)
	if !present {
		if err := HandlePageFault(space, root, pageAddr, 0, domain); err != nil {
			return pfn.InvalidFrame, err
		}
		_, frameAddr, _ = hwWalkMapFn(root, pageAddr)
	}
	return pfn.FrameFromAddress(frameAddr), nil
}

// frameAccessCache is the PAC instance used to reach a frame's contents
// for zeroing and copy-on-write forking. Unset in most package tests, which mock
// hwCopyPteFn/hwWalkMapFn and never inspect frame contents; SetFrameAccessCache
// is called once during boot wiring, alongside pac.NewFromConfig.
var frameAccessCache *pac.Cache

// SetFrameAccessCache installs the PAC used by zeroFrame/copyFrame to
// reach physical frame contents. Must be called once during boot, before
// any fault can occur.
func SetFrameAccessCache(c *pac.Cache) {
	frameAccessCache = c
}

// zeroFrame clears f's contents via the PAC. A nil frameAccessCache (unwired, e.g. in
// unit tests that stub out the HAL entirely) makes this a no-op; no real
// boot path runs without calling SetFrameAccessCache first.
func zeroFrame(f pfn.Frame) {
	if frameAccessCache == nil {
		return
	}
	ref, err := frameAccessCache.AccessPage(f.Address())
	if err != nil {
		return
	}
	defer ref.Release()
	p := (*[mem.PageSize]byte)(unsafe.Pointer(ref.VirtAddr))
	for i := range p {
		p[i] = 0
	}
}

// copyFrame copies src's contents into dst via the PAC, used when a
// copy-on-write fault forks a private page from shared VMO content
//.
func copyFrame(src, dst pfn.Frame) {
	if frameAccessCache == nil {
		return
	}
	srcRef, err := frameAccessCache.AccessPage(src.Address())
	if err != nil {
		return
	}
	defer srcRef.Release()
	dstRef, err := frameAccessCache.AccessPage(dst.Address())
	if err != nil {
		return
	}
	defer dstRef.Release()
	sp := (*[mem.PageSize]byte)(unsafe.Pointer(srcRef.VirtAddr))
	dp := (*[mem.PageSize]byte)(unsafe.Pointer(dstRef.VirtAddr))
	copy(dp[:], sp[:])
}
