package vmm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

// WireHandle is the token returned by Wire, letting the caller later
// Unwire exactly the frames that call pinned.
//
// This is deliberately distinct from Mdl: an MDL additionally blocks
// SetFlags/Split/Free on the view while outstanding, which a plain
// Wire/Unwire pin does not. Wire only asks the page-out daemon to leave
// these frames alone. AddView never calls it: adding a view does not page
// in or pin anything, so a caller that wants a resident, pinned range
// calls Wire itself.
type WireHandle struct {
	domain *pmm.Domain
	frames []pfn.Frame
}

// Wire faults in and pins every page of [base, base+lengthPages*PageSize)
// within view. Each frame's WireCount is incremented,
// which keeps kernel/mem/vmm/pageout.go's Stage 1 scan from selecting it.
func Wire(space *AddressSpace, root uintptr, view *View, base uintptr, lengthPages uint64, domain *pmm.Domain) (*WireHandle, *kernel.Error) {
	if lengthPages == 0 {
		return nil, errZeroLength
	}
	if base < view.Base || base+uintptr(lengthPages)*uintptr(mem.PageSize) > view.End() {
		return nil, errOutOfRange
	}

	frames := make([]pfn.Frame, 0, lengthPages)
	for i := uint64(0); i < lengthPages; i++ {
		addr := base + uintptr(i)*uintptr(mem.PageSize)
		f, err := WirePage(space, root, addr, domain)
		if err != nil {
			for _, done := range frames {
				domain.LookupPageInfo(done.Address()).WireCount--
			}
			return nil, err
		}
		domain.LookupPageInfo(f.Address()).WireCount++
		frames = append(frames, f)
	}

	return &WireHandle{domain: domain, frames: frames}, nil
}

// Unwire releases the pin acquired by Wire. Calling
// it more than once on the same handle is a no-op on the second call: the
// frame list is only ever walked once per handle.
func (h *WireHandle) Unwire() {
	for _, f := range h.frames {
		info := h.domain.LookupPageInfo(f.Address())
		if info.WireCount > 0 {
			info.WireCount--
		}
	}
	h.frames = nil
}
