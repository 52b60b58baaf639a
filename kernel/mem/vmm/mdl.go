package vmm

import (
	"nyxkernel/kernel"
	"nyxkernel/kernel/mem"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

// Mdl (memory descriptor list) pins a contiguous range of a view's pages
// resident so a driver can hand the frame list to hardware without risk
// of page-out.
type Mdl struct {
	view     *View
	domain   *pmm.Domain
	base     uintptr
	lengthPg uint64
	Frames   []pfn.Frame
}

// AcquireMdl wires [base, base+lengthPages*PageSize) of view resident and
// returns the frame list backing it. Every page not already resident is
// faulted in via WirePage, and every frame's WireCount is incremented so
// the page-out daemon's Stage 1 scan (kernel/mem/vmm/pageout.go: "if
// p.WireCount > 0 { return }") skips it for the MDL's lifetime.
func AcquireMdl(space *AddressSpace, root uintptr, view *View, base uintptr, lengthPages uint64, domain *pmm.Domain) (*Mdl, *kernel.Error) {
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
			return nil, err
		}
		domain.LookupPageInfo(f.Address()).WireCount++
		frames = append(frames, f)
	}

	view.lock.Acquire()
	view.mdlRefs++
	view.lock.Release()

	return &Mdl{view: view, domain: domain, base: base, lengthPg: lengthPages, Frames: frames}, nil
}

// ReleaseMdl drops the pin acquired by AcquireMdl. Once every outstanding
// MDL on a view is released, the view's pages are eligible for page-out
// again.
func (m *Mdl) ReleaseMdl() {
	for _, f := range m.Frames {
		info := m.domain.LookupPageInfo(f.Address())
		if info.WireCount > 0 {
			info.WireCount--
		}
	}

	m.view.lock.Acquire()
	m.view.mdlRefs--
	m.view.lock.Release()
}
