// Package vmm implements the virtual memory manager:
// VM objects, views, the address-space free-space allocator, the demand
// fault handler, MDLs and the page-out daemon.
//
// Grounded on the reference kernel's kernel/mem/vmm/vmm.go (fault-handler
// structure, zero-page reservation) and kernel/mm/vmm/{addr_space,fault,
// vmm}.go (the newer split between address-space bookkeeping and fault
// handling, which this package's file layout mirrors).
package vmm

import (
	"sort"
	"sync"

	"nyxkernel/kernel"
	"nyxkernel/kernel/ipl"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

// VmoKind is the closed set of backing-provider kinds a VMO can have. The
// reference kernel's driver API uses {opaqueSelf, function pointers}
// capability records for similar closed-set dispatch (see
// device.Driver); a VMO has only three possible providers, so a sum type
// with kind-specific function fields is the simpler fit here.
type VmoKind uint8

const (
	VmoAnonymous VmoKind = iota
	VmoFile
	VmoMMIO
)

// PagerFn resolves a file-backed VMO's page at the given offset. Blocking
// is expected; the fault handler calls this from a context where blocking
// via the wait subsystem is legal (Passive IPL).
type PagerFn func(offset uint64) (pfn.Frame, *kernel.Error)

// MMIOFn computes the physical address backing an MMIO VMO at the given
// offset.
type MMIOFn func(offset uint64) uintptr

// WriterFn writes a dirty frame back to a file-backed VMO's store. Used
// by the page-out daemon's Stage 2 reclaim before a dirty page can be
// freed.
type WriterFn func(offset uint64, frame pfn.Frame) *kernel.Error

var errZeroLength = &kernel.Error{Module: "vmm", Message: "zero-length object or range is not valid"}

// residentPage is one entry in a VMO's content list: the physical frame
// backing a given page offset.
type residentPage struct {
	offset uint64
	frame  pfn.Frame
}

// Vmo is a page-granular named provider of backing memory: anonymous, file-backed, or MMIO.
type Vmo struct {
	Kind       VmoKind
	LengthPg   uint64
	Pager      PagerFn
	Writer     WriterFn
	MMIOMapper MMIOFn

	lock     *ipl.Lock
	content  []residentPage // sorted by offset
	views    []*View
	refCount int32
}

// NewVmo constructs a VMO of the given kind and length (in pages).
// lengthPages == 0 is a boundary failure.
func NewVmo(kind VmoKind, lengthPages uint64) (*Vmo, *kernel.Error) {
	if lengthPages == 0 {
		return nil, errZeroLength
	}
	return &Vmo{
		Kind:     kind,
		LengthPg: lengthPages,
		lock:     ipl.NewLock(ipl.Passive),
		refCount: 1,
	}, nil
}

// Ref increments the VMO's reference count.
func (v *Vmo) Ref() { v.lock.Acquire(); v.refCount++; v.lock.Release() }

// Unref decrements the VMO's reference count and reports whether it
// reached zero.
func (v *Vmo) Unref() bool {
	v.lock.Acquire()
	defer v.lock.Release()
	v.refCount--
	return v.refCount == 0
}

// addView links view onto this VMO's view list.
func (v *Vmo) addView(view *View) {
	v.lock.Acquire()
	defer v.lock.Release()
	v.views = append(v.views, view)
}

// removeView unlinks view from this VMO's view list.
func (v *Vmo) removeView(view *View) {
	v.lock.Acquire()
	defer v.lock.Release()
	for i, vv := range v.views {
		if vv == view {
			v.views = append(v.views[:i], v.views[i+1:]...)
			return
		}
	}
}

// Views returns a snapshot of the views currently referencing this VMO.
// Used by the page-out daemon's unmap-from-all-views step.
func (v *Vmo) Views() []*View {
	v.lock.Acquire()
	defer v.lock.Release()
	out := make([]*View, len(v.views))
	copy(out, v.views)
	return out
}

func (v *Vmo) find(offset uint64) (int, bool) {
	i := sort.Search(len(v.content), func(i int) bool { return v.content[i].offset >= offset })
	if i < len(v.content) && v.content[i].offset == offset {
		return i, true
	}
	return i, false
}

// Lookup returns the frame resident at offset, if any.
func (v *Vmo) Lookup(offset uint64) (pfn.Frame, bool) {
	v.lock.Acquire()
	defer v.lock.Release()
	if i, ok := v.find(offset); ok {
		return v.content[i].frame, true
	}
	return pfn.InvalidFrame, false
}

// Insert records that frame backs offset in this VMO's content list.
func (v *Vmo) Insert(offset uint64, frame pfn.Frame) {
	v.lock.Acquire()
	defer v.lock.Release()
	i, ok := v.find(offset)
	if ok {
		v.content[i].frame = frame
		return
	}
	v.content = append(v.content, residentPage{})
	copy(v.content[i+1:], v.content[i:])
	v.content[i] = residentPage{offset: offset, frame: frame}
}

// Remove drops the content-list entry for offset, if present.
func (v *Vmo) Remove(offset uint64) {
	v.lock.Acquire()
	defer v.lock.Release()
	if i, ok := v.find(offset); ok {
		v.content = append(v.content[:i], v.content[i+1:]...)
	}
}

var (
	sharedZeroPageOnce sync.Once
	sharedZeroPage     pfn.Frame
)

// ReserveSharedZeroPage installs the physical frame used for read-only
// zero-fill mappings. Must be called once during
// VMM init, mirroring the reference's reserveZeroedFrame in
// kernel/mem/vmm/vmm.go.
func ReserveSharedZeroPage(domain *pmm.Domain) *kernel.Error {
	var err *kernel.Error
	sharedZeroPageOnce.Do(func() {
		sharedZeroPage, err = domain.AllocFrame(false)
	})
	return err
}

// SharedZeroPage returns the shared read-only zero page's frame.
func SharedZeroPage() pfn.Frame { return sharedZeroPage }
