// Package pfn implements the page-info database: one
// PageInfo entry per physical page of usable RAM, indexed by
// (paddr - physOffset) >> PageShift, mapped once into kernel address
// space as a linear array so lookup is a subtraction and a shift.
//
// The Frame type and InvalidFrame sentinel are carried from the reference
// kernel's kernel/mem/pmm/frame.go; the PageInfo tagged union and its
// domain-list membership are new code (the reference uses a bitmap
// allocator with no per-frame metadata, see kernel/mm/pmm/pmm.go) written
// so that a page is on exactly one domain list and at most one owner
// list at any time.
package pfn

import (
	"math"
	"sync"

	"nyxkernel/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by page allocators when they fail to reserve
// the requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address for this frame.
func (f Frame) Address() uintptr { return uintptr(f) << mem.PageShift }

// FrameFromAddress returns the Frame containing physAddr, rounding down
// to the start of the frame if physAddr is not page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// Role is the tagged-union discriminant of a PageInfo: exactly one of
// these describes how the frame's metadata fields should be interpreted
// at any given time.
type Role uint8

const (
	RoleFree Role = iota
	RoleAnon
	RolePageTable
)

// DomainList identifies which of a domain's four page lists a frame is
// currently linked into. A frame is on at most one of them at a time;
// ListNone marks a frame on none of them, such as a non-head frame of a
// free run or a frame AllocFrame has handed out and nothing has linked.
type DomainList uint8

const (
	ListNone DomainList = iota
	ListFree
	ListActive
	ListDirty
	ListStandby
)

// AnonFlags further qualifies an anonymous/overlay page.
type AnonFlags uint8

const (
	FlagDirty AnonFlags = 1 << iota
	FlagStandby
	FlagOverlay
	// FlagClockRef is the page-out daemon's second-chance reference bit:
	// set when a page survives a Stage 1 scan pass once, cleared and
	// evicted on the next.
	FlagClockRef
)

// Owner identifies whoever a resident anonymous page belongs to: a VM
// object's content list or a view's overlay list. Declared as an opaque
// interface{} (concrete *vmm.Vmo or *vmm.View) to avoid an import cycle
// between kernel/mem/pfn and kernel/mem/vmm; the vmm package is the only
// thing that ever dereferences this field.
type Owner = interface{}

// PageInfo is one entry in the page-info database: a tagged union whose
// interpretation depends on Role. Every field outside the active role's
// section must be left zero; role transitions are only valid under the
// lock of the domain list the page is currently linked into.
type PageInfo struct {
	Frame Frame
	Role  Role

	// Free-role fields: run length of contiguous free frames starting at
	// Frame, and whether the run is known to be zeroed.
	RunLength uint64
	Zeroed    bool

	// Anon/overlay-role fields.
	VmObjOwner Owner
	PageOffset uint64
	WireCount  int32
	AnonFlags  AnonFlags

	// PageTable-role fields: count of valid PTEs, used for empty-table
	// reclamation.
	ValidPTEs uint32

	// list is which domain list currently holds this page; listPrev and
	// listNext link it into that list. Both are only ever mutated under the
	// owning list's lock.
	list     DomainList
	listPrev *PageInfo
	listNext *PageInfo
}

// List returns the domain list this page currently belongs to.
func (p *PageInfo) List() DomainList { return p.list }

// Address returns the physical address of the frame this entry describes.
func (p *PageInfo) Address() uintptr { return p.Frame.Address() }

// DB is the page-info database for one allocation domain: a linear array
// indexed by frame number relative to the domain's physOffset.
type DB struct {
	mu         sync.RWMutex
	physOffset uintptr
	entries    []PageInfo
}

// NewDB allocates a page-info database covering frameCount frames
// starting at physOffset.
func NewDB(physOffset uintptr, frameCount uint64) *DB {
	db := &DB{physOffset: physOffset, entries: make([]PageInfo, frameCount)}
	for i := range db.entries {
		db.entries[i].Frame = Frame(i) + FrameFromAddress(physOffset)
	}
	return db
}

// Lookup returns the PageInfo for the given physical address: one
// subtraction and a shift.
func (db *DB) Lookup(paddr uintptr) *PageInfo {
	idx := (paddr - db.physOffset) >> mem.PageShift
	db.mu.RLock()
	defer db.mu.RUnlock()
	return &db.entries[idx]
}

// LookupPaddr returns the physical address corresponding to info (the
// inverse of Lookup).
func (db *DB) LookupPaddr(info *PageInfo) uintptr {
	idx := uintptr(info.Frame) - (db.physOffset >> mem.PageShift)
	return db.physOffset + (idx << mem.PageShift)
}

// Len returns the number of frames tracked by this database.
func (db *DB) Len() int { return len(db.entries) }
