// Package pac implements the Page-Access Cache: a bounded
// LRU of transient kernel-virtual mappings to arbitrary physical frames,
// used when the direct map does not cover a frame or a temporary,
// type-safe access is needed.
//
// No direct reference equivalent exists (gopher-os maps everything
// through its direct map and a single temporary-mapping slot used only
// during PDT bring-up, see kernel/mem/vmm/vmm.go's mapTemporaryFn seam);
// this package generalizes that single-slot idea to a configurable,
// ref-counted LRU over HwSetTempMapSlot.
package pac

import (
	"sync"

	"nyxkernel/kernel"
	"nyxkernel/kernel/config"
	"nyxkernel/kernel/hal"
)

var (
	errNoSlotsAvailable = &kernel.Error{Module: "pm", Message: "temp_mapping_count exhausted and no evictable slot found"}
)

// setTempMapSlotFn is mocked by tests; inlined in production.
var setTempMapSlotFn = hal.HwSetTempMapSlot

type slot struct {
	paddr    uintptr
	virtAddr uintptr
	refCount int32
	valid    bool

	// lruPrev/lruNext order slots from least- to most-recently used;
	// only slots with refCount == 0 are eligible for eviction.
	lruPrev, lruNext int32
}

// Cache is a bounded LRU of temporary kernel-virtual mappings. The slot
// count is fixed at construction.
type Cache struct {
	mu      sync.Mutex
	slots   []slot
	byPaddr map[uintptr]int32
	lruHead int32 // least recently used
	lruTail int32 // most recently used
}

const noSlot = -1

// New constructs a PAC with the given number of slots.
func New(slotCount int) *Cache {
	c := &Cache{
		slots:   make([]slot, slotCount),
		byPaddr: make(map[uintptr]int32, slotCount),
		lruHead: noSlot,
		lruTail: noSlot,
	}
	for i := range c.slots {
		c.slots[i].lruPrev = noSlot
		c.slots[i].lruNext = noSlot
		c.pushMRULocked(int32(i))
	}
	return c
}

// NewFromConfig constructs a PAC sized by store's
// config.KeyPacTempMappingCount, falling back to
// config.DefaultPacTempMappingCount if unset.
func NewFromConfig(store *config.Store) *Cache {
	n := store.ReadConfigUint(config.KeyPacTempMappingCount, config.DefaultPacTempMappingCount)
	return New(int(n))
}

// Ref is a guard object holding a PAC mapping valid for the guard's
// lifetime. Callers must call Release when done.
type Ref struct {
	c        *Cache
	slotIdx  int32
	VirtAddr uintptr
}

// Release drops this reference. Once every outstanding Ref for a slot is
// released, the slot becomes eligible for LRU eviction again.
func (r *Ref) Release() {
	r.c.release(r.slotIdx)
}

// AccessPage returns a Ref mapping paddr into kernel-virtual space for the
// guard's lifetime. Multiple concurrent refs to the same
// paddr share a slot.
func (c *Cache) AccessPage(paddr uintptr) (*Ref, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.byPaddr[paddr]; ok {
		c.slots[idx].refCount++
		c.touchLocked(idx)
		return &Ref{c: c, slotIdx: idx, VirtAddr: c.slots[idx].virtAddr}, nil
	}

	idx, err := c.evictOneLocked()
	if err != nil {
		return nil, err
	}

	s := &c.slots[idx]
	va := setTempMapSlotFn(uint32(idx), paddr)
	s.paddr = paddr
	s.virtAddr = va
	s.refCount = 1
	s.valid = true
	c.byPaddr[paddr] = idx
	c.touchLocked(idx)

	return &Ref{c: c, slotIdx: idx, VirtAddr: va}, nil
}

func (c *Cache) release(idx int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[idx].refCount--
}

// evictOneLocked finds the least-recently-used slot with refCount == 0,
// invalidating its current mapping (if any) so the caller can reuse it.
// Concurrent refs to the evicted slot are forbidden by the LRU's
// ref-count gating, which is why only refCount == 0 slots are ever
// candidates.
func (c *Cache) evictOneLocked() (int32, *kernel.Error) {
	for idx := c.lruHead; idx != noSlot; idx = c.slots[idx].lruNext {
		if c.slots[idx].refCount == 0 {
			if c.slots[idx].valid {
				delete(c.byPaddr, c.slots[idx].paddr)
			}
			return idx, nil
		}
	}
	return 0, errNoSlotsAvailable
}

func (c *Cache) touchLocked(idx int32) {
	c.unlinkLocked(idx)
	c.pushMRULocked(idx)
}

func (c *Cache) unlinkLocked(idx int32) {
	s := &c.slots[idx]
	if s.lruPrev != noSlot {
		c.slots[s.lruPrev].lruNext = s.lruNext
	} else {
		c.lruHead = s.lruNext
	}
	if s.lruNext != noSlot {
		c.slots[s.lruNext].lruPrev = s.lruPrev
	} else {
		c.lruTail = s.lruPrev
	}
	s.lruPrev, s.lruNext = noSlot, noSlot
}

func (c *Cache) pushMRULocked(idx int32) {
	s := &c.slots[idx]
	s.lruPrev = c.lruTail
	s.lruNext = noSlot
	if c.lruTail != noSlot {
		c.slots[c.lruTail].lruNext = idx
	} else {
		c.lruHead = idx
	}
	c.lruTail = idx
}

// SlotCount returns the configured number of slots.
func (c *Cache) SlotCount() int { return len(c.slots) }
