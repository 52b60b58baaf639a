package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

type installedPte struct {
	root, virt, frame uintptr
	flags             hal.PteFlags
}

func mockHal(t *testing.T) *[]installedPte {
	t.Helper()
	var calls []installedPte

	origCopy := hwCopyPteFn
	origWalk := hwWalkMapFn
	origClear := hwClearPteFn

	present := make(map[uintptr]uintptr) // virt -> frame addr

	hwCopyPteFn = func(root, virt, frame uintptr, flags hal.PteFlags, allocPage func() (uintptr, bool)) bool {
		calls = append(calls, installedPte{root, virt, frame, flags})
		present[virt] = frame
		return true
	}
	hwWalkMapFn = func(root, virt uintptr) (bool, uintptr, hal.PteFlags) {
		f, ok := present[virt]
		return ok, f, 0
	}
	hwClearPteFn = func(root, virt uintptr) bool {
		delete(present, virt)
		return true
	}

	t.Cleanup(func() {
		hwCopyPteFn = origCopy
		hwWalkMapFn = origWalk
		hwClearPteFn = origClear
	})
	return &calls
}

func TestHandlePageFaultAnonymousZeroFill(t *testing.T) {
	cpu.Init(1)
	calls := mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	err := HandlePageFault(as, as.Root, view.Base, 0, domain)
	require.Nil(t, err)
	require.Len(t, *calls, 1)
	require.True(t, (*calls)[0].flags&hal.PteFlagWritable != 0)

	_, ok := vmo.Lookup(0)
	require.True(t, ok)
}

func TestHandlePageFaultUnmappedAddress(t *testing.T) {
	cpu.Init(1)
	mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)

	err := HandlePageFault(as, as.Root, as.Base, 0, domain)
	require.NotNil(t, err)
}

func TestHandlePageFaultWriteToReadOnlyViewFails(t *testing.T) {
	cpu.Init(1)
	mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead, vmo)

	err := HandlePageFault(as, as.Root, view.Base, FaultWrite, domain)
	require.NotNil(t, err)
}

func TestHandlePageFaultCowForksPrivatePage(t *testing.T) {
	cpu.Init(1)
	calls := mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite|ViewCopyOnWrite, vmo)

	// Read fault maps the shared zero-filled frame read-only.
	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	require.False(t, (*calls)[len(*calls)-1].flags&hal.PteFlagWritable != 0)

	sharedFrame, _ := vmo.Lookup(0)

	// Write fault forks a private frame and maps it writable.
	require.Nil(t, HandlePageFault(as, as.Root, view.Base, FaultWrite, domain))
	last := (*calls)[len(*calls)-1]
	require.True(t, last.flags&hal.PteFlagWritable != 0)
	require.NotEqual(t, sharedFrame.Address(), last.frame)

	privateFrame, ok := view.overlayLookup(0)
	require.True(t, ok)
	require.Equal(t, last.frame, privateFrame.Address())

	// A second write fault reuses the existing overlay frame.
	require.Nil(t, HandlePageFault(as, as.Root, view.Base, FaultWrite, domain))
	require.Equal(t, last.frame, (*calls)[len(*calls)-1].frame)
}

func TestHandlePageFaultMMIODoesNotInsertIntoContentList(t *testing.T) {
	cpu.Init(1)
	mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoMMIO, 4)
	vmo.MMIOMapper = func(offset uint64) uintptr { return 0xfee00000 + uintptr(offset)*4096 }
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	_, ok := vmo.Lookup(0)
	require.False(t, ok)
}

func TestHandlePageFaultFileBackedUsesPager(t *testing.T) {
	cpu.Init(1)
	mockHal(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoFile, 4)

	called := false
	vmo.Pager = func(offset uint64) (pfn.Frame, *kernel.Error) {
		called = true
		return pfn.Frame(3), nil
	}
	view, _ := as.AddView(0, 4, 0, ViewRead, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	require.True(t, called)
}
