package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel"
	"nyxkernel/kernel/config"
	"nyxkernel/kernel/cpu"
	"nyxkernel/kernel/hal"
	"nyxkernel/kernel/mem/pfn"
	"nyxkernel/kernel/mem/pmm"
)

func mockHalForPageout(t *testing.T) map[uintptr]uintptr {
	t.Helper()
	present := make(map[uintptr]uintptr)

	origCopy := hwCopyPteFn
	origClear := hwClearPteFn

	hwCopyPteFn = func(root, virt, frame uintptr, flags hal.PteFlags, allocPage func() (uintptr, bool)) bool {
		present[virt] = frame
		return true
	}
	hwClearPteFn = func(root, virt uintptr) bool {
		delete(present, virt)
		return true
	}

	t.Cleanup(func() {
		hwCopyPteFn = origCopy
		hwClearPteFn = origClear
	})
	return present
}

func TestStage1DemotesOnSecondSweepAndUnmaps(t *testing.T) {
	cpu.Init(1)
	present := mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	require.Equal(t, 1, domain.Active.Len())
	require.Len(t, present, 1)

	d := NewDaemon(domain, 0, 1)

	d.stage1() // first sweep: sets the clock-ref bit, no demotion
	require.Equal(t, 1, domain.Active.Len())
	require.Len(t, present, 1)

	d.stage1() // second sweep: demotes and unmaps
	require.Equal(t, 0, domain.Active.Len())
	require.Empty(t, present)
	require.Equal(t, 1, domain.Standby.Len())
}

func TestStage1SkipsWiredPages(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	frame, _ := vmo.Lookup(0)
	domain.LookupPageInfo(frame.Address()).WireCount = 1

	d := NewDaemon(domain, 0, 1)
	d.stage1()
	d.stage1()

	require.Equal(t, 1, domain.Active.Len())
}

// TestStage1SkipsPagesPinnedByAnMdl exercises the real AcquireMdl path
// (rather than manually setting WireCount) to confirm an outstanding MDL
// keeps its pages off the standby list, per spec.md §4.6: "An MDL's
// lifetime prevents reclaim of the described range."
func TestStage1SkipsPagesPinnedByAnMdl(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))

	mdl, err := AcquireMdl(as, as.Root, view, view.Base, 1, domain)
	require.Nil(t, err)

	d := NewDaemon(domain, 0, 1)
	d.stage1()
	d.stage1()
	require.Equal(t, 1, domain.Active.Len(), "page pinned by an outstanding MDL must not be demoted")

	mdl.ReleaseMdl()
	d.stage1()
	d.stage1()
	require.Equal(t, 0, domain.Active.Len(), "once released, the page is demoted normally")
}

// TestStage1SkipsViewWiredPages covers the ViewWired flag: a CoW private
// overlay page owned by a ViewWired view must never be demoted, even
// with no explicit WireCount pin.
func TestStage1SkipsViewWiredPages(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite|ViewWired|ViewCopyOnWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	require.Nil(t, HandlePageFault(as, as.Root, view.Base, FaultWrite, domain)) // forks a private overlay page

	d := NewDaemon(domain, 0, 1)
	d.stage1()
	d.stage1()
	require.Equal(t, 1, domain.Active.Len(), "a ViewWired page must never be demoted")
}

func TestStage2ReclaimsCleanStandbyPages(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))

	d := NewDaemon(domain, 10, 1) // watermark always triggers stage 2
	d.stage1()
	d.stage1()
	require.Equal(t, 1, domain.Standby.Len())

	d.stage2()
	require.Equal(t, 0, domain.Standby.Len())

	_, ok := vmo.Lookup(0)
	require.False(t, ok)
}

func TestStage2WritesBackDirtyPagesBeforeFreeing(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite|ViewCopyOnWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))
	require.Nil(t, HandlePageFault(as, as.Root, view.Base, FaultWrite, domain)) // forks dirty overlay page

	written := false
	vmo.Writer = func(offset uint64, frame pfn.Frame) *kernel.Error { written = true; return nil }

	d := NewDaemon(domain, 10, 2)
	d.stage1()
	d.stage1()
	require.Equal(t, 1, domain.Dirty.Len())

	d.stage2()
	require.True(t, written)
	require.Equal(t, 0, domain.Dirty.Len())
}

func TestRunOnceOnlyReclaimsUnderPressure(t *testing.T) {
	cpu.Init(1)
	mockHalForPageout(t)
	domain := pmm.NewDomain(0, 16)
	as := NewAddressSpace(0x40000000, 0x100000, 0x9000)
	vmo, _ := NewVmo(VmoAnonymous, 4)
	view, _ := as.AddView(0, 4, 0, ViewRead|ViewWrite, vmo)

	require.Nil(t, HandlePageFault(as, as.Root, view.Base, 0, domain))

	d := NewDaemon(domain, 0, 1) // watermark 0: Stage 2 runs only while the standby list is empty
	d.RunOnce()
	require.Equal(t, 1, domain.Active.Len())

	// The second pass demotes the page to standby; standby is then above
	// the watermark, so Stage 2 does not run and the page is not reclaimed.
	d.RunOnce()
	require.Equal(t, 0, domain.Active.Len())
	require.Equal(t, 1, domain.Standby.Len())
}

func TestWakeIntervalMsReadsConfigOrDefault(t *testing.T) {
	require.Equal(t, config.DefaultVmdWakeTimeoutMs, WakeIntervalMs(config.New()))
	require.Equal(t, uint64(250), WakeIntervalMs(config.Parse("npk.vmd.wake_timeout_ms=250")))
}
