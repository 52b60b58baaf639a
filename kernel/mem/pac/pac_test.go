package pac

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nyxkernel/kernel/config"
)

func mockSlots(t *testing.T) map[uint32]uintptr {
	t.Helper()
	assigned := make(map[uint32]uintptr)
	orig := setTempMapSlotFn
	setTempMapSlotFn = func(idx uint32, paddr uintptr) uintptr {
		va := 0xffff800000000000 + uintptr(idx)*0x1000
		assigned[idx] = va
		return va
	}
	t.Cleanup(func() { setTempMapSlotFn = orig })
	return assigned
}

func TestAccessPageAssignsSlot(t *testing.T) {
	mockSlots(t)
	c := New(4)

	ref, err := c.AccessPage(0x1000)
	require.Nil(t, err)
	require.NotZero(t, ref.VirtAddr)
	ref.Release()
}

func TestAccessPageSharesSlotForSamePaddr(t *testing.T) {
	mockSlots(t)
	c := New(4)

	r1, err := c.AccessPage(0x2000)
	require.Nil(t, err)
	r2, err := c.AccessPage(0x2000)
	require.Nil(t, err)

	require.Equal(t, r1.VirtAddr, r2.VirtAddr)
	r1.Release()
	r2.Release()
}

func TestEvictionReusesLeastRecentlyUsedUnreferencedSlot(t *testing.T) {
	mockSlots(t)
	c := New(2)

	r1, _ := c.AccessPage(0x1000)
	r2, _ := c.AccessPage(0x2000)
	r1.Release()
	r2.Release()

	// Both slots free; 0x1000 is LRU (touched first, then 0x2000 touched
	// after), so the next distinct paddr should evict 0x1000's slot.
	r3, err := c.AccessPage(0x3000)
	require.Nil(t, err)
	require.Equal(t, r1.VirtAddr, r3.VirtAddr)
	r3.Release()
}

func TestNoEvictableSlotReturnsError(t *testing.T) {
	mockSlots(t)
	c := New(1)

	r1, err := c.AccessPage(0x1000)
	require.Nil(t, err)

	_, err = c.AccessPage(0x2000)
	require.NotNil(t, err)

	r1.Release()
}

func TestSlotCount(t *testing.T) {
	mockSlots(t)
	c := New(512)
	require.Equal(t, 512, c.SlotCount())
}

func TestNewFromConfigUsesConfiguredSlotCount(t *testing.T) {
	mockSlots(t)
	store := config.Parse("npk.pm.temp_mapping_count=8")
	c := NewFromConfig(store)
	require.Equal(t, 8, c.SlotCount())
}

func TestNewFromConfigFallsBackToDefault(t *testing.T) {
	mockSlots(t)
	c := NewFromConfig(config.New())
	require.Equal(t, int(config.DefaultPacTempMappingCount), c.SlotCount())
}
