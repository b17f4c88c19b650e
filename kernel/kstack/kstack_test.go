package kstack

import (
	"testing"

	"mycro/kernel"
	"mycro/kernel/hal/hostmem"
	"mycro/kernel/mm"
	"mycro/kernel/mm/pmm"
	"mycro/kernel/mm/vmm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) Shootdown(_, _ uintptr) { c.calls++ }

// failingAllocator fails allocations once its budget is exhausted.
type failingAllocator struct {
	*pmm.FrameAllocator
	budget int
}

func (a *failingAllocator) AllocFrame() (mm.PhysAddr[mm.Page], *kernel.Error) {
	if a.budget == 0 {
		return mm.PhysAddr[mm.Page]{}, pmm.ErrOutOfMemory
	}
	a.budget--
	return a.FrameAllocator.AllocFrame()
}

func (a *failingAllocator) AllocZeroedFrame() (mm.PhysAddr[mm.Page], *kernel.Error) {
	if a.budget == 0 {
		return mm.PhysAddr[mm.Page]{}, pmm.ErrOutOfMemory
	}
	a.budget--
	return a.FrameAllocator.AllocZeroedFrame()
}

func setup(t *testing.T, pages uintptr, budget int) (*Allocator, *vmm.AddressSpace, *failingAllocator, *countingInvalidator) {
	t.Helper()

	region, err := hostmem.New(0x20000000, pages*mm.PageSize)
	require.Nil(t, err)
	t.Cleanup(func() { _ = region.Close() })

	frames := new(pmm.FrameAllocator)
	frames.Init(hostmem.BootInfo(region))

	entries, err := vmm.NewKernelEntries(frames)
	require.Nil(t, err)

	limited := &failingAllocator{FrameAllocator: frames, budget: budget}
	tlb := new(countingInvalidator)
	space, err := vmm.NewKernelAddressSpace(limited, entries, nil, tlb)
	require.Nil(t, err)

	return NewAllocator(space), space, limited, tlb
}

func TestStackLayout(t *testing.T) {
	alloc, space, _, _ := setup(t, 1024, -1)

	stack, err := alloc.New()
	require.Nil(t, err)

	assert.Equal(t, RegionStart+RegionSize-slotSize+mm.PageSize, stack.Bottom(), "expected the first stack to use the last slot in the region")
	assert.Equal(t, stack.Bottom()+StackSize, stack.Top())

	specs := []struct {
		addr    uintptr
		expKind mm.MappingKind
	}{
		{stack.Bottom() - mm.PageSize, mm.MappingGuard},
		{stack.Bottom(), mm.MappingReadWrite},
		{stack.Top() - mm.PageSize, mm.MappingReadWrite},
		{stack.Top(), mm.MappingGuard},
	}

	for specIndex, spec := range specs {
		kind, ok := space.Query(spec.addr)
		require.True(t, ok, "[spec %d] expected 0x%x to be mapped", specIndex, spec.addr)
		assert.Equal(t, spec.expKind, kind, "[spec %d]", specIndex)
	}

	// The stack memory is zeroed and writable through the direct map.
	phys, err := space.Translate(stack.Top() - 8)
	require.Nil(t, err)
	word := mm.NewPhysAddr[uint64](phys).Ptr()
	assert.Equal(t, uint64(0), *word)
	*word = 0xdeadbeef

	second, err := alloc.New()
	require.Nil(t, err)
	assert.Equal(t, stack.Bottom()-slotSize, second.Bottom())
}

func TestFreeReusesSlot(t *testing.T) {
	alloc, space, limited, tlb := setup(t, 1024, -1)

	stack, err := alloc.New()
	require.Nil(t, err)
	bottom := stack.Bottom()
	freeBefore := limited.FreeFrames()

	alloc.Free(stack)
	assert.Equal(t, freeBefore+uint64(StackSize/mm.PageSize), limited.FreeFrames())
	assert.NotZero(t, tlb.calls)

	for _, addr := range []uintptr{bottom - mm.PageSize, bottom, bottom + StackSize} {
		_, ok := space.Query(addr)
		assert.False(t, ok, "expected 0x%x to be unmapped", addr)
	}

	again, err := alloc.New()
	require.Nil(t, err)
	assert.Equal(t, bottom, again.Bottom())

	require.PanicsWithValue(t, errForeignStack, func() { alloc.Free(stack) }, "expected a double free to be detected")

	other := NewAllocator(space)
	require.PanicsWithValue(t, errForeignStack, func() { other.Free(again) })
}

func TestAvailable(t *testing.T) {
	alloc, _, _, _ := setup(t, 1024, -1)

	total := uint64(RegionSize / slotSize)
	assert.Equal(t, total, alloc.Available())

	first, err := alloc.New()
	require.Nil(t, err)
	second, err := alloc.New()
	require.Nil(t, err)
	assert.Equal(t, total-2, alloc.Available())

	// freed slots count towards the available stacks until they are reused
	alloc.Free(first)
	assert.Equal(t, total-1, alloc.Available())

	_, err = alloc.New()
	require.Nil(t, err)
	assert.Equal(t, total-2, alloc.Available())

	alloc.Free(second)
	assert.Equal(t, total-1, alloc.Available())
}

func TestNewRollsBackOnFailure(t *testing.T) {
	alloc, space, limited, _ := setup(t, 1024, -1)

	// Allocate the intermediate tables for the first slot.
	stack, err := alloc.New()
	require.Nil(t, err)
	alloc.Free(stack)

	freeBefore := limited.FreeFrames()
	limited.budget = int(StackSize/mm.PageSize) - 1

	_, err = alloc.New()
	require.Equal(t, pmm.ErrOutOfMemory, err)
	assert.Equal(t, freeBefore, limited.FreeFrames())

	for _, addr := range []uintptr{stack.Bottom() - mm.PageSize, stack.Bottom(), stack.Top()} {
		_, ok := space.Query(addr)
		assert.False(t, ok, "expected 0x%x to be unmapped", addr)
	}

	// The slot is reused once memory is available again.
	limited.budget = -1
	stack, err = alloc.New()
	require.Nil(t, err)
	assert.Equal(t, RegionStart+RegionSize-slotSize+mm.PageSize, stack.Bottom())
}
