package pmm

import (
	gosync "sync"
	"testing"

	"mycro/kernel/boot"
	"mycro/kernel/hal/hostmem"
	"mycro/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegion(t *testing.T, base, length uintptr) *hostmem.Region {
	t.Helper()

	r, err := hostmem.New(base, length)
	require.Nil(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAllocatorExhaustionAndReuse(t *testing.T) {
	r := newRegion(t, 0x100000, 64*uintptr(mm.Kb))

	var alloc FrameAllocator
	alloc.Init(hostmem.BootInfo(r))
	require.Equal(t, uint64(16), alloc.TotalFrames())
	require.Equal(t, uint64(16), alloc.FreeFrames())

	seen := make(map[uintptr]bool)
	var frames []mm.PhysAddr[mm.Page]
	for i := 0; i < 16; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err, "[alloc %d]", i)

		addr := frame.Addr()
		assert.True(t, mm.IsPageAligned(addr), "[alloc %d] frame 0x%x not page-aligned", i, addr)
		assert.True(t, addr >= 0x100000 && addr < 0x110000, "[alloc %d] frame 0x%x outside region", i, addr)
		assert.False(t, seen[addr], "[alloc %d] frame 0x%x handed out twice", i, addr)
		seen[addr] = true
		frames = append(frames, frame)
	}
	assert.Equal(t, uint64(0), alloc.FreeFrames())

	_, err := alloc.AllocFrame()
	require.Equal(t, ErrOutOfMemory, err)

	alloc.FreeFrame(frames[7])
	assert.Equal(t, uint64(1), alloc.FreeFrames())

	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, frames[7], frame, "expected the most recently freed frame to be reused")
}

func TestAllocatorLIFOOrder(t *testing.T) {
	r := newRegion(t, 0x200000, 4*mm.PageSize)

	var alloc FrameAllocator
	alloc.Init(hostmem.BootInfo(r))

	// Frames are pushed in ascending order so they are handed out in
	// descending order.
	for i := uintptr(4); i > 0; i-- {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		assert.Equal(t, 0x200000+(i-1)*mm.PageSize, frame.Addr())
	}
}

func TestAllocatorInitSkipsUnusableMemory(t *testing.T) {
	r1 := newRegion(t, 0x300000, 2*mm.PageSize)
	r2 := newRegion(t, 0x400000, 3*mm.PageSize)

	info := hostmem.BootInfo(r1, r2)
	info.MemoryMap = append(info.MemoryMap,
		boot.MemoryMapEntry{PhysAddress: 0x500000, Length: uint64(8 * mm.PageSize), Type: boot.MemReserved},
		// Not a full page once rounded inwards.
		boot.MemoryMapEntry{PhysAddress: 0x600800, Length: uint64(mm.PageSize), Type: boot.MemUsable},
	)

	var alloc FrameAllocator
	alloc.Init(info)
	assert.Equal(t, uint64(5), alloc.TotalFrames())
	assert.Equal(t, uint64(5), alloc.FreeFrames())

	for i := 0; i < 5; i++ {
		frame, err := alloc.AllocFrame()
		require.Nil(t, err)
		addr := frame.Addr()
		inR1 := addr >= r1.Base() && addr < r1.Base()+r1.Length()
		inR2 := addr >= r2.Base() && addr < r2.Base()+r2.Length()
		assert.True(t, inR1 || inR2, "frame 0x%x outside usable regions", addr)
	}

	_, err := alloc.AllocFrame()
	assert.Equal(t, ErrOutOfMemory, err)
}

func TestAllocZeroedFrame(t *testing.T) {
	origMemset := memsetFn
	defer func() { memsetFn = origMemset }()

	r := newRegion(t, 0x700000, 2*mm.PageSize)
	for i := range r.Bytes() {
		r.Bytes()[i] = 0xfe
	}

	var alloc FrameAllocator
	alloc.Init(hostmem.BootInfo(r))

	var memsetCalls int
	memsetFn = func(addr uintptr, value byte, size uintptr) {
		memsetCalls++
		assert.Equal(t, byte(0), value)
		assert.Equal(t, mm.PageSize, size)
		origMemset(addr, value, size)
	}

	frame, err := alloc.AllocZeroedFrame()
	require.Nil(t, err)
	assert.Equal(t, 1, memsetCalls)

	for i, b := range frame.Ptr() {
		if b != 0 {
			t.Fatalf("expected frame to be zeroed; byte %d is 0x%x", i, b)
		}
	}

	// The other frame still holds the free list node and the pattern.
	other := r.Bytes()[:mm.PageSize]
	if frame.Addr() == r.Base() {
		other = r.Bytes()[mm.PageSize:]
	}
	assert.Equal(t, byte(0xfe), other[mm.PageSize-1])

	_, _ = alloc.AllocZeroedFrame()
	_, err = alloc.AllocZeroedFrame()
	assert.Equal(t, ErrOutOfMemory, err)
	assert.Equal(t, 2, memsetCalls)
}

func TestZeroValueAllocator(t *testing.T) {
	var alloc FrameAllocator

	_, err := alloc.AllocFrame()
	assert.Equal(t, ErrOutOfMemory, err)

	r := newRegion(t, 0x800000, mm.PageSize)
	frame := mm.NewPhysAddr[mm.Page](r.Base())
	alloc.FreeFrame(frame)

	got, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, frame, got)
}

func TestAllocatorConcurrentAccess(t *testing.T) {
	const (
		frameCount = 256
		workers    = 8
	)

	r := newRegion(t, 0x1000000, frameCount*mm.PageSize)

	var alloc FrameAllocator
	alloc.Init(hostmem.BootInfo(r))

	var (
		wg      gosync.WaitGroup
		results = make([][]uintptr, workers)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for iteration := 1; ; iteration++ {
				frame, err := alloc.AllocFrame()
				if err != nil {
					return
				}
				results[w] = append(results[w], frame.Addr())

				// Give back every 4th frame to exercise concurrent frees.
				// Each round of 4 allocations keeps 3 frames so the list
				// eventually drains.
				if iteration%4 == 0 {
					last := len(results[w]) - 1
					alloc.FreeFrame(mm.NewPhysAddr[mm.Page](results[w][last]))
					results[w] = results[w][:last]
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uintptr]bool)
	for _, frames := range results {
		for _, addr := range frames {
			require.False(t, seen[addr], "frame 0x%x was handed out to more than one caller", addr)
			seen[addr] = true
		}
	}
	assert.Len(t, seen, frameCount)
	assert.Equal(t, uint64(0), alloc.FreeFrames())
}
