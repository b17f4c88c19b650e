// Package pmm implements the physical frame allocator.
package pmm

import (
	"mycro/kernel"
	"mycro/kernel/boot"
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
	"mycro/kernel/sync"
)

// emptyList marks the end of the free list. Physical address 0 is a valid
// frame so it cannot be used as the terminator.
const emptyList = ^uintptr(0)

var (
	// ErrOutOfMemory is returned by the allocator when no free frames
	// are available.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// memsetFn is used by tests to intercept calls to kernel.Memset.
	memsetFn = kernel.Memset
)

// freeListNode is stored at the start of every free frame.
type freeListNode struct {
	// next is the physical address of the following free frame or
	// emptyList.
	next uintptr

	// phys is the physical address of the frame holding this node.
	phys uintptr
}

// FrameAllocator hands out physical frames from an intrusive LIFO free list
// whose nodes live inside the free frames themselves. All free frames must
// be reachable through the higher half direct map.
//
// The zero value is an empty allocator; Init populates it from the boot
// memory map.
type FrameAllocator struct {
	mutex sync.Spinlock

	head        uintptr
	initialized bool

	freeCount  uint64
	totalCount uint64
}

// Init pushes every frame of every usable memory region onto the free list.
func (alloc *FrameAllocator) Init(info *boot.Info) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.initialized {
		alloc.head = emptyList
		alloc.initialized = true
	}

	var regionCount int
	info.VisitUsableRegions(func(base, length uintptr) bool {
		for offset := uintptr(0); offset < length; offset += mm.PageSize {
			alloc.push(mm.NewPhysAddr[mm.Page](base + offset))
			alloc.totalCount++
		}
		regionCount++
		return true
	})

	kfmt.Printf("[pmm] free frames: %d (%dKb) across %d regions\n",
		alloc.freeCount,
		alloc.freeCount*uint64(mm.PageSize/uintptr(mm.Kb)),
		regionCount,
	)
}

// AllocFrame removes a frame from the free list and returns it. The contents
// of the frame are undefined. AllocFrame returns ErrOutOfMemory if no free
// frames are available.
func (alloc *FrameAllocator) AllocFrame() (mm.PhysAddr[mm.Page], *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.initialized || alloc.head == emptyList {
		return mm.PhysAddr[mm.Page]{}, ErrOutOfMemory
	}

	node := mm.NewPhysAddr[freeListNode](alloc.head).Ptr()
	frame := mm.NewPhysAddr[mm.Page](node.phys)
	alloc.head = node.next
	alloc.freeCount--

	return frame, nil
}

// AllocZeroedFrame behaves like AllocFrame but also clears the returned frame.
func (alloc *FrameAllocator) AllocZeroedFrame() (mm.PhysAddr[mm.Page], *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return frame, err
	}

	memsetFn(frame.VirtAddr(), 0, mm.PageSize)
	return frame, nil
}

// FreeFrame returns frame to the free list. The frame must be page-aligned,
// must have been obtained from this allocator and must not be in use; a
// frame that is freed twice corrupts the free list.
func (alloc *FrameAllocator) FreeFrame(frame mm.PhysAddr[mm.Page]) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if !alloc.initialized {
		alloc.head = emptyList
		alloc.initialized = true
	}

	alloc.push(frame)
}

// FreeFrames returns the number of frames currently on the free list.
func (alloc *FrameAllocator) FreeFrames() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.freeCount
}

// TotalFrames returns the number of frames that were handed to the allocator
// by Init.
func (alloc *FrameAllocator) TotalFrames() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.totalCount
}

// push must be called while holding the allocator lock.
func (alloc *FrameAllocator) push(frame mm.PhysAddr[mm.Page]) {
	node := mm.Cast[freeListNode](frame).Ptr()
	node.next = alloc.head
	node.phys = frame.Addr()

	alloc.head = frame.Addr()
	alloc.freeCount++
}
