package mm

import "mycro/kernel"

// FrameAllocator is implemented by physical frame allocators. The virtual
// memory mapper uses it to obtain frames for page tables and leaf mappings.
type FrameAllocator interface {
	// AllocFrame reserves a physical frame. Its contents are undefined.
	AllocFrame() (PhysAddr[Page], *kernel.Error)

	// AllocZeroedFrame reserves a physical frame and clears its contents.
	AllocZeroedFrame() (PhysAddr[Page], *kernel.Error)

	// FreeFrame returns a frame to the allocator. The frame must not be
	// referenced by any live mapping.
	FreeFrame(PhysAddr[Page])
}
