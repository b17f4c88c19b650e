package vmm

import (
	"sync/atomic"

	"mycro/kernel"
	"mycro/kernel/mm"
)

// ErrReserveNoSpace is returned by RegionReserver when the remaining virtual
// address space cannot satisfy a reservation.
var ErrReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// RegionReserver hands out page-aligned, non-overlapping virtual address
// ranges from [start, end). Regions are carved from the end of the range
// towards its start and are never returned.
type RegionReserver struct {
	start uintptr

	// lastUsed tracks the lowest reserved address and is decreased after
	// each reservation.
	lastUsed atomic.Uintptr
}

// NewRegionReserver returns a RegionReserver for [start, end). Both bounds
// are rounded inwards to page boundaries.
func NewRegionReserver(start, end uintptr) *RegionReserver {
	r := &RegionReserver{start: mm.PageAlignUp(start)}
	r.lastUsed.Store(mm.PageAlignDown(end))
	return r
}

// Reserve reserves a contiguous virtual memory region with the requested size
// and returns its start address. If size is not a multiple of mm.PageSize it
// will be automatically rounded up. Reserve may be called concurrently.
func (r *RegionReserver) Reserve(size uintptr) (uintptr, *kernel.Error) {
	size = mm.PageAlignUp(size)
	if size == 0 {
		return 0, ErrReserveNoSpace
	}

	for {
		last := r.lastUsed.Load()

		// reserving a region of the requested size would cross the range start
		if last < r.start || size > last-r.start {
			return 0, ErrReserveNoSpace
		}

		if r.lastUsed.CompareAndSwap(last, last-size) {
			return last - size, nil
		}
	}
}

// Remaining returns the number of bytes that can still be reserved.
func (r *RegionReserver) Remaining() uintptr {
	last := r.lastUsed.Load()
	if last < r.start {
		return 0
	}
	return last - r.start
}
