package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxPhysAddr is the exclusive upper bound for physical addresses that
	// the memory subsystem accepts.
	MaxPhysAddr = uintptr(Tb)
)

// IsPageAligned returns true if addr is a multiple of PageSize.
func IsPageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + (PageSize - 1)) &^ (PageSize - 1)
}

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}
