package mm

import (
	"sync/atomic"

	"mycro/kernel"
)

var (
	hhdmOffset atomic.Uintptr
	hhdmSet    atomic.Bool

	// ErrHHDMAlreadySet is returned by SetHHDMOffset when the offset has
	// already been initialized with a different value.
	ErrHHDMAlreadySet = &kernel.Error{Module: "mm", Message: "higher half direct map offset already initialized"}
)

// SetHHDMOffset records the offset of the bootloader's linear mapping of
// physical memory (the higher half direct map). The first call fixes the
// offset for the lifetime of the kernel; repeating the call with the same
// value is allowed.
func SetHHDMOffset(offset uintptr) *kernel.Error {
	if hhdmSet.CompareAndSwap(false, true) {
		hhdmOffset.Store(offset)
		return nil
	}

	if hhdmOffset.Load() != offset {
		return ErrHHDMAlreadySet
	}

	return nil
}

// HHDMOffset returns the offset that needs to be added to a physical address
// to obtain a virtual address through which the kernel can access it.
func HHDMOffset() uintptr {
	return hhdmOffset.Load()
}
