//go:build linux

// Package hostmem emulates physical RAM for hosted builds of the memory
// subsystem. A large PROT_NONE window is reserved once per process; its base
// doubles as the higher half direct map offset so that physical address p
// lives at window base + p. Individual physical ranges are committed on
// demand and exposed to the kernel as usable memory map entries.
package hostmem

import (
	"runtime"
	"sync"
	"unsafe"

	"mycro/kernel"
	"mycro/kernel/boot"
	"mycro/kernel/mm"
	ksync "mycro/kernel/sync"

	"golang.org/x/sys/unix"
)

const (
	// SpanSize is the amount of physical address space that can be emulated.
	SpanSize = 64 * mm.Gb

	// DirectMapBase is the kernel virtual address at which the emulated
	// physical memory is mirrored by the kernel page tables.
	DirectMapBase = uintptr(0xffff880000000000)

	// KernelVirtBase is the virtual address of the synthetic kernel image.
	KernelVirtBase = uintptr(0xffffffff80000000)
)

var (
	reserveOnce sync.Once
	window      []byte
	reserveErr  *kernel.Error

	errRegionMisaligned = &kernel.Error{Module: "hostmem", Message: "region base and length must be page-aligned"}
	errRegionOutOfSpan  = &kernel.Error{Module: "hostmem", Message: "region exceeds the emulated physical address space"}
	errRegionEmpty      = &kernel.Error{Module: "hostmem", Message: "region length must be non-zero"}
)

// Reserve sets up the emulation window and registers its base as the
// higher half direct map offset. Spinning kernel locks are made to yield to
// the Go scheduler. Calling Reserve more than once is allowed;
// subsequent calls return the result of the first one.
func Reserve() (uintptr, *kernel.Error) {
	reserveOnce.Do(func() {
		var err error
		window, err = unix.Mmap(-1, 0, int(SpanSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			reserveErr = sysError("mmap", err)
			return
		}

		ksync.SetYieldFunc(runtime.Gosched)
		reserveErr = mm.SetHHDMOffset(windowBase())
	})

	if reserveErr != nil {
		return 0, reserveErr
	}

	return windowBase(), nil
}

func windowBase() uintptr {
	if len(window) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(window)))
}

// Region is a committed range of emulated physical memory.
type Region struct {
	base, length uintptr
	mem          []byte
}

// New commits the emulated physical range [base, base+length). The memory
// is zero-filled and both base and length must be page-aligned.
func New(base, length uintptr) (*Region, *kernel.Error) {
	if _, err := Reserve(); err != nil {
		return nil, err
	}

	switch {
	case length == 0:
		return nil, errRegionEmpty
	case !mm.IsPageAligned(base) || !mm.IsPageAligned(length):
		return nil, errRegionMisaligned
	case base >= uintptr(SpanSize) || length > uintptr(SpanSize)-base:
		return nil, errRegionOutOfSpan
	}

	mem := window[base : base+length : base+length]
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, sysError("mprotect", err)
	}

	return &Region{base: base, length: length, mem: mem}, nil
}

// Base returns the physical address of the first byte in the region.
func (r *Region) Base() uintptr { return r.base }

// Length returns the region size in bytes.
func (r *Region) Length() uintptr { return r.length }

// Bytes returns a view of the region contents.
func (r *Region) Bytes() []byte { return r.mem }

// Entry returns a usable memory map entry describing the region.
func (r *Region) Entry() boot.MemoryMapEntry {
	return boot.MemoryMapEntry{
		PhysAddress: uint64(r.base),
		Length:      uint64(r.length),
		Type:        boot.MemUsable,
	}
}

// Close releases the pages backing the region and revokes access to them.
// Committing the same range again yields zero-filled memory.
func (r *Region) Close() *kernel.Error {
	if r.mem == nil {
		return nil
	}

	if err := unix.Madvise(r.mem, unix.MADV_DONTNEED); err != nil {
		return sysError("madvise", err)
	}
	if err := unix.Mprotect(r.mem, unix.PROT_NONE); err != nil {
		return sysError("mprotect", err)
	}

	r.mem = nil
	return nil
}

// BootInfo returns the boot information of an emulated machine whose usable
// memory consists of the supplied regions.
func BootInfo(regions ...*Region) *boot.Info {
	info := &boot.Info{
		HHDMOffset:    windowBase(),
		DirectMapBase: DirectMapBase,
	}

	for _, r := range regions {
		info.MemoryMap = append(info.MemoryMap, r.Entry())
	}

	return info
}

// SyntheticKernel describes a small kernel image loaded at physBase. Its
// sections are only ever mapped, never accessed, so physBase does not need
// to be backed by a committed region.
func SyntheticKernel(physBase uintptr) boot.KernelImage {
	return boot.KernelImage{
		VirtBase: KernelVirtBase,
		PhysBase: physBase,
		Sections: []boot.KernelSection{
			{Name: ".text", Start: KernelVirtBase, End: KernelVirtBase + 0x40000, Kind: mm.MappingCode},
			{Name: ".rodata", Start: KernelVirtBase + 0x40000, End: KernelVirtBase + 0x50000, Kind: mm.MappingReadOnly},
			{Name: ".data", Start: KernelVirtBase + 0x50000, End: KernelVirtBase + 0x58000, Kind: mm.MappingReadWrite},
		},
	}
}

func sysError(op string, err error) *kernel.Error {
	return &kernel.Error{Module: "hostmem", Message: op + ": " + err.Error()}
}
