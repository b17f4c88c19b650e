// Package boot describes the information that the bootloader hands over to
// the kernel: the physical memory map, the offset of the higher half direct
// map and the layout of the loaded kernel image.
package boot

import (
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemUsable indicates that the memory region is available for use.
	MemUsable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI tables
	// that can be reused by the OS once they have been parsed.
	MemAcpiReclaimable

	// MemAcpiNvs indicates memory that must be preserved when hibernating.
	MemAcpiNvs

	// MemBadMemory indicates a memory region with defective RAM.
	MemBadMemory

	// MemBootloaderReclaimable indicates memory used by the bootloader that
	// can be reclaimed once the kernel no longer needs the boot data.
	MemBootloaderReclaimable

	// MemKernelAndModules indicates the memory holding the kernel image and
	// any boot modules.
	MemKernelAndModules

	// MemFramebuffer indicates the memory backing the boot framebuffer.
	MemFramebuffer
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemAcpiNvs:
		return "ACPI NVS"
	case MemBadMemory:
		return "bad memory"
	case MemBootloaderReclaimable:
		return "bootloader (reclaimable)"
	case MemKernelAndModules:
		return "kernel and modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// KernelSection describes a section of the kernel image using the link-time
// addresses of its first byte and the byte following its end.
type KernelSection struct {
	Name       string
	Start, End uintptr
	Kind       mm.MappingKind
}

// KernelImage describes where the bootloader placed the kernel image.
type KernelImage struct {
	// The virtual and physical address where the first section was loaded.
	VirtBase, PhysBase uintptr

	// The image sections ordered by link-time address.
	Sections []KernelSection
}

// PhysRange returns the page-aligned physical range [start, end) occupied by
// the loaded image. Both bounds are zero for an image without sections.
func (img *KernelImage) PhysRange() (uintptr, uintptr) {
	if len(img.Sections) == 0 {
		return 0, 0
	}

	linkBase := img.Sections[0].Start
	var linkEnd uintptr
	for _, sec := range img.Sections {
		if sec.End > linkEnd {
			linkEnd = sec.End
		}
	}

	start := mm.PageAlignDown(img.PhysBase)
	return start, mm.PageAlignUp(img.PhysBase + (linkEnd - linkBase))
}

// Info collects the boot data consumed by the memory subsystem.
type Info struct {
	MemoryMap []MemoryMapEntry

	// HHDMOffset is the offset of the bootloader's linear mapping of all
	// physical memory.
	HHDMOffset uintptr

	// DirectMapBase is the virtual address at which the kernel page tables
	// mirror physical memory. It equals HHDMOffset when running on hardware;
	// hosted builds emulate RAM inside the process so the two differ. A zero
	// value means HHDMOffset.
	DirectMapBase uintptr

	Kernel KernelImage
}

func (info *Info) directMapBase() uintptr {
	if info.DirectMapBase != 0 {
		return info.DirectMapBase
	}
	return info.HHDMOffset
}

// MemRegionVisitor defines a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// UsableRegionVisitor is invoked by VisitUsableRegions with the page-aligned
// bounds of each usable region. The visitor must return true to continue or
// false to abort the scan.
type UsableRegionVisitor func(base, length uintptr) bool

// VirtualMapping describes a region that must be mapped into the kernel
// address space when the kernel page tables are built.
type VirtualMapping struct {
	Virt, Phys, Size uintptr
	Kind             mm.MappingKind
}

// VirtualMappingVisitor is invoked by VisitVirtualMappings for each region
// that needs to be mapped. The visitor must return true to continue or false
// to abort the scan.
type VirtualMappingVisitor func(mapping VirtualMapping) bool

// VisitMemRegions invokes the supplied visitor for each memory region that
// was reported by the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range info.MemoryMap {
		if !visitor(&info.MemoryMap[i]) {
			return
		}
	}
}

// VisitUsableRegions invokes the supplied visitor for each usable memory
// region. Reported addresses may not be page-aligned so the region start is
// rounded up and the region end is rounded down to the nearest page boundary.
// Regions that do not contain a full page are skipped.
func (info *Info) VisitUsableRegions(visitor UsableRegionVisitor) {
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Type != MemUsable {
			return true
		}

		start := mm.PageAlignUp(uintptr(entry.PhysAddress))
		end := mm.PageAlignDown(uintptr(entry.PhysAddress + entry.Length))
		if end <= start {
			return true
		}

		return visitor(start, end-start)
	})
}

// VisitVirtualMappings invokes the supplied visitor for each region that the
// kernel address space must map: the direct-map view of every memory region
// the kernel may touch, followed by the sections of the kernel image. All
// regions are page-aligned; sizes are rounded up to whole pages. A page that
// is shared by two neighbouring memory regions is only reported once.
func (info *Info) VisitVirtualMappings(visitor VirtualMappingVisitor) {
	var (
		aborted       bool
		directMapBase = info.directMapBase()

		// bounds of the previous direct-map mapping
		prevStart, prevEnd uintptr
	)

	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		var kind mm.MappingKind

		switch entry.Type {
		case MemUsable, MemAcpiReclaimable, MemBootloaderReclaimable, MemKernelAndModules:
			kind = mm.MappingReadWrite
		case MemAcpiNvs:
			kind = mm.MappingMmio
		case MemFramebuffer:
			kind = mm.MappingFramebuffer
		default:
			return true
		}

		phys := mm.PageAlignDown(uintptr(entry.PhysAddress))
		end := mm.PageAlignUp(uintptr(entry.PhysAddress + entry.Length))

		// Neighbouring regions may share a partial page. The shared page
		// stays with the region that was mapped first.
		if phys < prevEnd && end > prevStart {
			if phys >= prevStart {
				phys = prevEnd
			} else {
				end = prevStart
			}
		}
		if end <= phys {
			return true
		}

		prevStart, prevEnd = phys, end
		aborted = !visitor(VirtualMapping{
			Virt: phys + directMapBase,
			Phys: phys,
			Size: end - phys,
			Kind: kind,
		})
		return !aborted
	})

	if aborted || len(info.Kernel.Sections) == 0 {
		return
	}

	// Sections are linked relative to the first section; the bootloader may
	// have slid the image (KASLR) so the actual addresses are computed from
	// the load bases.
	linkBase := info.Kernel.Sections[0].Start
	for _, sec := range info.Kernel.Sections {
		start := mm.PageAlignDown(sec.Start)
		size := mm.PageAlignUp(sec.End) - start
		if size == 0 {
			continue
		}

		if !visitor(VirtualMapping{
			Virt: info.Kernel.VirtBase + (start - linkBase),
			Phys: info.Kernel.PhysBase + (start - linkBase),
			Size: size,
			Kind: sec.Kind,
		}) {
			return
		}
	}
}

// PrintMemoryMap logs the memory map reported by the bootloader together with
// the total amount of usable memory.
func (info *Info) PrintMemoryMap() {
	kfmt.Printf("[boot] system memory map:\n")

	var totalUsable mm.Size
	info.VisitMemRegions(func(region *MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == MemUsable {
			totalUsable += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot] usable memory: %dKb\n", uint64(totalUsable/mm.Kb))
	kfmt.Printf("[boot] higher half direct map offset: 0x%16x\n", info.HHDMOffset)
	if len(info.Kernel.Sections) != 0 {
		kfmt.Printf("[boot] kernel loaded at virt 0x%16x, phys 0x%x (%d sections)\n", info.Kernel.VirtBase, info.Kernel.PhysBase, len(info.Kernel.Sections))
	}
}
