package vmm

import (
	"mycro/kernel"
	"mycro/kernel/boot"
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
	"mycro/kernel/sync"
)

// unmapBatchPages is the number of pages Unmap clears before it shoots down
// their TLB entries and releases their frames.
const unmapBatchPages = 64

var (
	// ErrAlreadyMapped is returned when attempting to map a virtual page
	// whose page table entry is not empty.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errEmptyRange       = &kernel.Error{Module: "vmm", Message: "mapping size must be non-zero"}
	errMisalignedVirt   = &kernel.Error{Module: "vmm", Message: "virtual address is not page-aligned"}
	errMisalignedSize   = &kernel.Error{Module: "vmm", Message: "mapping size is not page-aligned"}
	errOutsideAddrSpace = &kernel.Error{Module: "vmm", Message: "virtual address range lies outside the address space"}
	errRootNotEmpty     = &kernel.Error{Module: "vmm", Message: "root page table slot reserved for kernel entries is already in use"}
)

// frameSource selects where mapRange obtains the frames for leaf entries.
type frameSource uint8

const (
	frameAlloc frameSource = iota
	frameAllocZeroed
	framePhys
)

// KernelEntries holds the root table entries that describe the upper half of
// the address space. Every address space installs the same entries so that
// kernel mappings are shared by all of them.
type KernelEntries struct {
	entries [entriesPerTable - kernelRootIndex]EntryValue
}

// NewKernelEntries allocates one zeroed level 3 table for each upper half
// root slot.
func NewKernelEntries(frames mm.FrameAllocator) (*KernelEntries, *kernel.Error) {
	ke := new(KernelEntries)
	for i := range ke.entries {
		frame, err := frames.AllocZeroedFrame()
		if err != nil {
			for j := 0; j < i; j++ {
				frames.FreeFrame(ke.entries[j].Frame)
			}
			return nil, err
		}

		ke.entries[i] = MappingEntry(frame, FlagsForKind(mm.MappingFull))
	}

	return ke, nil
}

// AddressSpace owns a root page table and maps virtual pages inside a fixed
// region of the virtual address space.
//
// Mutating operations are serialized by a spinlock while Query and Translate
// only rely on the atomicity of individual page table entries.
type AddressSpace struct {
	mutex sync.Spinlock

	root   mm.PhysAddr[pageTable]
	frames mm.FrameAllocator
	tlb    TLBInvalidator

	// first and last are the bounds (inclusive) of the region that this
	// address space may map.
	first, last uintptr

	// extraFlags are added to every intermediate and leaf entry created by
	// this address space.
	extraFlags PageTableEntryFlag
}

// NewKernelAddressSpace creates the kernel address space. It installs the
// shared kernel entries and, if info is not nil, maps every region returned
// by info.VisitVirtualMappings.
func NewKernelAddressSpace(frames mm.FrameAllocator, entries *KernelEntries, info *boot.Info, tlb TLBInvalidator) (*AddressSpace, *kernel.Error) {
	as, err := newAddressSpace(frames, entries, tlb, kernelSpaceStart, kernelSpaceLast, 0)
	if err != nil {
		return nil, err
	}

	if info == nil {
		return as, nil
	}

	var mappedBytes uintptr
	info.VisitVirtualMappings(func(mapping boot.VirtualMapping) bool {
		if err = as.MapPhys(mapping.Virt, mapping.Phys, mapping.Size, mapping.Kind); err != nil {
			return false
		}

		mappedBytes += mapping.Size
		return true
	})

	if err != nil {
		return nil, err
	}

	kfmt.Printf("[vmm] kernel address space ready; root table: 0x%x, boot mappings: %dKb\n", as.root.Addr(), uint64(mappedBytes/uintptr(mm.Kb)))
	return as, nil
}

// NewUserAddressSpace creates an address space that maps the lower canonical
// half (minus the first page) for user-mode code. The upper half is shared
// with the kernel address space through entries.
func NewUserAddressSpace(frames mm.FrameAllocator, entries *KernelEntries, tlb TLBInvalidator) (*AddressSpace, *kernel.Error) {
	return newAddressSpace(frames, entries, tlb, userSpaceStart, userSpaceLast, FlagUserAccessible)
}

func newAddressSpace(frames mm.FrameAllocator, entries *KernelEntries, tlb TLBInvalidator, first, last uintptr, extraFlags PageTableEntryFlag) (*AddressSpace, *kernel.Error) {
	rootFrame, err := frames.AllocZeroedFrame()
	if err != nil {
		return nil, err
	}

	if tlb == nil {
		tlb = nopInvalidator{}
	}

	as := &AddressSpace{
		root:       mm.Cast[pageTable](rootFrame),
		frames:     frames,
		tlb:        tlb,
		first:      first,
		last:       last,
		extraFlags: extraFlags,
	}

	for i, value := range entries.entries {
		if _, ok := entryAt(as.root, kernelRootIndex+uintptr(i)).set(value); !ok {
			kfmt.Panic(errRootNotEmpty)
		}
	}

	return as, nil
}

// RootTablePhysAddr returns the physical address of the root page table. This
// is the value that must be loaded into CR3 to activate the address space.
func (as *AddressSpace) RootTablePhysAddr() mm.PhysAddr[mm.Page] {
	return mm.Cast[mm.Page](as.root)
}

// Map allocates a frame for each page in [virt, virt+size) and maps it using
// the permissions of kind. The frame contents are undefined. Guard pages are
// not backed by frames.
//
// If any page cannot be mapped, all pages mapped by this call are unmapped
// again and the error is returned. Map returns ErrAlreadyMapped if any page in
// the range is already mapped.
func (as *AddressSpace) Map(virt, size uintptr, kind mm.MappingKind) *kernel.Error {
	return as.mapRange(virt, 0, size, kind, frameAlloc)
}

// MapZeroed behaves like Map but clears the allocated frames.
func (as *AddressSpace) MapZeroed(virt, size uintptr, kind mm.MappingKind) *kernel.Error {
	return as.mapRange(virt, 0, size, kind, frameAllocZeroed)
}

// MapPhys maps [virt, virt+size) to the physical range [phys, phys+size).
// The physical frames are not owned by the address space and are not
// returned to the frame allocator when the range is unmapped.
func (as *AddressSpace) MapPhys(virt, phys, size uintptr, kind mm.MappingKind) *kernel.Error {
	return as.mapRange(virt, phys, size, kind, framePhys)
}

func (as *AddressSpace) mapRange(virt, phys, size uintptr, kind mm.MappingKind, src frameSource) *kernel.Error {
	as.checkRange(virt, size)
	if !kind.Valid() {
		kfmt.Panic(errInvalidMappingKind)
	}

	if src == framePhys && kind != mm.MappingGuard {
		// Validates the alignment of phys and the end of the range.
		mm.NewPhysAddr[mm.Page](phys).ByteAdd(size - mm.PageSize)
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if err := as.mapPage(virt+offset, phys+offset, kind, src); err != nil {
			as.unmapLocked(virt, offset)
			return err
		}
	}

	return nil
}

// mapPage must be called while holding the address space lock.
func (as *AddressSpace) mapPage(virt, phys uintptr, kind mm.MappingKind, src frameSource) *kernel.Error {
	pte, err := as.createEntry(virt)
	if err != nil {
		return err
	}

	if pte.load().Type != EntryEmpty {
		return ErrAlreadyMapped
	}

	var (
		value = SpecialEntry(guardTag)
		owned bool
	)

	if kind != mm.MappingGuard {
		var frame mm.PhysAddr[mm.Page]

		switch src {
		case framePhys:
			frame = mm.NewPhysAddr[mm.Page](phys)
		case frameAllocZeroed:
			frame, err = as.frames.AllocZeroedFrame()
			owned = true
		default:
			frame, err = as.frames.AllocFrame()
			owned = true
		}

		if err != nil {
			return err
		}

		flags := FlagsForKind(kind) | as.extraFlags
		if owned {
			flags |= FlagOwnedFrame
		}
		value = MappingEntry(frame, flags)
	}

	if _, ok := pte.set(value); !ok {
		if owned {
			as.frames.FreeFrame(value.Frame)
		}
		return ErrAlreadyMapped
	}

	return nil
}

// Unmap removes the mappings for [virt, virt+size). Pages that are not mapped
// are skipped. Translations for the removed pages are shot down before any
// frames owned by the address space are returned to the frame allocator.
//
// Page tables that become empty are not released.
func (as *AddressSpace) Unmap(virt, size uintptr) {
	as.checkRange(virt, size)

	as.mutex.Acquire()
	defer as.mutex.Release()

	as.unmapLocked(virt, size)
}

// unmapLocked must be called while holding the address space lock.
func (as *AddressSpace) unmapLocked(virt, size uintptr) {
	var (
		pending      [unmapBatchPages]mm.PhysAddr[mm.Page]
		pendingCount int
		batchStart   = virt
		batchPages   uintptr
		flush        bool
	)

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if pte := as.findEntry(virt + offset); pte != nil {
			switch value := pte.load(); value.Type {
			case EntryMapping:
				pte.clear()
				flush = true
				if value.Flags.HasFlags(FlagOwnedFrame) {
					pending[pendingCount] = value.Frame
					pendingCount++
				}
			case EntrySpecial:
				pte.clear()
			}
		}

		batchPages++
		if batchPages < unmapBatchPages && offset+mm.PageSize < size {
			continue
		}

		if flush {
			as.tlb.Shootdown(batchStart, batchPages)
		}
		for i := 0; i < pendingCount; i++ {
			as.frames.FreeFrame(pending[i])
		}

		batchStart += batchPages << mm.PageShift
		batchPages, pendingCount, flush = 0, 0, false
	}
}

// Query returns the mapping kind of the page that contains virt. The second
// return value is false if the page is not mapped.
func (as *AddressSpace) Query(virt uintptr) (mm.MappingKind, bool) {
	pte := as.findEntry(virt)
	if pte == nil {
		return 0, false
	}

	return pte.load().Kind()
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virt uintptr) (uintptr, *kernel.Error) {
	pte := as.findEntry(virt)
	if pte == nil {
		return 0, ErrInvalidMapping
	}

	value := pte.load()
	if value.Type != EntryMapping {
		return 0, ErrInvalidMapping
	}

	return value.Frame.Addr() + PageOffset(virt), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virt uintptr) uintptr {
	return virt & (mm.PageSize - 1)
}

// checkRange halts the kernel if [virt, virt+size) is not a non-empty,
// page-aligned range inside the address space region.
func (as *AddressSpace) checkRange(virt, size uintptr) {
	switch {
	case size == 0:
		kfmt.Panic(errEmptyRange)
	case !mm.IsPageAligned(virt):
		kfmt.Panic(errMisalignedVirt)
	case !mm.IsPageAligned(size):
		kfmt.Panic(errMisalignedSize)
	case virt < as.first || virt > as.last || size-1 > as.last-virt:
		kfmt.Panic(errOutsideAddrSpace)
	}
}

// findEntry returns the leaf entry for virt or nil if one of the
// intermediate tables is missing.
func (as *AddressSpace) findEntry(virt uintptr) *pageTableEntry {
	table := as.root
	for level := Level4; level > Level1; level = level.child() {
		value := entryAt(table, level.index(virt)).load()
		if value.Type == EntryEmpty {
			return nil
		}
		table = tableFor(value)
	}

	return entryAt(table, Level1.index(virt))
}

// createEntry returns the leaf entry for virt, creating any missing
// intermediate tables.
func (as *AddressSpace) createEntry(virt uintptr) (*pageTableEntry, *kernel.Error) {
	table := as.root
	for level := Level4; level > Level1; level = level.child() {
		next, err := entryAt(table, level.index(virt)).getOrCreateTable(as.frames, as.extraFlags)
		if err != nil {
			return nil, err
		}
		table = next
	}

	return entryAt(table, Level1.index(virt)), nil
}
