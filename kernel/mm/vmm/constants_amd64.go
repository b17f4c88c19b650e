package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. For the amd64 architecture each level
	// uses 9 bits which amounts to 512 entries per table.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in a page table.
	entriesPerTable = 1 << pageLevelBits

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// pteFlagMask selects the entry bits that hold flags.
	pteFlagMask = uint64(0xfff0000000000fff)

	// kernelSpaceStart is the first address of the upper canonical half.
	kernelSpaceStart = uintptr(0xffff800000000000)

	// kernelSpaceLast is the last address of the upper canonical half.
	kernelSpaceLast = ^uintptr(0)

	// userSpaceStart is the first address available to user address spaces.
	// Page 0 is never mapped so that nil dereferences fault.
	userSpaceStart = uintptr(0x1000)

	// userSpaceLast is the last address of the lower canonical half.
	userSpaceLast = uintptr(0x00007fffffffffff)

	// kernelRootIndex is the first root table slot that belongs to the
	// upper canonical half. Slots [kernelRootIndex, entriesPerTable) are
	// shared by all address spaces.
	kernelRootIndex = entriesPerTable / 2
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address, indexed by Level-1.
var pageLevelShifts = [pageLevels]uint8{
	12,
	21,
	30,
	39,
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagOwnedFrame occupies a bit that the MMU ignores. It marks leaf
	// entries whose frame was allocated by the mapper; such frames are
	// returned to the frame allocator when the page is unmapped.
	FlagOwnedFrame

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
