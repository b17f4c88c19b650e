package vmm

import (
	"sync/atomic"

	"mycro/kernel"
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
)

// EntryType describes the decoded meaning of a page table entry.
type EntryType uint8

const (
	// EntryEmpty is an unused entry (all bits clear).
	EntryEmpty EntryType = iota

	// EntryMapping is a present entry that points either to a child page
	// table or to a leaf frame.
	EntryMapping

	// EntrySpecial is a non-present entry that carries a software tag.
	EntrySpecial
)

// guardTag is the special tag used for guard pages.
const guardTag = uint64(1)

var (
	errInvalidSpecialTag = &kernel.Error{Module: "vmm", Message: "special entry tags must be non-zero and fit in 63 bits"}
	errUnknownSpecialTag = &kernel.Error{Module: "vmm", Message: "page table entry holds an unknown special tag"}
	errUnknownEntryFlags = &kernel.Error{Module: "vmm", Message: "page table entry flags do not match any mapping kind"}
)

// EntryValue is the decoded contents of a page table entry.
type EntryValue struct {
	Type EntryType

	// Frame and Flags are only meaningful for EntryMapping values.
	Frame mm.PhysAddr[mm.Page]
	Flags PageTableEntryFlag

	// Tag is only meaningful for EntrySpecial values.
	Tag uint64
}

// MappingEntry returns an EntryValue that maps frame with the given flags.
// FlagPresent is always set.
func MappingEntry(frame mm.PhysAddr[mm.Page], flags PageTableEntryFlag) EntryValue {
	return EntryValue{
		Type:  EntryMapping,
		Frame: frame,
		Flags: (flags | FlagPresent) & PageTableEntryFlag(pteFlagMask),
	}
}

// SpecialEntry returns a non-present EntryValue carrying tag.
func SpecialEntry(tag uint64) EntryValue {
	return EntryValue{Type: EntrySpecial, Tag: tag}
}

// encode returns the raw entry bits for v.
func (v EntryValue) encode() uint64 {
	switch v.Type {
	case EntryMapping:
		return (uint64(v.Frame.Addr()) & ptePhysPageMask) | (uint64(v.Flags|FlagPresent) & pteFlagMask)
	case EntrySpecial:
		if v.Tag == 0 || v.Tag&(1<<63) != 0 {
			kfmt.Panic(errInvalidSpecialTag)
		}
		return v.Tag << 1
	default:
		return 0
	}
}

// decodeEntry converts the raw entry bits back into an EntryValue.
func decodeEntry(word uint64) EntryValue {
	switch {
	case word == 0:
		return EntryValue{Type: EntryEmpty}
	case PageTableEntryFlag(word).HasFlags(FlagPresent):
		return EntryValue{
			Type:  EntryMapping,
			Frame: mm.NewPhysAddr[mm.Page](uintptr(word & ptePhysPageMask)),
			Flags: PageTableEntryFlag(word & pteFlagMask),
		}
	default:
		return EntryValue{Type: EntrySpecial, Tag: word >> 1}
	}
}

// Kind returns the mapping kind described by a mapping or guard entry. It
// halts the kernel if the entry holds flags or a tag that the mapper never
// produces. The second return value is false for empty entries.
func (v EntryValue) Kind() (mm.MappingKind, bool) {
	switch v.Type {
	case EntryMapping:
		kind, ok := KindForFlags(v.Flags)
		if !ok {
			kfmt.Panic(errUnknownEntryFlags)
		}
		return kind, true
	case EntrySpecial:
		if v.Tag != guardTag {
			kfmt.Panic(errUnknownSpecialTag)
		}
		return mm.MappingGuard, true
	default:
		return 0, false
	}
}

// pageTableEntry is a single slot in a page table. Entries are shared by all
// cores so they are only ever accessed atomically.
type pageTableEntry struct {
	word atomic.Uint64
}

// load returns the decoded entry contents.
func (pte *pageTableEntry) load() EntryValue {
	return decodeEntry(pte.word.Load())
}

// set installs v if the entry is empty. If the entry is already occupied, set
// leaves it untouched and returns the value that is installed together with
// false.
func (pte *pageTableEntry) set(v EntryValue) (EntryValue, bool) {
	word := v.encode()
	for {
		if pte.word.CompareAndSwap(0, word) {
			return v, true
		}

		// The entry may have been cleared between the failed CAS and the
		// load; retry in that case.
		if cur := pte.word.Load(); cur != 0 {
			return decodeEntry(cur), false
		}
	}
}

// clear empties the entry. The caller must own the mapping being removed.
func (pte *pageTableEntry) clear() {
	pte.word.Store(0)
}

// pageTable is a 4K-aligned table of page table entries.
type pageTable struct {
	entries [entriesPerTable]pageTableEntry
}

// PhysAlign implements mm.PhysAligner.
func (*pageTable) PhysAlign() uintptr { return mm.PageSize }

// entryAt returns the entry at the given index of the table at tableAddr.
func entryAt(tableAddr mm.PhysAddr[pageTable], index uintptr) *pageTableEntry {
	return &tableAddr.Ptr().entries[index]
}

// tableFor returns the address of the page table referenced by v. It halts
// the kernel if v does not reference a page table.
func tableFor(v EntryValue) mm.PhysAddr[pageTable] {
	if v.Type != EntryMapping || v.Flags.HasFlags(FlagHugePage) {
		kfmt.Panic(errNotAPageTable)
	}

	return mm.Cast[pageTable](v.Frame)
}

// getOrCreateTable returns the page table referenced by pte, allocating and
// installing a zeroed table if the entry is empty. extraFlags are added to
// the Full flags of a newly installed entry. If another core installs a table
// first, the locally allocated frame is released and the winner's table is
// returned.
func (pte *pageTableEntry) getOrCreateTable(frames mm.FrameAllocator, extraFlags PageTableEntryFlag) (mm.PhysAddr[pageTable], *kernel.Error) {
	if cur := pte.load(); cur.Type != EntryEmpty {
		return tableFor(cur), nil
	}

	frame, err := frames.AllocZeroedFrame()
	if err != nil {
		return mm.PhysAddr[pageTable]{}, err
	}

	winner, ok := pte.set(MappingEntry(frame, FlagsForKind(mm.MappingFull)|extraFlags))
	if !ok {
		frames.FreeFrame(frame)
	}

	return tableFor(winner), nil
}
