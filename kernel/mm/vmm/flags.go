package vmm

import (
	"mycro/kernel"
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// kindIgnoredFlags are not considered when translating flags back to a
// mapping kind. The CPU sets accessed and dirty on its own while the
// remaining bits are added by the mapper independently of the kind.
const kindIgnoredFlags = FlagAccessed | FlagDirty | FlagGlobal | FlagOwnedFrame | FlagUserAccessible

var (
	kindFlags = [...]PageTableEntryFlag{
		mm.MappingCode:        FlagPresent,
		mm.MappingReadOnly:    FlagPresent | FlagNoExecute,
		mm.MappingReadWrite:   FlagPresent | FlagRW | FlagNoExecute,
		mm.MappingFull:        FlagPresent | FlagRW,
		mm.MappingGuard:       0,
		mm.MappingMmio:        FlagPresent | FlagRW | FlagDoNotCache | FlagNoExecute,
		mm.MappingFramebuffer: FlagPresent | FlagRW | FlagWriteThroughCaching | FlagDoNotCache | FlagNoExecute,
	}

	errInvalidMappingKind = &kernel.Error{Module: "vmm", Message: "mapping kind cannot be expressed as page table flags"}
)

// HasFlags returns true if f has all the input flags set.
func (f PageTableEntryFlag) HasFlags(flags PageTableEntryFlag) bool {
	return f&flags == flags
}

// FlagsForKind returns the hardware flags that implement kind. Guard pages
// are not backed by flags; passing MappingGuard or an unknown kind halts
// the kernel.
func FlagsForKind(kind mm.MappingKind) PageTableEntryFlag {
	if !kind.Valid() || kind == mm.MappingGuard {
		kfmt.Panic(errInvalidMappingKind)
	}

	return kindFlags[kind]
}

// KindForFlags returns the mapping kind whose flags match flags exactly,
// ignoring the bits that do not contribute to the kind. The second return
// value is false if no kind matches.
func KindForFlags(flags PageTableEntryFlag) (mm.MappingKind, bool) {
	flags &^= kindIgnoredFlags
	for kind, kf := range kindFlags {
		if kf != 0 && kf == flags {
			return mm.MappingKind(kind), true
		}
	}

	return 0, false
}
