package vmm

import (
	"mycro/kernel"
	"mycro/kernel/kfmt"
)

// Level identifies a page table in the 4-level hierarchy. Level4 is the
// root table and Level1 tables hold the leaf entries.
type Level uint8

// The supported page table levels.
const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
)

var (
	errInvalidLevel  = &kernel.Error{Module: "vmm", Message: "invalid page table level"}
	errWalkPastLeaf  = &kernel.Error{Module: "vmm", Message: "attempted to descend below a level 1 page table"}
	errNotAPageTable = &kernel.Error{Module: "vmm", Message: "page table entry does not point to a page table"}
)

// index returns the entry index that corresponds to virtAddr in a table at
// this level.
func (l Level) index(virtAddr uintptr) uintptr {
	if l < Level1 || l > Level4 {
		kfmt.Panic(errInvalidLevel)
	}

	return (virtAddr >> pageLevelShifts[l-1]) & (entriesPerTable - 1)
}

// child returns the level of the tables referenced by entries at this level.
func (l Level) child() Level {
	if l <= Level1 || l > Level4 {
		kfmt.Panic(errWalkPastLeaf)
	}

	return l - 1
}

// span returns the number of bytes of address space covered by one entry at
// this level.
func (l Level) span() uintptr {
	if l < Level1 || l > Level4 {
		kfmt.Panic(errInvalidLevel)
	}

	return uintptr(1) << pageLevelShifts[l-1]
}
