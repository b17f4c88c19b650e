package vmm

import "mycro/kernel/mm"

// Mapping describes a single mapped page.
type Mapping struct {
	Virt uintptr

	// Phys is zero for guard pages.
	Phys uintptr

	Kind mm.MappingKind

	// Owned is true if the frame was allocated by the address space.
	Owned bool
}

// MappingVisitor is invoked by VisitMappings for each mapped page. The
// visitor must return true to continue or false to abort the walk.
type MappingVisitor func(Mapping) bool

// VisitMappings invokes visitor for every mapped or guard page inside the
// address space region in ascending virtual address order.
func (as *AddressSpace) VisitMappings(visitor MappingVisitor) {
	for index := Level4.index(as.first); index <= Level4.index(as.last); index++ {
		value := entryAt(as.root, index).load()
		if value.Type == EntryEmpty {
			continue
		}

		if !visitTable(tableFor(value), Level3, canonicalAddr(index*Level4.span()), visitor) {
			return
		}
	}
}

func visitTable(table mm.PhysAddr[pageTable], level Level, base uintptr, visitor MappingVisitor) bool {
	for index := uintptr(0); index < entriesPerTable; index++ {
		value := entryAt(table, index).load()
		if value.Type == EntryEmpty {
			continue
		}

		virt := base + index*level.span()
		if level != Level1 {
			if !visitTable(tableFor(value), level.child(), virt, visitor) {
				return false
			}
			continue
		}

		mapping := Mapping{Virt: virt}
		mapping.Kind, _ = value.Kind()
		if value.Type == EntryMapping {
			mapping.Phys = value.Frame.Addr()
			mapping.Owned = value.Flags.HasFlags(FlagOwnedFrame)
		}

		if !visitor(mapping) {
			return false
		}
	}

	return true
}

// canonicalAddr sign-extends bit 47 of addr into the upper address bits.
func canonicalAddr(addr uintptr) uintptr {
	if addr&(1<<47) != 0 {
		addr |= 0xffff000000000000
	}
	return addr
}
