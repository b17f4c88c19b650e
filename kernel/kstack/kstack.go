// Package kstack allocates kernel stacks that are surrounded by guard pages
// so that overflowing or underflowing a stack faults instead of silently
// corrupting adjacent memory.
package kstack

import (
	"mycro/kernel"
	"mycro/kernel/kfmt"
	"mycro/kernel/mm"
	"mycro/kernel/mm/vmm"
	"mycro/kernel/sync"
)

const (
	// StackSize is the usable size of each kernel stack.
	StackSize = 256 * uintptr(mm.Kb)

	// RegionStart is the first virtual address used for kernel stacks.
	RegionStart = uintptr(0xffffa00000000000)

	// RegionSize is the amount of virtual address space set aside for
	// kernel stacks.
	RegionSize = uintptr(64 * mm.Gb)

	// slotSize is the amount of virtual address space taken by a stack and
	// its two guard pages.
	slotSize = StackSize + 2*mm.PageSize
)

var errForeignStack = &kernel.Error{Module: "kstack", Message: "stack was not allocated by this allocator"}

// Stack is a kernel stack. Its layout in virtual memory is:
//
//	[guard page][StackSize bytes][guard page]
type Stack struct {
	base  uintptr
	owner *Allocator
}

// Bottom returns the lowest usable address of the stack.
func (s *Stack) Bottom() uintptr {
	return s.base + mm.PageSize
}

// Top returns the address just past the highest usable byte of the stack.
// Stacks grow downwards so this is the initial stack pointer.
func (s *Stack) Top() uintptr {
	return s.base + mm.PageSize + StackSize
}

// Allocator carves guarded stacks out of the kernel stack region and maps
// them into an address space. Virtual slots released by Free are reused by
// subsequent calls to New.
type Allocator struct {
	space    *vmm.AddressSpace
	reserver *vmm.RegionReserver

	mutex     sync.Spinlock
	freeSlots []uintptr
}

// NewAllocator returns an Allocator that maps stacks into space.
func NewAllocator(space *vmm.AddressSpace) *Allocator {
	return &Allocator{
		space:    space,
		reserver: vmm.NewRegionReserver(RegionStart, RegionStart+RegionSize),
	}
}

// New allocates a zeroed kernel stack. If any part of the stack cannot be
// mapped, the parts that were already mapped are unmapped again and the
// error is returned.
func (a *Allocator) New() (*Stack, *kernel.Error) {
	base, err := a.reserveSlot()
	if err != nil {
		return nil, err
	}

	if err = a.space.Map(base, mm.PageSize, mm.MappingGuard); err != nil {
		a.releaseSlot(base)
		return nil, err
	}

	if err = a.space.MapZeroed(base+mm.PageSize, StackSize, mm.MappingReadWrite); err != nil {
		a.space.Unmap(base, mm.PageSize)
		a.releaseSlot(base)
		return nil, err
	}

	if err = a.space.Map(base+mm.PageSize+StackSize, mm.PageSize, mm.MappingGuard); err != nil {
		a.space.Unmap(base, mm.PageSize+StackSize)
		a.releaseSlot(base)
		return nil, err
	}

	return &Stack{base: base, owner: a}, nil
}

// Free unmaps the stack together with its guard pages and returns the stack
// memory to the frame allocator. The stack must not be in use.
func (a *Allocator) Free(s *Stack) {
	if s.owner != a {
		kfmt.Panic(errForeignStack)
	}

	a.space.Unmap(s.base, slotSize)
	a.releaseSlot(s.base)
	s.owner = nil
}

// Available returns the number of stacks that can still be allocated before
// the kernel stack region is exhausted.
func (a *Allocator) Available() uint64 {
	a.mutex.Acquire()
	reusable := uint64(len(a.freeSlots))
	a.mutex.Release()

	return reusable + uint64(a.reserver.Remaining()/slotSize)
}

func (a *Allocator) reserveSlot() (uintptr, *kernel.Error) {
	a.mutex.Acquire()
	if n := len(a.freeSlots); n != 0 {
		base := a.freeSlots[n-1]
		a.freeSlots = a.freeSlots[:n-1]
		a.mutex.Release()
		return base, nil
	}
	a.mutex.Release()

	return a.reserver.Reserve(slotSize)
}

func (a *Allocator) releaseSlot(base uintptr) {
	a.mutex.Acquire()
	a.freeSlots = append(a.freeSlots, base)
	a.mutex.Release()
}
