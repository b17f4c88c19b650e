package mm

import (
	"unsafe"

	"mycro/kernel"
	"mycro/kernel/kfmt"
)

var (
	errPhysAddrTooLarge   = &kernel.Error{Module: "mm", Message: "physical address exceeds the supported physical address range"}
	errPhysAddrMisaligned = &kernel.Error{Module: "mm", Message: "physical address is not aligned for its pointee type"}
)

// Page is an opaque, page-aligned block of physical memory. Pages are never
// constructed directly; they are referenced through a PhysAddr[Page].
type Page [PageSize]byte

// PhysAlign implements PhysAligner.
func (*Page) PhysAlign() uintptr { return PageSize }

// PhysAligner is implemented by pointee types whose physical alignment is
// stricter than what unsafe.Alignof reports (e.g. pages and page tables).
type PhysAligner interface {
	PhysAlign() uintptr
}

// PhysAddr is a validated physical address pointing to a value of type T.
// PhysAddr values are plain values; they carry no ownership.
type PhysAddr[T any] struct {
	addr uintptr
}

// NewPhysAddr returns a PhysAddr for addr. NewPhysAddr halts the kernel if
// addr is not aligned for T or lies outside the supported physical address
// range.
func NewPhysAddr[T any](addr uintptr) PhysAddr[T] {
	if addr >= MaxPhysAddr {
		kfmt.Panic(errPhysAddrTooLarge)
	}

	if addr%alignOf[T]() != 0 {
		kfmt.Panic(errPhysAddrMisaligned)
	}

	return PhysAddr[T]{addr: addr}
}

// Cast reinterprets p as pointing to a value of type U. The address is not
// re-validated, so callers must ensure that U's alignment requirements are
// compatible with the address.
func Cast[U, T any](p PhysAddr[T]) PhysAddr[U] {
	return PhysAddr[U]{addr: p.addr}
}

// Addr returns the numeric physical address.
func (p PhysAddr[T]) Addr() uintptr {
	return p.addr
}

// VirtAddr returns the virtual address through which the kernel can access
// p using the higher half direct map.
func (p PhysAddr[T]) VirtAddr() uintptr {
	return p.addr + HHDMOffset()
}

// Ptr returns a pointer to the value at p using the higher half direct map.
// Dereferencing the returned pointer is only safe if the memory at p is
// covered by the direct map and actually holds a value of type T.
func (p PhysAddr[T]) Ptr() *T {
	return (*T)(unsafe.Pointer(p.VirtAddr()))
}

// Add returns a PhysAddr that is count values of type T after p.
func (p PhysAddr[T]) Add(count uintptr) PhysAddr[T] {
	return NewPhysAddr[T](p.addr + count*sizeOf[T]())
}

// ByteAdd returns a PhysAddr that is count bytes after p.
func (p PhysAddr[T]) ByteAdd(count uintptr) PhysAddr[T] {
	return NewPhysAddr[T](p.addr + count)
}

// String implements fmt.Stringer for PhysAddr.
func (p PhysAddr[T]) String() string {
	const digits = "0123456789abcdef"

	var buf [2 + 16]byte
	buf[0], buf[1] = '0', 'x'
	for i, shift := 2, 60; shift >= 0; i, shift = i+1, shift-4 {
		buf[i] = digits[(p.addr>>uint(shift))&0xf]
	}
	return "PhysAddr(" + string(buf[:]) + ")"
}

func alignOf[T any]() uintptr {
	if a, ok := any((*T)(nil)).(PhysAligner); ok {
		return a.PhysAlign()
	}

	var zero T
	return unsafe.Alignof(zero)
}

func sizeOf[T any]() uintptr {
	var zero T
	return unsafe.Sizeof(zero)
}
