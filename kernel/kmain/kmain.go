// Package kmain wires the memory subsystem together during boot.
package kmain

import (
	"mycro/kernel"
	"mycro/kernel/boot"
	"mycro/kernel/hal/multiboot"
	"mycro/kernel/kfmt"
	"mycro/kernel/kstack"
	"mycro/kernel/mm"
	"mycro/kernel/mm/pmm"
	"mycro/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// haltFn is used by tests to intercept the final kfmt.Panic call.
	haltFn = kfmt.Panic
)

// Memory bundles the memory management state that is set up at boot. It is
// passed explicitly to every subsystem that needs to allocate frames or
// manipulate mappings.
type Memory struct {
	Frames        *pmm.FrameAllocator
	KernelEntries *vmm.KernelEntries
	Kernel        *vmm.AddressSpace
	Stacks        *kstack.Allocator
}

// InitMemory sets up the memory subsystem using the supplied boot
// information. tlb is used by the kernel address space to invalidate stale
// translations when pages are unmapped.
func InitMemory(info *boot.Info, tlb vmm.TLBInvalidator) (*Memory, *kernel.Error) {
	if err := mm.SetHHDMOffset(info.HHDMOffset); err != nil {
		return nil, err
	}

	info.PrintMemoryMap()

	mem := &Memory{Frames: new(pmm.FrameAllocator)}
	mem.Frames.Init(info)

	var err *kernel.Error
	if mem.KernelEntries, err = vmm.NewKernelEntries(mem.Frames); err != nil {
		return nil, err
	}

	if mem.Kernel, err = vmm.NewKernelAddressSpace(mem.Frames, mem.KernelEntries, info, tlb); err != nil {
		return nil, err
	}

	mem.Stacks = kstack.NewAllocator(mem.Kernel)

	kfmt.Printf("[kmain] memory ready; %d of %d frames free\n", mem.Frames.FreeFrames(), mem.Frames.TotalFrames())
	return mem, nil
}

// Kmain is invoked by the platform entry code once the bootloader has handed
// over control. Any error while initializing the memory subsystem is fatal.
//
// Kmain is not expected to return. If it does, the kernel halts.
//
//go:noinline
func Kmain(info *boot.Info, tlb vmm.TLBInvalidator) {
	if _, err := InitMemory(info, tlb); err != nil {
		haltFn(err)
		return
	}

	kfmt.Printf("Starting mycro\n")

	// Use haltFn instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	haltFn(errKmainReturned)
}

// MultibootKmain is the entry point used when the kernel is started by a
// multiboot2 bootloader. multibootInfoPtr is the physical address of the
// multiboot information block and hhdmOffset the offset at which the loader
// stub mapped all physical memory. kernelImage describes the loaded kernel
// and is built from linker symbols.
//
// MultibootKmain is not expected to return. If it does, the kernel halts.
//
//go:noinline
func MultibootKmain(multibootInfoPtr, hhdmOffset uintptr, kernelImage boot.KernelImage, tlb vmm.TLBInvalidator) {
	info, err := MultibootInfo(multibootInfoPtr, hhdmOffset, kernelImage)
	if err != nil {
		haltFn(err)
		return
	}

	Kmain(info, tlb)
}

// MultibootInfo converts the multiboot information block at the physical
// address multibootInfoPtr into boot information.
func MultibootInfo(multibootInfoPtr, hhdmOffset uintptr, kernelImage boot.KernelImage) (*boot.Info, *kernel.Error) {
	mbInfo, err := multiboot.Parse(multiboot.InfoBlock(multibootInfoPtr + hhdmOffset))
	if err != nil {
		return nil, err
	}

	return mbInfo.BootInfo(hhdmOffset, kernelImage)
}
