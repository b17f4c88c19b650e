package main

import (
	"mycro/kernel/boot"
	"mycro/kernel/hal/hostmem"
	"mycro/kernel/kmain"
	"mycro/kernel/mm/vmm"
)

// kernelPhysBase is where the synthetic kernel image claims to be loaded.
const kernelPhysBase = uintptr(0x1000000)

// machine is an emulated computer whose RAM is a single hostmem region.
type machine struct {
	region *hostmem.Region
	info   *boot.Info
	mem    *kmain.Memory

	shootdowns     int
	shootdownPages uintptr
}

// newMachine commits size bytes of emulated RAM at base and initializes the
// memory subsystem on top of it.
func newMachine(base, size uintptr) (*machine, error) {
	region, kerr := hostmem.New(base, size)
	if kerr != nil {
		return nil, kerr
	}

	m := &machine{
		region: region,
		info:   hostmem.BootInfo(region),
	}
	m.info.Kernel = hostmem.SyntheticKernel(kernelPhysBase)

	mem, kerr := kmain.InitMemory(m.info, vmm.TLBInvalidatorFunc(m.shootdown))
	if kerr != nil {
		_ = region.Close()
		return nil, kerr
	}
	m.mem = mem

	return m, nil
}

func (m *machine) shootdown(_, pageCount uintptr) {
	m.shootdowns++
	m.shootdownPages += pageCount
}

// Close releases the emulated RAM.
func (m *machine) Close() error {
	if kerr := m.region.Close(); kerr != nil {
		return kerr
	}
	return nil
}
