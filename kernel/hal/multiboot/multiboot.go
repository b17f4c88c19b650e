// Package multiboot converts the information block that a multiboot2
// compliant bootloader hands over to the kernel into a boot.Info.
package multiboot

import (
	"encoding/binary"
	"unsafe"

	"mycro/kernel"
	"mycro/kernel/boot"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

const (
	// infoHeaderSize is the size of the total_size and reserved fields
	// that precede the first tag.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry_size and entry_version
	// fields of the memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the minimum size of a memory map entry.
	mmapEntrySize = 20

	// framebufferTagSize is the minimum size of the common part of the
	// framebuffer tag contents.
	framebufferTagSize = 22
)

// multiboot memory region types.
const (
	mbMemAvailable uint32 = iota + 1
	mbMemReserved
	mbMemAcpiReclaimable
	mbMemNvs
	mbMemBad
)

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FramebufferTypeIndexed specifies a 256-color palette.
	FramebufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the framebuffer initialized by
// the bootloader.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

var (
	errTruncated      = &kernel.Error{Module: "multiboot", Message: "info block is truncated"}
	errBadTagSize     = &kernel.Error{Module: "multiboot", Message: "tag size exceeds the info block"}
	errBadEntrySize   = &kernel.Error{Module: "multiboot", Message: "invalid memory map entry size"}
	errNoMemoryMap    = &kernel.Error{Module: "multiboot", Message: "bootloader did not provide a memory map"}
	errBadFramebuffer = &kernel.Error{Module: "multiboot", Message: "framebuffer tag is truncated"}
)

// InfoBlock returns the multiboot information block located at ptr. The
// first word of the block holds its total size.
func InfoBlock(ptr uintptr) []byte {
	totalSize := *(*uint32)(unsafe.Pointer(ptr))
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), totalSize)
}

// Info is a parsed multiboot information block.
type Info struct {
	data []byte
}

// Parse validates the tag list in data.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errTruncated
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if totalSize < infoHeaderSize || uint64(totalSize) > uint64(len(data)) {
		return nil, errTruncated
	}
	info := &Info{data: data[:totalSize]}

	// Walk the tags once so that later lookups can trust tag sizes.
	for offset := uintptr(infoHeaderSize); ; {
		if offset+tagHeaderSize > uintptr(len(info.data)) {
			return nil, errTruncated
		}

		tag, size := info.tagAt(offset)
		if size < tagHeaderSize || offset+uintptr(size) > uintptr(len(info.data)) {
			return nil, errBadTagSize
		}

		if tag == tagMbSectionEnd {
			return info, nil
		}

		// Tags are aligned at 8-byte aligned addresses
		offset += uintptr((size + 7) &^ 7)
	}
}

func (info *Info) tagAt(offset uintptr) (tagType, uint32) {
	return tagType(binary.LittleEndian.Uint32(info.data[offset:])), binary.LittleEndian.Uint32(info.data[offset+4:])
}

// findTagByType scans the tag list looking for a tag of the specified type.
// It returns the tag contents excluding the tag header or nil if the tag is
// not present.
func (info *Info) findTagByType(want tagType) []byte {
	for offset := uintptr(infoHeaderSize); ; {
		tag, size := info.tagAt(offset)
		switch tag {
		case tagMbSectionEnd:
			return nil
		case want:
			return info.data[offset+tagHeaderSize : offset+uintptr(size)]
		}

		offset += uintptr((size + 7) &^ 7)
	}
}

// VisitMemRegions invokes visitor for each memory region reported by the
// bootloader. Multiboot region types are translated to the kernel's memory
// entry types and unknown types are reported as reserved.
func (info *Info) VisitMemRegions(visitor boot.MemRegionVisitor) *kernel.Error {
	contents := info.findTagByType(tagMemoryMap)
	if contents == nil {
		return errNoMemoryMap
	}
	if len(contents) < mmapHeaderSize {
		return errBadEntrySize
	}

	entrySize := uintptr(binary.LittleEndian.Uint32(contents))
	if entrySize < mmapEntrySize {
		return errBadEntrySize
	}

	for offset := uintptr(mmapHeaderSize); offset+entrySize <= uintptr(len(contents)); offset += entrySize {
		raw := contents[offset:]
		entry := boot.MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(raw),
			Length:      binary.LittleEndian.Uint64(raw[8:]),
			Type:        entryType(binary.LittleEndian.Uint32(raw[16:])),
		}

		if !visitor(&entry) {
			break
		}
	}

	return nil
}

func entryType(mbType uint32) boot.MemoryEntryType {
	switch mbType {
	case mbMemAvailable:
		return boot.MemUsable
	case mbMemAcpiReclaimable:
		return boot.MemAcpiReclaimable
	case mbMemNvs:
		return boot.MemAcpiNvs
	case mbMemBad:
		return boot.MemBadMemory
	default:
		return boot.MemReserved
	}
}

// FramebufferInfo returns information about the framebuffer initialized by
// the bootloader. It returns nil if no framebuffer info is available.
func (info *Info) FramebufferInfo() (*FramebufferInfo, *kernel.Error) {
	contents := info.findTagByType(tagFramebufferInfo)
	if contents == nil {
		return nil, nil
	}
	if len(contents) < framebufferTagSize {
		return nil, errBadFramebuffer
	}

	return &FramebufferInfo{
		PhysAddr: binary.LittleEndian.Uint64(contents),
		Pitch:    binary.LittleEndian.Uint32(contents[8:]),
		Width:    binary.LittleEndian.Uint32(contents[12:]),
		Height:   binary.LittleEndian.Uint32(contents[16:]),
		Bpp:      contents[20],
		Type:     FramebufferType(contents[21]),
	}, nil
}

// BootInfo assembles the boot information used by the memory subsystem. The
// bootloader stub must have mapped all physical memory at hhdmOffset before
// handing over control.
//
// Multiboot reports the frames holding the loaded kernel image as available
// memory. BootInfo carves the image out of the usable regions and reports it
// as a MemKernelAndModules entry so that the frame allocator never hands it
// out. The framebuffer, if any, is appended to the memory map so that it is
// mapped uncached.
func (info *Info) BootInfo(hhdmOffset uintptr, kernelImage boot.KernelImage) (*boot.Info, *kernel.Error) {
	bootInfo := &boot.Info{
		HHDMOffset: hhdmOffset,
		Kernel:     kernelImage,
	}

	kernelStart, kernelEnd := kernelImage.PhysRange()
	if err := info.VisitMemRegions(func(entry *boot.MemoryMapEntry) bool {
		bootInfo.MemoryMap = appendCarved(bootInfo.MemoryMap, *entry, uint64(kernelStart), uint64(kernelEnd))
		return true
	}); err != nil {
		return nil, err
	}

	fb, err := info.FramebufferInfo()
	if err != nil {
		return nil, err
	}
	if fb != nil {
		bootInfo.MemoryMap = append(bootInfo.MemoryMap, boot.MemoryMapEntry{
			PhysAddress: fb.PhysAddr,
			Length:      uint64(fb.Pitch) * uint64(fb.Height),
			Type:        boot.MemFramebuffer,
		})
	}

	return bootInfo, nil
}

// appendCarved appends entry to memMap. If entry is usable and overlaps the
// kernel image range [kernelStart, kernelEnd), it is split so that the
// overlapping part is reported as kernel memory.
func appendCarved(memMap []boot.MemoryMapEntry, entry boot.MemoryMapEntry, kernelStart, kernelEnd uint64) []boot.MemoryMapEntry {
	start, end := entry.PhysAddress, entry.PhysAddress+entry.Length
	if entry.Type != boot.MemUsable || kernelEnd <= start || kernelStart >= end {
		return append(memMap, entry)
	}

	if start < kernelStart {
		memMap = append(memMap, boot.MemoryMapEntry{PhysAddress: start, Length: kernelStart - start, Type: boot.MemUsable})
	}

	imageStart, imageEnd := max(start, kernelStart), min(end, kernelEnd)
	memMap = append(memMap, boot.MemoryMapEntry{PhysAddress: imageStart, Length: imageEnd - imageStart, Type: boot.MemKernelAndModules})

	if end > kernelEnd {
		memMap = append(memMap, boot.MemoryMapEntry{PhysAddress: kernelEnd, Length: end - kernelEnd, Type: boot.MemUsable})
	}

	return memMap
}
