package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"mycro/kernel/boot"
	"mycro/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTag struct {
	tagType  tagType
	contents []byte
}

// buildInfo encodes tags into a multiboot information block, appending the
// terminating tag.
func buildInfo(tags ...testTag) []byte {
	data := make([]byte, infoHeaderSize)
	tags = append(tags, testTag{tagType: tagMbSectionEnd})
	for _, tag := range tags {
		data = binary.LittleEndian.AppendUint32(data, uint32(tag.tagType))
		data = binary.LittleEndian.AppendUint32(data, uint32(tagHeaderSize+len(tag.contents)))
		data = append(data, tag.contents...)
		for len(data)%8 != 0 {
			data = append(data, 0)
		}
	}
	binary.LittleEndian.PutUint32(data, uint32(len(data)))
	return data
}

type testRegion struct {
	phys, length uint64
	mbType       uint32
}

func memoryMapTag(entrySize uint32, regions ...testRegion) testTag {
	contents := binary.LittleEndian.AppendUint32(nil, entrySize)
	contents = binary.LittleEndian.AppendUint32(contents, 0)
	for _, r := range regions {
		entry := make([]byte, entrySize)
		binary.LittleEndian.PutUint64(entry, r.phys)
		binary.LittleEndian.PutUint64(entry[8:], r.length)
		binary.LittleEndian.PutUint32(entry[16:], r.mbType)
		contents = append(contents, entry...)
	}
	return testTag{tagType: tagMemoryMap, contents: contents}
}

func framebufferTag(fb FramebufferInfo) testTag {
	contents := binary.LittleEndian.AppendUint64(nil, fb.PhysAddr)
	contents = binary.LittleEndian.AppendUint32(contents, fb.Pitch)
	contents = binary.LittleEndian.AppendUint32(contents, fb.Width)
	contents = binary.LittleEndian.AppendUint32(contents, fb.Height)
	contents = append(contents, fb.Bpp, byte(fb.Type), 0, 0)
	return testTag{tagType: tagFramebufferInfo, contents: contents}
}

// The memory map reported by qemu with 128M of RAM.
var qemuRegions = []testRegion{
	{0, 654336, mbMemAvailable},
	{654336, 1024, mbMemReserved},
	{983040, 65536, mbMemReserved},
	{1048576, 133038080, mbMemAvailable},
	{134086656, 131072, mbMemReserved},
	{4294705152, 262144, 0xff},
}

var egaFramebuffer = FramebufferInfo{PhysAddr: 0xb8000, Pitch: 160, Width: 80, Height: 25, Bpp: 16, Type: FramebufferTypeEGA}

func TestFindTagByType(t *testing.T) {
	data := buildInfo(
		testTag{tagType: tagBootCmdLine, contents: []byte{0}},
		testTag{tagType: tagBootLoaderName, contents: []byte("GRUB 2.02~beta2-9ubuntu1.6\x00")},
		memoryMapTag(24, qemuRegions...),
		framebufferTag(egaFramebuffer),
	)

	info, err := Parse(data)
	require.Nil(t, err)

	specs := []struct {
		tagType tagType
		expSize int
	}{
		{tagBootCmdLine, 1},
		{tagBootLoaderName, 27},
		{tagMemoryMap, 152},
		{tagFramebufferInfo, 24},
		{tagModules, 0},
		{tagApmTable, 0},
	}

	for specIndex, spec := range specs {
		assert.Len(t, info.findTagByType(spec.tagType), spec.expSize, "[spec %d]", specIndex)
	}
}

func TestParseErrors(t *testing.T) {
	valid := buildInfo(memoryMapTag(24, qemuRegions...))

	oversizedTag := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(oversizedTag[12:], 4096)

	undersizedTag := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(undersizedTag[12:], 4)

	missingEnd := append([]byte(nil), valid[:len(valid)-8]...)
	binary.LittleEndian.PutUint32(missingEnd, uint32(len(missingEnd)))

	specs := []struct {
		data   []byte
		expErr interface{}
	}{
		{nil, errTruncated},
		{[]byte{1, 2, 3}, errTruncated},
		{valid[:len(valid)-1], errTruncated},
		{oversizedTag, errBadTagSize},
		{undersizedTag, errBadTagSize},
		{missingEnd, errTruncated},
	}

	for specIndex, spec := range specs {
		_, err := Parse(spec.data)
		assert.Equal(t, spec.expErr, err, "[spec %d]", specIndex)
	}
}

func TestVisitMemRegions(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType boot.MemoryEntryType
	}{
		{0, 654336, boot.MemUsable},
		{654336, 1024, boot.MemReserved},
		{983040, 65536, boot.MemReserved},
		{1048576, 133038080, boot.MemUsable},
		{134086656, 131072, boot.MemReserved},
		// unknown types are reported as reserved
		{4294705152, 262144, boot.MemReserved},
	}

	// bootloaders may use larger entries than the ones defined today
	for _, entrySize := range []uint32{24, 32} {
		info, err := Parse(buildInfo(memoryMapTag(entrySize, qemuRegions...)))
		require.Nil(t, err)

		var visitCount int
		err = info.VisitMemRegions(func(entry *boot.MemoryMapEntry) bool {
			spec := specs[visitCount]
			assert.Equal(t, spec.expPhys, entry.PhysAddress, "[entry size %d] [visit %d]", entrySize, visitCount)
			assert.Equal(t, spec.expLen, entry.Length, "[entry size %d] [visit %d]", entrySize, visitCount)
			assert.Equal(t, spec.expType, entry.Type, "[entry size %d] [visit %d]", entrySize, visitCount)
			visitCount++
			return true
		})
		require.Nil(t, err)
		assert.Equal(t, len(specs), visitCount)
	}

	t.Run("abort", func(t *testing.T) {
		info, err := Parse(buildInfo(memoryMapTag(24, qemuRegions...)))
		require.Nil(t, err)

		var visitCount int
		require.Nil(t, info.VisitMemRegions(func(*boot.MemoryMapEntry) bool {
			visitCount++
			return visitCount < 2
		}))
		assert.Equal(t, 2, visitCount)
	})

	t.Run("missing or malformed map", func(t *testing.T) {
		info, err := Parse(buildInfo())
		require.Nil(t, err)
		assert.Equal(t, errNoMemoryMap, info.VisitMemRegions(func(*boot.MemoryMapEntry) bool { return true }))

		shortEntries := binary.LittleEndian.AppendUint32(nil, 16)
		shortEntries = append(shortEntries, make([]byte, 4+16)...)
		info, err = Parse(buildInfo(testTag{tagType: tagMemoryMap, contents: shortEntries}))
		require.Nil(t, err)
		assert.Equal(t, errBadEntrySize, info.VisitMemRegions(func(*boot.MemoryMapEntry) bool { return true }))
	})
}

func TestFramebufferInfo(t *testing.T) {
	info, err := Parse(buildInfo(memoryMapTag(24, qemuRegions...)))
	require.Nil(t, err)

	fb, err := info.FramebufferInfo()
	require.Nil(t, err)
	assert.Nil(t, fb)

	info, err = Parse(buildInfo(framebufferTag(egaFramebuffer)))
	require.Nil(t, err)

	fb, err = info.FramebufferInfo()
	require.Nil(t, err)
	assert.Equal(t, egaFramebuffer, *fb)

	info, err = Parse(buildInfo(testTag{tagType: tagFramebufferInfo, contents: make([]byte, 8)}))
	require.Nil(t, err)

	_, err = info.FramebufferInfo()
	assert.Equal(t, errBadFramebuffer, err)
}

func TestBootInfo(t *testing.T) {
	data := buildInfo(memoryMapTag(24, qemuRegions...), framebufferTag(egaFramebuffer))

	info, err := Parse(InfoBlock(uintptr(unsafe.Pointer(&data[0]))))
	require.Nil(t, err)

	// the kernel is loaded at region 2 start + 2K taking 1.5 pages
	kernelImage := kernelAt(0x100800, 0x1800)

	bootInfo, err := info.BootInfo(0xffff800000000000, kernelImage)
	require.Nil(t, err)

	assert.Equal(t, uintptr(0xffff800000000000), bootInfo.HHDMOffset)
	assert.Equal(t, uintptr(0), bootInfo.DirectMapBase)
	assert.Equal(t, kernelImage, bootInfo.Kernel)

	exp := []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: 654336, Type: boot.MemUsable},
		{PhysAddress: 654336, Length: 1024, Type: boot.MemReserved},
		{PhysAddress: 983040, Length: 65536, Type: boot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x2000, Type: boot.MemKernelAndModules},
		{PhysAddress: 0x102000, Length: 133038080 - 0x2000, Type: boot.MemUsable},
		{PhysAddress: 134086656, Length: 131072, Type: boot.MemReserved},
		{PhysAddress: 4294705152, Length: 262144, Type: boot.MemReserved},
		{PhysAddress: 0xb8000, Length: 4000, Type: boot.MemFramebuffer},
	}
	assert.Equal(t, exp, bootInfo.MemoryMap)

	// None of the kernel frames can reach the frame allocator.
	var usable uintptr
	bootInfo.VisitUsableRegions(func(base, length uintptr) bool {
		assert.False(t, base < 0x102000 && base+length > 0x100000, "usable region [0x%x, 0x%x) overlaps the kernel image", base, base+length)
		usable += length
		return true
	})
	assert.Equal(t, uintptr(654336&^0xfff+133038080-0x2000), usable)

	info, err = Parse(buildInfo())
	require.Nil(t, err)

	_, err = info.BootInfo(0, kernelImage)
	assert.Equal(t, errNoMemoryMap, err)
}

func kernelAt(physBase, size uintptr) boot.KernelImage {
	return boot.KernelImage{
		VirtBase: 0xffffffff80000000,
		PhysBase: physBase,
		Sections: []boot.KernelSection{{Name: ".text", Start: 0xffffffff80000000, End: 0xffffffff80000000 + size, Kind: mm.MappingCode}},
	}
}

func TestAppendCarved(t *testing.T) {
	var (
		lowMem  = boot.MemoryMapEntry{PhysAddress: 0, Length: 0x9fc00, Type: boot.MemUsable}
		highMem = boot.MemoryMapEntry{PhysAddress: 0x100000, Length: 0x7ee0000, Type: boot.MemUsable}
		bios    = boot.MemoryMapEntry{PhysAddress: 0xf0000, Length: 0x10000, Type: boot.MemReserved}
	)

	usable := func(start, end uint64) boot.MemoryMapEntry {
		return boot.MemoryMapEntry{PhysAddress: start, Length: end - start, Type: boot.MemUsable}
	}
	image := func(start, end uint64) boot.MemoryMapEntry {
		return boot.MemoryMapEntry{PhysAddress: start, Length: end - start, Type: boot.MemKernelAndModules}
	}

	specs := []struct {
		entry                  boot.MemoryMapEntry
		kernelStart, kernelEnd uint64
		exp                    []boot.MemoryMapEntry
	}{
		// no kernel image
		{highMem, 0, 0, []boot.MemoryMapEntry{highMem}},
		// kernel outside the region
		{highMem, 0x1000, 0x3000, []boot.MemoryMapEntry{highMem}},
		// only usable regions are carved
		{bios, 0xf0000, 0xf2000, []boot.MemoryMapEntry{bios}},
		// kernel at the beginning of the region
		{highMem, 0x100000, 0x102000, []boot.MemoryMapEntry{image(0x100000, 0x102000), usable(0x102000, 0x7fe0000)}},
		// kernel in the middle of the region
		{highMem, 0x1000000, 0x1058000, []boot.MemoryMapEntry{usable(0x100000, 0x1000000), image(0x1000000, 0x1058000), usable(0x1058000, 0x7fe0000)}},
		// kernel at the end of the region
		{highMem, 0x7fde000, 0x7fe0000, []boot.MemoryMapEntry{usable(0x100000, 0x7fde000), image(0x7fde000, 0x7fe0000)}},
		// kernel covers the whole region
		{highMem, 0, 0x8000000, []boot.MemoryMapEntry{image(0x100000, 0x7fe0000)}},
		// kernel extends past the end of the region
		{lowMem, 0x9f000, 0xa1000, []boot.MemoryMapEntry{usable(0, 0x9f000), image(0x9f000, 0x9fc00)}},
	}

	for specIndex, spec := range specs {
		got := appendCarved(nil, spec.entry, spec.kernelStart, spec.kernelEnd)
		assert.Equal(t, spec.exp, got, "[spec %d]", specIndex)
	}
}
