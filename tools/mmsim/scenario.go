package main

import (
	"errors"
	"fmt"
	"io"

	"mycro/kernel/hal/hostmem"
	"mycro/kernel/mm"
	"mycro/kernel/mm/pmm"
	"mycro/kernel/mm/vmm"

	"github.com/spf13/cobra"
)

var errScenarioFailed = errors.New("one or more scenario checks failed")

// checker records the outcome of scenario checks.
type checker struct {
	out    io.Writer
	styles styles
	failed int
}

func (c *checker) check(ok bool, format string, args ...interface{}) {
	status := c.styles.pass.Render("PASS")
	if !ok {
		status = c.styles.fail.Render("FAIL")
		c.failed++
	}
	fmt.Fprintf(c.out, "  %s %s\n", status, fmt.Sprintf(format, args...))
}

func newScenarioCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Replay the reference allocator and mapping scenarios",
		Long: `Scenario runs two scripted checks against fresh emulated RAM:

  frames    exhaust a 16 frame allocator, free one frame and reuse it zeroed
  mapping   map two physical pages into the kernel half, query and unmap them`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := &checker{out: cmd.OutOrStdout(), styles: newStyles(opts)}

			fmt.Fprintln(c.out, c.styles.title.Render("frames"))
			if err := frameScenario(c); err != nil {
				return err
			}

			fmt.Fprintln(c.out, c.styles.title.Render("mapping"))
			if err := mappingScenario(c); err != nil {
				return err
			}

			if c.failed != 0 {
				return errScenarioFailed
			}
			return nil
		},
	}

	return cmd
}

func frameScenario(c *checker) error {
	region, kerr := hostmem.New(0x100000, 64*uintptr(mm.Kb))
	if kerr != nil {
		return kerr
	}
	defer func() { _ = region.Close() }()

	var alloc pmm.FrameAllocator
	alloc.Init(hostmem.BootInfo(region))
	c.check(alloc.FreeFrames() == 16, "allocator starts with 16 free frames (got %d)", alloc.FreeFrames())

	var (
		frames   []mm.PhysAddr[mm.Page]
		distinct = true
		inRegion = true
		seen     = make(map[uintptr]bool)
	)
	for i := 0; i < 16; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			c.check(false, "allocation %d failed: %s", i, err.Error())
			return nil
		}

		addr := frame.Addr()
		distinct = distinct && !seen[addr]
		inRegion = inRegion && addr >= 0x100000 && addr < 0x110000 && mm.IsPageAligned(addr)
		seen[addr] = true
		frames = append(frames, frame)
	}
	c.check(distinct, "16 allocations return distinct frames")
	c.check(inRegion, "every frame is page-aligned and inside [0x100000, 0x110000)")

	_, err := alloc.AllocFrame()
	c.check(err == pmm.ErrOutOfMemory, "17th allocation reports out of memory")

	// Dirty the frame through emulated RAM so that zeroing is observable.
	contents := region.Bytes()[frames[7].Addr()-region.Base():][:mm.PageSize]
	for i := range contents {
		contents[i] = 0xa5
	}

	alloc.FreeFrame(frames[7])
	frame, err := alloc.AllocZeroedFrame()
	c.check(err == nil && frame == frames[7], "freed frame 0x%x is handed out again", frames[7].Addr())

	zeroed := true
	for _, b := range contents {
		zeroed = zeroed && b == 0
	}
	c.check(zeroed, "reused frame 0x%x is zero-filled", frames[7].Addr())
	return nil
}

func mappingScenario(c *checker) error {
	const (
		virt = uintptr(0xffff800000000000)
		phys = uintptr(0x200000)
		size = uintptr(8192)
	)

	region, kerr := hostmem.New(0x400000, 2*uintptr(mm.Mb))
	if kerr != nil {
		return kerr
	}
	defer func() { _ = region.Close() }()

	frames := new(pmm.FrameAllocator)
	frames.Init(hostmem.BootInfo(region))

	var shootdowns int
	tlb := vmm.TLBInvalidatorFunc(func(uintptr, uintptr) { shootdowns++ })

	entries, kerr := vmm.NewKernelEntries(frames)
	if kerr != nil {
		return kerr
	}
	as, kerr := vmm.NewKernelAddressSpace(frames, entries, nil, tlb)
	if kerr != nil {
		return kerr
	}

	kerr = as.MapPhys(virt, phys, size, mm.MappingReadWrite)
	c.check(kerr == nil, "map 0x%x -> 0x%x (%d bytes) as read-write", virt, phys, size)

	kind, ok := as.Query(virt)
	c.check(ok && kind == mm.MappingReadWrite, "query 0x%x reports a read-write mapping", virt)

	kind, ok = as.Query(virt + mm.PageSize)
	c.check(ok && kind == mm.MappingReadWrite, "query 0x%x reports a read-write mapping", virt+mm.PageSize)

	_, ok = as.Query(virt + 2*mm.PageSize)
	c.check(!ok, "query 0x%x reports no mapping", virt+2*mm.PageSize)

	translated, kerr := as.Translate(virt + mm.PageSize + 0x10)
	c.check(kerr == nil && translated == phys+mm.PageSize+0x10, "translate 0x%x to 0x%x", virt+mm.PageSize+0x10, phys+mm.PageSize+0x10)

	freeBefore := frames.FreeFrames()
	as.Unmap(virt, size)
	_, ok = as.Query(virt)
	c.check(!ok, "query 0x%x after unmap reports no mapping", virt)
	c.check(shootdowns == 1, "unmap issues a single TLB shootdown (got %d)", shootdowns)
	c.check(frames.FreeFrames() == freeBefore, "unmapping borrowed frames does not free them")
	return nil
}
