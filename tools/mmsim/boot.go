package main

import (
	"fmt"

	"mycro/kernel/boot"
	"mycro/kernel/mm"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newBootCmd(opts *globalOptions) *cobra.Command {
	var flags machineFlags

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory subsystem and print a summary",
		Long: `Boot commits the emulated RAM, initializes the frame allocator and the
kernel address space and prints the memory map and frame usage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, size, err := flags.parse()
			if err != nil {
				return err
			}

			m, err := newMachine(base, size)
			if err != nil {
				return err
			}
			defer m.Close()

			s := newStyles(opts)
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, s.title.Render("Memory map"))
			m.info.VisitMemRegions(func(entry *boot.MemoryMapEntry) bool {
				fmt.Fprintf(out, "  [0x%012x - 0x%012x] %s %s\n",
					entry.PhysAddress,
					entry.PhysAddress+entry.Length,
					s.value.Render(numbers.Sprintf("%12d", entry.Length)),
					s.label.Render(entry.Type.String()),
				)
				return true
			})

			var bootMapped uintptr
			m.info.VisitVirtualMappings(func(vm boot.VirtualMapping) bool {
				bootMapped += vm.Size
				return true
			})

			frames := m.mem.Frames
			used := frames.TotalFrames() - frames.FreeFrames()
			summary := s.keyValues(
				[2]string{"HHDM offset", fmt.Sprintf("0x%x", m.info.HHDMOffset)},
				[2]string{"Direct map", fmt.Sprintf("0x%x", m.info.DirectMapBase)},
				[2]string{"Root table", fmt.Sprintf("0x%x", m.mem.Kernel.RootTablePhysAddr().Addr())},
				[2]string{"Boot mappings", numbers.Sprintf("%d KiB", uint64(bootMapped/uintptr(mm.Kb)))},
				[2]string{"Total frames", numbers.Sprintf("%d", frames.TotalFrames())},
				[2]string{"Free frames", numbers.Sprintf("%d", frames.FreeFrames())},
				[2]string{"Page table frames", numbers.Sprintf("%d", used)},
			)

			fmt.Fprintln(out)
			fmt.Fprintln(out, s.box.Render(lipgloss.JoinVertical(lipgloss.Left, s.title.Render("Frames"), summary)))
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
