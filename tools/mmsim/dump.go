package main

import (
	"fmt"

	"mycro/kernel/mm"
	"mycro/kernel/mm/vmm"

	"github.com/spf13/cobra"
)

// mappingRun is a sequence of pages that are contiguous in both virtual and
// physical memory and share the same kind and ownership.
type mappingRun struct {
	first vmm.Mapping
	pages uintptr
}

func (r *mappingRun) extends(m vmm.Mapping) bool {
	next := r.first.Virt + r.pages*mm.PageSize
	if m.Virt != next || m.Kind != r.first.Kind || m.Owned != r.first.Owned {
		return false
	}

	if r.first.Kind == mm.MappingGuard {
		return true
	}
	return m.Phys == r.first.Phys+r.pages*mm.PageSize
}

// coalesceMappings merges consecutive page mappings into runs.
func coalesceMappings(as *vmm.AddressSpace) []mappingRun {
	var runs []mappingRun
	as.VisitMappings(func(m vmm.Mapping) bool {
		if n := len(runs); n != 0 && runs[n-1].extends(m) {
			runs[n-1].pages++
			return true
		}
		runs = append(runs, mappingRun{first: m, pages: 1})
		return true
	})
	return runs
}

func newDumpCmd(opts *globalOptions) *cobra.Command {
	var flags machineFlags

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the kernel address space mappings",
		Long: `Dump boots the memory subsystem and walks the kernel page tables. Pages
that are contiguous in both virtual and physical memory are printed as a single
run.`,
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

			runs := coalesceMappings(m.mem.Kernel)
			fmt.Fprintln(out, s.title.Render(numbers.Sprintf("Kernel address space (%d runs)", len(runs))))
			for _, run := range runs {
				end := run.first.Virt + run.pages*mm.PageSize
				kind := s.value.Render(fmt.Sprintf("%-11s", run.first.Kind.String()))
				if run.first.Kind == mm.MappingGuard {
					kind = s.guard.Render(fmt.Sprintf("%-11s", run.first.Kind.String()))
				}

				target := s.muted.Render("-")
				if run.first.Kind != mm.MappingGuard {
					target = fmt.Sprintf("0x%x", run.first.Phys)
					if run.first.Owned {
						target += s.muted.Render(" (owned)")
					}
				}

				fmt.Fprintf(out, "  [0x%016x - 0x%016x] %s %8s pages -> %s\n",
					run.first.Virt, end, kind, numbers.Sprintf("%d", run.pages), target,
				)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}
