package main

import (
	"fmt"

	"mycro/kernel/kstack"
	"mycro/kernel/mm"

	"github.com/spf13/cobra"
)

func newStackCmd(opts *globalOptions) *cobra.Command {
	var (
		flags machineFlags
		count int
	)

	cmd := &cobra.Command{
		Use:   "stack",
		Short: "Allocate guarded kernel stacks and print their layout",
		Long: `Stack boots the memory subsystem, allocates the requested number of kernel
stacks, prints where their guard pages and usable ranges live and frees them
again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count <= 0 {
				return fmt.Errorf("invalid --count %d: must be positive", count)
			}

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
			freeBefore := m.mem.Frames.FreeFrames()

			stacks := make([]*kstack.Stack, 0, count)
			defer func() {
				for _, stack := range stacks {
					m.mem.Stacks.Free(stack)
				}
			}()

			for i := 0; i < count; i++ {
				stack, kerr := m.mem.Stacks.New()
				if kerr != nil {
					return fmt.Errorf("stack %d: %w", i, kerr)
				}
				stacks = append(stacks, stack)

				fmt.Fprintf(out, "%s %s [0x%x - 0x%x) %s [0x%x - 0x%x) %s [0x%x - 0x%x)\n",
					s.title.Render(fmt.Sprintf("stack %d", i)),
					s.guard.Render("guard"), stack.Bottom()-mm.PageSize, stack.Bottom(),
					s.value.Render("usable"), stack.Bottom(), stack.Top(),
					s.guard.Render("guard"), stack.Top(), stack.Top()+mm.PageSize,
				)
			}

			fmt.Fprintln(out, s.keyValues(
				[2]string{"Stack size", numbers.Sprintf("%d KiB", uint64(kstack.StackSize/uintptr(mm.Kb)))},
				[2]string{"Frames used", numbers.Sprintf("%d", freeBefore-m.mem.Frames.FreeFrames())},
				[2]string{"Stacks left", numbers.Sprintf("%d", m.mem.Stacks.Available())},
			))
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 2, "Number of stacks to allocate")
	return cmd
}
