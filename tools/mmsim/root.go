package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"mycro/kernel/kfmt"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// globalOptions holds the flags shared by all commands.
type globalOptions struct {
	verbose bool
	noColor bool
}

// numbers formats counters with thousands separators.
var numbers = message.NewPrinter(language.English)

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "mmsim",
		Short: "Exercise the kernel memory subsystem on emulated RAM",
		Long: `mmsim reserves a window of host memory, presents it to the kernel as
physical RAM and runs the memory subsystem against it. Use it to inspect the
kernel page tables, allocate guarded stacks or replay allocator scenarios.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.verbose {
				kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: cmd.ErrOrStderr(), Prefix: []byte("kernel: ")})
				return
			}
			kfmt.SetOutputSink(io.Discard)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			kfmt.SetOutputSink(nil)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Forward kernel log output to stderr")
	cmd.PersistentFlags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(
		newBootCmd(opts),
		newScenarioCmd(opts),
		newDumpCmd(opts),
		newStackCmd(opts),
	)

	return cmd
}

// machineFlags are the flags that describe the emulated machine.
type machineFlags struct {
	base string
	size string
}

func (f *machineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", "0x100000", "Physical address of the emulated RAM")
	cmd.Flags().StringVar(&f.size, "size", "64M", "Amount of emulated RAM (suffixes: K, M, G)")
}

func (f *machineFlags) parse() (uintptr, uintptr, error) {
	base, err := parseSize(f.base)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --base: %w", err)
	}

	size, err := parseSize(f.size)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid --size: %w", err)
	}

	return base, size, nil
}

// parseSize parses a decimal or 0x-prefixed hex number with an optional
// binary K, M or G suffix.
func parseSize(s string) (uintptr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}

	multiplier := uint64(1)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		switch s[len(s)-1] {
		case 'k', 'K':
			multiplier = 1 << 10
		case 'm', 'M':
			multiplier = 1 << 20
		case 'g', 'G':
			multiplier = 1 << 30
		}
		if multiplier != 1 {
			s = s[:len(s)-1]
		}
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}

	if v != 0 && v*multiplier/multiplier != v {
		return 0, fmt.Errorf("value %s overflows", s)
	}

	return uintptr(v * multiplier), nil
}
