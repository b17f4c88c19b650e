// Command mmsim boots the kernel memory subsystem on emulated RAM and
// exercises it from the host. It is used to inspect page table layouts and
// to reproduce allocator and mapper scenarios without a virtual machine.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
