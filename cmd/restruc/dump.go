package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/arch/x86/x86asm"

	"restruc/internal/pex"
	"restruc/internal/reflo"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <path-to-pe>",
	Short: "disassemble every reconstructed function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		im, err := pex.Open(args[0])
		if err != nil {
			return err
		}
		rf := reflo.New(im)
		if err := rf.Analyze(); err != nil {
			return err
		}
		for _, entry := range rf.SortedEntries() {
			flo := rf.FloByEntry(entry)
			entryVA, err := im.RawToVirtual(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(os.Stdout, "%08x:\n", entryVA)
			for _, addr := range flo.Order() {
				in := flo.InstAt(addr)
				va, err := im.RawToVirtual(addr)
				if err != nil {
					continue
				}
				fmt.Fprintf(os.Stdout, "%08x    %s\n", va, x86asm.IntelSyntax(in.Inst, uint64(va), nil))
			}
			fmt.Fprintln(os.Stdout)
		}
		return nil
	},
}
