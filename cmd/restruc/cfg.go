package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"restruc/internal/callgraph"
	"restruc/internal/pex"
	"restruc/internal/reflo"
)

var cfgOut string

var cfgCmd = &cobra.Command{
	Use:   "cfg <path-to-pe>",
	Short: "write call-graph and per-function CFG DOT files",
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
		if err := os.MkdirAll(cfgOut, 0755); err != nil {
			return fmt.Errorf("mkdir out: %w", err)
		}

		cg := callgraph.BuildCallGraph(rf, im)
		cgPath := filepath.Join(cfgOut, "callgraph.dot")
		if err := os.WriteFile(cgPath, []byte(render.DOT(cg, "callgraph")), 0644); err != nil {
			return fmt.Errorf("write callgraph dot: %w", err)
		}

		count := 0
		for _, entry := range rf.SortedEntries() {
			flo := rf.FloByEntry(entry)
			name := callgraph.FloName(im, entry)
			lcfg, nblocks := callgraph.BuildFloCFG(rf, im, flo)
			if nblocks <= 1 {
				continue
			}
			g := &lattice.CFGGraph{Funcs: []*lattice.FuncCFG{lcfg}}
			dotPath := filepath.Join(cfgOut, name+".dot")
			if err := os.WriteFile(dotPath, []byte(render.DOTCFG(g, name)), 0644); err != nil {
				return fmt.Errorf("write cfg dot %s: %w", name, err)
			}
			count++
		}
		fmt.Fprintf(os.Stderr, "wrote %d CFGs and callgraph to %s\n", count, cfgOut)
		return nil
	},
}

func init() {
	cfgCmd.Flags().StringVar(&cfgOut, "out", "cfg", "output directory for DOT files")
}
