// restruc recovers struct definitions from a stripped PE32+ executable by
// static control-flow reconstruction, symbolic context propagation, and
// memory-access clustering.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"restruc/internal/pex"
	"restruc/internal/recontex"
	"restruc/internal/reflo"
	"restruc/internal/restruc"
)

var (
	maxThreads int
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "restruc <path-to-pe>",
	Short:         "recover struct definitions from a stripped PE32+ executable",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&maxThreads, "max-threads", 0, "max flos analyzed concurrently (default: number of CPUs)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose diagnostics")
	rootCmd.AddCommand(dumpCmd, cfgCmd)
}

func main() {
	log.SetHandler(cli.New(os.Stderr))
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	im, err := pex.Open(path)
	if err != nil {
		return err
	}

	rf := reflo.New(im)
	fmt.Println("// Reflo::analyze ...")
	start := time.Now()
	if err := rf.Analyze(); err != nil {
		return err
	}
	lo, hi := rf.AnalyzedBounds()
	fmt.Printf("// Analyzed: [%08x; %08x], %d functions in %dms\n",
		lo, hi, len(rf.Flos()), time.Since(start).Milliseconds())

	rc := recontex.New(rf)
	rc.SetMaxThreads(maxThreads)
	fmt.Println("// Recontex::analyze ...")
	start = time.Now()
	if err := rc.Analyze(); err != nil {
		return err
	}
	fmt.Printf("// Analyzed %d functions in %dms\n",
		len(rf.Flos()), time.Since(start).Milliseconds())

	rs := restruc.New(rf, rc, im)
	rs.SetMaxThreads(maxThreads)
	fmt.Println("// Restruc::analyze ...")
	start = time.Now()
	if err := rs.Analyze(); err != nil {
		return err
	}
	fmt.Printf("// Analyzed %d functions in %dms\n",
		len(rf.Flos()), time.Since(start).Milliseconds())
	fmt.Printf("// Recovered %d structures\n\n", len(rs.Strucs()))

	rs.Dump(os.Stdout)
	return nil
}
