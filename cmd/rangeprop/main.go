// Command rangeprop runs value set analysis over a p-code listing and
// prints the value range of every varnode the returned values depend on.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/decomp-tools/rangeprop/config"
	"github.com/decomp-tools/rangeprop/pcode"
	"github.com/decomp-tools/rangeprop/version"
	"github.com/decomp-tools/rangeprop/vsa"
)

var rootCmd = &cobra.Command{
	Use:   "rangeprop [listing]",
	Short: "Propagate value ranges through a p-code listing.",
	Long: `rangeprop parses a p-code function listing, solves for the sets of
values each varnode can hold, and prints the result. With no argument the
listing is read from standard input.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().StringP("frame", "f", "", "input varnode to treat as the frame pointer")
	rootCmd.Flags().Int("max-iterations", 0, "iteration budget for the solver")
	rootCmd.Flags().Uint64("max-step", 0, "largest stride tracked in a range")
	rootCmd.Flags().BoolP("verbose", "v", false, "trace the solver iteration")
	rootCmd.Flags().Bool("version", false, "print version and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			version.Verbose()
		} else {
			version.Print()
		}
		return nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return fmt.Errorf("loading config: %v", err)
	}

	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose || cfg.Output.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var in io.Reader = cmd.InOrStdin()
	name := "<stdin>"
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in, name = f, args[0]
	}

	fn, sinks, err := pcode.Parse(in)
	if err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	if len(sinks) == 0 {
		return fmt.Errorf("%s: listing returns no varnodes", name)
	}

	frameName, _ := cmd.Flags().GetString("frame")
	if frameName == "" {
		frameName = cfg.Output.FrameRegister
	}
	var frameReg *pcode.Varnode
	if frameName != "" {
		for _, vn := range fn.Varnodes() {
			if vn.Name() == frameName {
				frameReg = vn
				break
			}
		}
		if frameReg == nil {
			return fmt.Errorf("%s: frame register %q not in listing", name, frameName)
		}
	}

	solver := vsa.ValueSetSolver{
		MaxIterations: cfg.Solver.MaxIterations,
		MaxStep:       cfg.Solver.MaxStep,
		Logger:        log,
	}
	if n, _ := cmd.Flags().GetInt("max-iterations"); n > 0 {
		solver.MaxIterations = n
	}
	if n, _ := cmd.Flags().GetUint64("max-step"); n > 0 {
		solver.MaxStep = n
	}

	solver.EstablishValueSets(fn, sinks, frameReg)
	res := solver.Solve()
	log.WithFields(logrus.Fields{
		"function":   fn.Name(),
		"iterations": solver.NumIterations(),
		"result":     res.String(),
	}).Debug("solve finished")
	if res == vsa.Capped {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: iteration budget exhausted, ranges may be unstable\n", fn.Name())
	}

	sets := slices.Clone(solver.ValueSets())
	slices.SortFunc(sets, func(a, b *vsa.ValueSet) int {
		return strings.Compare(a.Varnode().Name(), b.Varnode().Name())
	})
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "function %s\n", fn.Name())
	for _, vs := range sets {
		fmt.Fprintf(w, "  %s\n", vs)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
