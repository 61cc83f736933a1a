package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/optimize"
)

// OptimizeOptions holds flags for the optimize command.
type OptimizeOptions struct {
	*RootOptions
	Database     string
	Intersection string
	Algorithm    string
	Seed         uint64
	Volumes      []float64
	Queues       []float64
	Waits        []float64
	Emergency    []float64
	List         bool
}

// OfflineResult is the output of an optimization run on flag conditions.
type OfflineResult struct {
	Algorithm  string              `json:"algorithm"`
	Parameters map[string]float64  `json:"parameters"`
	Conditions optimize.Conditions `json:"conditions"`
	Result     optimize.Result     `json:"result"`
}

// NewOptimizeCommand creates the optimize command.
func NewOptimizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OptimizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Compute a green split offline",
		Long: `Run a signal timing optimizer.

With --volumes, --queues and --waits (one value per phase) the optimizer
runs on those conditions alone and nothing is stored.

With --intersection the coordinator state is restored from the database,
the optimizer runs on the observed demand, and the run and resulting plan
are recorded. The plan is active the next time serve starts.

Examples:
  signalflow optimize --list
  signalflow optimize --volumes 120,80 --queues 12,6 --waits 40,25 --seed 7
  signalflow optimize --intersection int-001 --algorithm proportional`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeded := cmd.Flags().Changed("seed")
			return runOptimize(cmd.Context(), opts, seeded, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVarP(&opts.Intersection, "intersection", "i", "", "optimize a stored intersection")
	cmd.Flags().StringVarP(&opts.Algorithm, "algorithm", "a", "", "algorithm name (default from settings, else afsa)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed for a reproducible swarm")
	cmd.Flags().Float64SliceVar(&opts.Volumes, "volumes", nil, "per-phase traffic volumes")
	cmd.Flags().Float64SliceVar(&opts.Queues, "queues", nil, "per-phase queue lengths")
	cmd.Flags().Float64SliceVar(&opts.Waits, "waits", nil, "per-phase waiting times")
	cmd.Flags().Float64SliceVar(&opts.Emergency, "emergency", nil, "per-phase emergency priority")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list available algorithms")

	return cmd
}

func runOptimize(ctx context.Context, opts *OptimizeOptions, seeded bool, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	var algOpts []optimize.Option
	if seeded {
		algOpts = append(algOpts, optimize.WithSeed(opts.Seed))
	}

	switch {
	case opts.List:
		return outputCatalogue(formatter)
	case opts.Intersection != "":
		return optimizeStored(ctx, opts, algOpts, formatter)
	case len(opts.Volumes) > 0:
		return optimizeOffline(ctx, opts, algOpts, formatter)
	}
	_ = formatter.Error(ErrCodeInvalidInput, "one of --list, --intersection or --volumes is required", nil)
	return NewExitError(ExitCommandError, "one of --list, --intersection or --volumes is required")
}

func outputCatalogue(formatter *OutputFormatter) error {
	algs := optimize.Catalogue()
	if formatter.JSON() {
		return formatter.Success(map[string]any{"algorithms": algs, "count": len(algs)})
	}
	rows := make([][]string, len(algs))
	for i, a := range algs {
		rows[i] = []string{a.Name, a.Description}
	}
	return formatter.Table([]string{"name", "description"}, rows)
}

func optimizeOffline(ctx context.Context, opts *OptimizeOptions, algOpts []optimize.Option, formatter *OutputFormatter) error {
	name := opts.Algorithm
	if name == "" {
		name = optimize.AlgorithmAFSA
	}
	cond := optimize.Conditions{
		Volumes:   opts.Volumes,
		Queues:    opts.Queues,
		Waits:     opts.Waits,
		Emergency: opts.Emergency,
	}
	if err := cond.Validate(); err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid conditions", err)
	}

	alg, err := optimize.Lookup(name, algOpts...)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "unknown algorithm", err)
	}
	formatter.VerboseLog("Running %s on %d phase(s)", name, cond.Phases())

	res, err := alg.Optimize(ctx, cond)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitFailure, "optimization failed", err)
	}

	out := OfflineResult{Algorithm: name, Parameters: alg.Parameters(), Conditions: cond, Result: res}
	if formatter.JSON() {
		return formatter.Success(out)
	}

	rows := make([][]string, len(res.GreenTimes))
	for i := range res.GreenTimes {
		rows[i] = []string{
			"phase_" + strconv.Itoa(i),
			strconv.FormatFloat(res.GreenTimes[i], 'f', 1, 64),
			strconv.FormatFloat(res.PhaseProportions[i]*100, 'f', 1, 64) + "%",
		}
	}
	if err := formatter.Table([]string{"phase", "green", "share"}, rows); err != nil {
		return err
	}
	w := formatter.Writer
	fmt.Fprintf(w, "\n%s: cycle %.1fs, fitness %.4f\n", name, res.CycleTime, res.Fitness)
	printImprovements(formatter, res.Improvements)
	return nil
}

func optimizeStored(ctx context.Context, opts *OptimizeOptions, algOpts []optimize.Option, formatter *OutputFormatter) error {
	st, _, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st, engine.WithOptimizerOptions(algOpts...))
	report, err := eng.Restore(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to restore engine state", err)
	}
	formatter.VerboseLog("Restored %d intersection(s), %d sample(s)", report.Intersections, report.Samples)

	ev := engine.Event{Type: engine.EventOptimize, IntersectionID: opts.Intersection, Algorithm: opts.Algorithm}
	if len(opts.Volumes) > 0 {
		ev.Conditions = &optimize.Conditions{
			Volumes:   opts.Volumes,
			Queues:    opts.Queues,
			Waits:     opts.Waits,
			Emergency: opts.Emergency,
		}
		if err := ev.Conditions.Validate(); err != nil {
			_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
			return WrapExitError(ExitCommandError, "invalid conditions", err)
		}
	}

	v, err := eng.Process(ctx, ev)
	if err != nil {
		code := string(engine.CodeOf(err))
		if code == "" {
			code = ErrCodeGeneric
		}
		_ = formatter.Error(code, err.Error(), nil)
		return WrapExitError(ExitFailure, "optimization failed", err)
	}
	out := v.(engine.OptimizeOutcome)

	if formatter.JSON() {
		return formatter.Success(out)
	}

	phases := make([]string, 0, len(out.Run.Result.GreenTimes))
	for phase := range out.Run.Result.GreenTimes {
		phases = append(phases, phase)
	}
	sort.Strings(phases)
	rows := make([][]string, len(phases))
	for i, phase := range phases {
		rows[i] = []string{
			phase,
			strconv.FormatFloat(out.Run.Result.GreenTimes[phase], 'f', 1, 64),
			strconv.FormatFloat(out.Run.Result.PhaseProportions[phase]*100, 'f', 1, 64) + "%",
		}
	}
	if err := formatter.Table([]string{"phase", "green", "share"}, rows); err != nil {
		return err
	}
	w := formatter.Writer
	fmt.Fprintf(w, "\nrun %s (%s): cycle %.1fs, fitness %.4f\n", out.Run.ID, out.Run.Algorithm, out.Run.Result.CycleTime, out.Run.Result.Fitness)
	printImprovements(formatter, out.Run.Result.Improvements)
	if out.Plan != nil {
		fmt.Fprintf(w, "✓ plan %s active for %s, cycle %ss\n", out.Plan.ID, out.Plan.IntersectionID, formatSeconds(out.Plan.CycleLength))
	} else {
		fmt.Fprintln(w, "! result not applied: it does not fit the intersection's phases or green wave")
	}
	return nil
}

func printImprovements(formatter *OutputFormatter, improvements map[string]float64) {
	keys := make([]string, 0, len(improvements))
	for k := range improvements {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(formatter.Writer, "  %s: %.1f%%\n", k, improvements[k])
	}
}
