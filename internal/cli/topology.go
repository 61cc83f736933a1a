package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/compiler"
	"github.com/roach88/signalflow/internal/store"
)

// TopologyValidation is the validate command's JSON payload.
type TopologyValidation struct {
	Valid         bool                        `json:"valid"`
	Intersections int                         `json:"intersections"`
	Files         int                         `json:"files"`
	Errors        []compiler.ValidationError  `json:"errors,omitempty"`
	Warnings      []compiler.AdjacencyWarning `json:"warnings,omitempty"`
	Networks      [][]string                  `json:"networks,omitempty"`
}

// TopologyLoadResult is the load command's JSON payload.
type TopologyLoadResult struct {
	Database      string   `json:"database"`
	Intersections []string `json:"intersections"`
	Deactivated   []string `json:"deactivated,omitempty"`
}

// TopologyLoadOptions holds flags for topology load.
type TopologyLoadOptions struct {
	*RootOptions
	Database string
	Prune    bool // deactivate stored intersections absent from the topology
}

// NewTopologyCommand creates the topology command group.
func NewTopologyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topology",
		Short: "Validate and load CUE intersection topologies",
	}
	cmd.AddCommand(newTopologyValidateCommand(rootOpts))
	cmd.AddCommand(newTopologyLoadCommand(rootOpts))
	return cmd
}

func newTopologyValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a topology file or directory",
		Long: `Compile CUE topology files and check them without touching the database.

Errors (E2xx) fail the command. Adjacency problems are reported as
warnings since one-way streets and boundary intersections are legitimate.

Examples:
  signalflow topology validate ./topology
  signalflow topology validate ./topology/downtown.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopologyValidate(rootOpts, args[0], cmd)
		},
	}
}

func runTopologyValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, err := LoadTopology(path)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	formatter.VerboseLog("Compiled %d intersection(s) from %d file(s)", len(result.Intersections), len(result.Files))

	payload := TopologyValidation{
		Valid:         result.Valid(),
		Intersections: len(result.Intersections),
		Files:         len(result.Files),
		Errors:        result.Errors,
		Warnings:      result.Warnings,
		Networks:      compiler.Networks(result.Intersections),
	}

	if formatter.JSON() {
		if !payload.Valid {
			_ = formatter.Error(result.Errors[0].Code, fmt.Sprintf("%d validation error(s)", len(result.Errors)), payload)
			return NewExitError(ExitFailure, "validation failed")
		}
		return formatter.Success(payload)
	}

	w := cmd.OutOrStdout()
	for _, e := range result.Errors {
		fmt.Fprintf(w, "✗ %s\n", e.Error())
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "! %s: %s\n", warn.Level, warn.Message)
	}
	if !payload.Valid {
		fmt.Fprintf(w, "\n%d error(s) in %d intersection(s)\n", len(result.Errors), payload.Intersections)
		return NewExitError(ExitFailure, "validation failed")
	}
	fmt.Fprintf(w, "✓ %d intersection(s) valid in %d network(s)\n", payload.Intersections, len(payload.Networks))
	return nil
}

func newTopologyLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TopologyLoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <path>",
		Short: "Validate a topology and write it to the database",
		Long: `Validate a topology and upsert every intersection and its signals.

Signal lamp state is preserved for existing approaches. With --prune,
stored intersections missing from the topology are deactivated.

Examples:
  signalflow topology load ./topology
  signalflow topology load ./topology --db /var/lib/signalflow/signalflow.db --prune`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopologyLoad(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.Prune, "prune", false, "deactivate intersections absent from the topology")
	return cmd
}

func runTopologyLoad(ctx context.Context, opts *TopologyLoadOptions, path string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, err := LoadTopology(path)
	if err != nil {
		return outputLoadError(formatter, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Error()
		}
		_ = formatter.Error(result.Errors[0].Code, "topology invalid", msgs)
		return NewExitError(ExitFailure, "topology invalid:\n  "+strings.Join(msgs, "\n  "))
	}

	st, dbPath, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	out := TopologyLoadResult{Database: dbPath, Intersections: []string{}}
	keep := make(map[string]bool, len(result.Intersections))
	for _, in := range result.Intersections {
		if err := st.UpsertIntersection(ctx, in); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to store %s", in.ID), err)
		}
		keep[in.ID] = true
		out.Intersections = append(out.Intersections, in.ID)
		formatter.VerboseLog("Stored %s (%d approaches, %d phases)", in.ID, len(in.Approaches), len(in.Phases))
	}

	if opts.Prune {
		stored, err := st.ListIntersections(ctx, true)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list intersections", err)
		}
		for _, in := range stored {
			if keep[in.ID] {
				continue
			}
			if err := st.SetIntersectionActive(ctx, in.ID, false); err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("failed to deactivate %s", in.ID), err)
			}
			out.Deactivated = append(out.Deactivated, in.ID)
		}
	}

	if formatter.JSON() {
		return formatter.Success(out)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ Loaded %d intersection(s) into %s\n", len(out.Intersections), dbPath)
	for _, id := range out.Deactivated {
		fmt.Fprintf(w, "  deactivated %s\n", id)
	}
	return nil
}

// openStore opens the database named by flag, falling back to the config.
// It returns the path actually opened.
func openStore(opts *RootOptions, flag string) (*store.Store, string, error) {
	path := flag
	if path == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return nil, "", err
		}
		path = cfg.Database.Path
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, "", WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, path, nil
}

// outputLoadError reports a LoadTopology failure as a command error.
func outputLoadError(formatter *OutputFormatter, err error) error {
	code := ErrCodeGeneric
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		code = loadErr.Code
		_ = formatter.Error(code, loadErr.Message, nil)
	} else {
		_ = formatter.Error(code, err.Error(), nil)
	}
	return WrapExitError(ExitCommandError, "failed to load topology", err)
}
