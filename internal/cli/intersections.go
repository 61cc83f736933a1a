package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/store"
)

// IntersectionsOptions holds flags shared by the intersections commands.
type IntersectionsOptions struct {
	*RootOptions
	Database string
	All      bool
}

// IntersectionSummary is one row of intersections list.
type IntersectionSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Approaches int    `json:"approaches"`
	Phases     int    `json:"phases"`
	Active     bool   `json:"active"`
}

// StoredStatus is the persisted state of one intersection: its lamps as
// last written by the engine and the active timing plan, if any.
type StoredStatus struct {
	IntersectionID string                   `json:"intersection_id"`
	Name           string                   `json:"name"`
	Active         bool                     `json:"active"`
	Signals        []model.Signal           `json:"signals"`
	Plan           *model.TimingPlan        `json:"plan,omitempty"`
	Emergencies    []model.EmergencyRequest `json:"emergencies,omitempty"`
}

// NewIntersectionsCommand creates the intersections command group.
func NewIntersectionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IntersectionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:     "intersections",
		Aliases: []string{"int"},
		Short:   "Inspect intersections stored in the database",
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List intersections",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntersectionsList(cmd.Context(), opts, cmd)
		},
	}
	list.Flags().BoolVar(&opts.All, "all", false, "include inactive intersections")

	status := &cobra.Command{
		Use:   "status <id>",
		Short: "Show stored signal state for an intersection",
		Long: `Show the lamps last persisted by the coordinator, the active timing
plan and any open emergency requests.

Example:
  signalflow intersections status int-001 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIntersectionStatus(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, status)
	return cmd
}

func runIntersectionsList(ctx context.Context, opts *IntersectionsOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	st, _, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	intersections, err := st.ListIntersections(ctx, !opts.All)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list intersections", err)
	}

	rows := make([]IntersectionSummary, len(intersections))
	for i, in := range intersections {
		rows[i] = IntersectionSummary{
			ID:         in.ID,
			Name:       in.Name,
			Type:       string(in.Type),
			Approaches: len(in.Approaches),
			Phases:     len(in.Phases),
			Active:     in.Active,
		}
	}

	if formatter.JSON() {
		return formatter.Success(map[string]any{"intersections": rows, "count": len(rows)})
	}
	if len(rows) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No intersections found.")
		return nil
	}
	table := make([][]string, len(rows))
	for i, r := range rows {
		table[i] = []string{r.ID, r.Name, r.Type, strconv.Itoa(r.Approaches), strconv.Itoa(r.Phases), strconv.FormatBool(r.Active)}
	}
	return formatter.Table([]string{"id", "name", "type", "approaches", "phases", "active"}, table)
}

func runIntersectionStatus(ctx context.Context, opts *IntersectionsOptions, id string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	st, _, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := loadStoredStatus(ctx, st, id, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("intersection not found: %s", id), nil)
		return NewExitError(ExitFailure, fmt.Sprintf("intersection not found: %s", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read intersection", err)
	}

	if formatter.JSON() {
		return formatter.Success(status)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s  %s  active=%t\n\n", status.IntersectionID, status.Name, status.Active)
	table := make([][]string, len(status.Signals))
	for i, s := range status.Signals {
		changed := "-"
		if !s.LastChanged.IsZero() {
			changed = s.LastChanged.UTC().Format(time.RFC3339)
		}
		table[i] = []string{s.Position, string(s.Status), formatSeconds(s.DefaultTiming), changed}
	}
	if err := formatter.Table([]string{"approach", "status", "green", "changed"}, table); err != nil {
		return err
	}
	if status.Plan != nil {
		phases := make([]string, 0, len(status.Plan.GreenTimes))
		for phase := range status.Plan.GreenTimes {
			phases = append(phases, phase)
		}
		sort.Strings(phases)
		parts := make([]string, len(phases))
		for i, phase := range phases {
			parts[i] = phase + "=" + formatSeconds(status.Plan.GreenTimes[phase])
		}
		fmt.Fprintf(w, "\nplan %s (%s) cycle %ss: %s\n", status.Plan.ID, status.Plan.Source, formatSeconds(status.Plan.CycleLength), strings.Join(parts, " "))
	}
	for _, em := range status.Emergencies {
		fmt.Fprintf(w, "emergency %s on %s, priority %d, expires %s\n", em.ID, em.Approach, em.PriorityLevel, em.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// loadStoredStatus gathers the persisted state of one intersection.
func loadStoredStatus(ctx context.Context, st *store.Store, id string, now time.Time) (StoredStatus, error) {
	in, err := st.GetIntersection(ctx, id)
	if err != nil {
		return StoredStatus{}, err
	}
	signals, err := st.ListSignals(ctx, id)
	if err != nil {
		return StoredStatus{}, err
	}
	out := StoredStatus{IntersectionID: in.ID, Name: in.Name, Active: in.Active, Signals: signals}

	plan, err := st.ActivePlan(ctx, id)
	switch {
	case err == nil:
		out.Plan = &plan
	case !errors.Is(err, store.ErrNotFound):
		return StoredStatus{}, err
	}

	out.Emergencies, err = st.OpenEmergencies(ctx, id, now)
	if err != nil {
		return StoredStatus{}, err
	}
	return out, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}
