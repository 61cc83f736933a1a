package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/model"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database     string
	Intersection string
	Approach     string
	Reason       string
	After        int64
	Limit        int
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Intersection string              `json:"intersection,omitempty"`
	Events       []model.SignalEvent `json:"events"`
	Stats        TraceStats          `json:"stats"`
}

// TraceStats summarizes a slice of the signal event log.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	FirstSeq    int64          `json:"first_seq,omitempty"`
	LastSeq     int64          `json:"last_seq,omitempty"`
	ByReason    map[string]int `json:"by_reason"`
	Greens      map[string]int `json:"greens"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the signal event log",
		Long: `Show lamp transitions from the signal event log in seq order.

Every transition the coordinator makes is recorded with the reason it
happened (cycle, preempt, release, override, wave, expired, restore).
Use --after with the last seq seen to page through the log.

Examples:
  signalflow trace --intersection int-001 --limit 50
  signalflow trace --reason preempt --format json
  signalflow trace --after 1200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVarP(&opts.Intersection, "intersection", "i", "", "filter to one intersection")
	cmd.Flags().StringVar(&opts.Approach, "approach", "", "filter to one approach")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "filter by transition reason")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events with seq greater than this")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 100, "maximum events to read (0 for all)")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if opts.Limit < 0 {
		_ = formatter.Error(ErrCodeInvalidInput, "--limit must not be negative", nil)
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	st, _, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.ReadSignalEvents(ctx, opts.Intersection, opts.After, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read signal events", err)
	}
	events = filterEvents(events, opts.Approach, opts.Reason)

	result := TraceResult{
		Intersection: opts.Intersection,
		Events:       events,
		Stats:        buildTraceStats(events),
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No signal events found.")
		return nil
	}

	rows := make([][]string, len(events))
	for i, ev := range events {
		rows[i] = []string{
			strconv.FormatInt(ev.Seq, 10),
			ev.At.UTC().Format(time.RFC3339),
			ev.IntersectionID,
			ev.Approach,
			ev.Phase,
			string(ev.From) + " -> " + string(ev.To),
			ev.Reason,
		}
	}
	if err := formatter.Table([]string{"seq", "at", "intersection", "approach", "phase", "transition", "reason"}, rows); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d event(s), seq %d..%d\n", result.Stats.TotalEvents, result.Stats.FirstSeq, result.Stats.LastSeq)
	reasons := make([]string, 0, len(result.Stats.ByReason))
	for r := range result.Stats.ByReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(w, "  %-9s %d\n", r, result.Stats.ByReason[r])
	}
	return nil
}

// filterEvents keeps events matching approach and reason. Empty filters
// match everything.
func filterEvents(events []model.SignalEvent, approach, reason string) []model.SignalEvent {
	if approach == "" && reason == "" {
		return events
	}
	out := make([]model.SignalEvent, 0, len(events))
	for _, ev := range events {
		if approach != "" && ev.Approach != approach {
			continue
		}
		if reason != "" && ev.Reason != reason {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// buildTraceStats counts events by reason and green onsets by approach.
func buildTraceStats(events []model.SignalEvent) TraceStats {
	stats := TraceStats{
		TotalEvents: len(events),
		ByReason:    map[string]int{},
		Greens:      map[string]int{},
	}
	if len(events) == 0 {
		return stats
	}
	stats.FirstSeq = events[0].Seq
	stats.LastSeq = events[len(events)-1].Seq
	for _, ev := range events {
		stats.ByReason[ev.Reason]++
		if ev.To == model.StatusGreen {
			stats.Greens[ev.IntersectionID+"/"+ev.Approach]++
		}
	}
	return stats
}
