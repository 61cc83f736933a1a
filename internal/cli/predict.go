package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/signalflow/internal/predict"
)

// historyLimit is how many recent samples feed a flow forecast.
const historyLimit = 60

// PredictOptions holds flags for the predict command.
type PredictOptions struct {
	*RootOptions
	Database   string
	Window     int
	Horizon    int
	Approaches bool
	History    bool
	Models     bool
	At         string
}

// NewPredictCommand creates the predict command.
func NewPredictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PredictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "predict [intersection-id]",
		Short: "Forecast traffic from stored samples",
		Long: `Forecast traffic for an intersection from the samples in the database.

By default the whole-intersection flow is forecast minute by minute over
--window, blending the daily profile with recent volumes. With
--approaches, per-approach volumes and queues are forecast over --horizon.

Examples:
  signalflow predict --models
  signalflow predict int-001 --window 30 --history
  signalflow predict int-001 --approaches --horizon 15 --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runPredict(cmd.Context(), opts, id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().IntVarP(&opts.Window, "window", "w", predict.DefaultWindow, "flow forecast window in minutes")
	cmd.Flags().IntVar(&opts.Horizon, "horizon", predict.DefaultHorizon, "per-approach horizon in minutes")
	cmd.Flags().BoolVar(&opts.Approaches, "approaches", false, "forecast each approach")
	cmd.Flags().BoolVar(&opts.History, "history", false, "include the volumes the forecast was built from")
	cmd.Flags().BoolVar(&opts.Models, "models", false, "list prediction models")
	cmd.Flags().StringVar(&opts.At, "at", "", "forecast start time (RFC 3339, default now)")

	return cmd
}

func runPredict(ctx context.Context, opts *PredictOptions, id string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	if opts.Models {
		return outputModels(formatter)
	}
	if id == "" {
		_ = formatter.Error(ErrCodeInvalidInput, "intersection id is required", nil)
		return NewExitError(ExitCommandError, "intersection id is required")
	}

	start := time.Now().UTC()
	if opts.At != "" {
		t, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			_ = formatter.Error(ErrCodeInvalidInput, fmt.Sprintf("invalid --at: %v", err), nil)
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
		start = t.UTC()
	}

	st, _, err := openStore(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetIntersection(ctx, id); err != nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("intersection not found: %s", id), nil)
		return WrapExitError(ExitFailure, "unknown intersection", err)
	}

	if opts.Approaches {
		if opts.Horizon < 1 || opts.Horizon > predict.MaxWindow {
			msg := fmt.Sprintf("--horizon must be between 1 and %d", predict.MaxWindow)
			_ = formatter.Error(ErrCodeInvalidInput, msg, nil)
			return NewExitError(ExitCommandError, msg)
		}
		samples, err := st.RecentSamples(ctx, id, predict.RecentSamples)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read samples", err)
		}
		formatter.VerboseLog("Using %d sample(s)", len(samples))
		fc := predict.ApproachPredictor{Horizon: opts.Horizon}.Predict(id, start, samples)
		if formatter.JSON() {
			return formatter.Success(fc)
		}
		return outputApproachForecast(formatter, fc)
	}

	samples, err := st.RecentSamples(ctx, id, historyLimit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read samples", err)
	}
	history := make([]float64, len(samples))
	for i, s := range samples {
		history[i] = float64(s.VehicleCount)
	}
	settings, err := st.LatestSettings(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read settings", err)
	}

	f := predict.FlowForecaster{ModelType: settings.MLModelType}
	fc, err := f.Forecast(id, start, opts.Window, history, opts.History)
	if err != nil {
		_ = formatter.Error(ErrCodeInvalidInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "forecast failed", err)
	}
	if formatter.JSON() {
		return formatter.Success(fc)
	}

	rows := make([][]string, len(fc.Predictions))
	for i, p := range fc.Predictions {
		rows[i] = []string{
			p.Timestamp.Format("15:04"),
			strconv.FormatFloat(p.Volume, 'f', 1, 64),
			strconv.FormatFloat(p.Confidence, 'f', 2, 64),
		}
	}
	fmt.Fprintf(formatter.Writer, "%s forecast (%s) from %s\n\n", fc.IntersectionID, fc.ModelType, fc.PredictionTime.Format(time.RFC3339))
	return formatter.Table([]string{"time", "volume", "confidence"}, rows)
}

func outputModels(formatter *OutputFormatter) error {
	models := predict.Models()
	if formatter.JSON() {
		return formatter.Success(map[string]any{"models": models, "count": len(models)})
	}
	rows := make([][]string, len(models))
	for i, m := range models {
		rows[i] = []string{m.ID, m.Name, m.Type, strconv.FormatFloat(m.Accuracy, 'f', 2, 64), m.Latency}
	}
	return formatter.Table([]string{"id", "name", "type", "accuracy", "latency"}, rows)
}

func outputApproachForecast(formatter *OutputFormatter, fc predict.ApproachForecast) error {
	approaches := make([]string, 0, len(fc.PredictedVolumes))
	for a := range fc.PredictedVolumes {
		approaches = append(approaches, a)
	}
	sort.Strings(approaches)
	if len(approaches) == 0 {
		fmt.Fprintf(formatter.Writer, "No samples for %s.\n", fc.IntersectionID)
		return nil
	}

	rows := make([][]string, len(approaches))
	for i, a := range approaches {
		rows[i] = []string{a, joinFloats(fc.PredictedVolumes[a]), joinFloats(fc.PredictedQueueLengths[a])}
	}
	fmt.Fprintf(formatter.Writer, "%s per-approach forecast, confidence %.2f\n\n", fc.IntersectionID, fc.Confidence)
	return formatter.Table([]string{"approach", "volumes", "queues"}, rows)
}

func joinFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strings.Join(parts, " ")
}
