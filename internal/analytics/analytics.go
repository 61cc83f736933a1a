// Package analytics answers reporting queries over stored traffic samples.
//
// Every query is built as queryir, compiled by querysql, and run against the
// store. Nothing here writes.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/signalflow/internal/queryir"
	"github.com/roach88/signalflow/internal/querysql"
	"github.com/roach88/signalflow/internal/store"
)

// Default ranges and windows.
const (
	DefaultVolumeRange      = 24 * time.Hour
	DefaultPerformanceRange = 7 * 24 * time.Hour
	DefaultDistributionSpan = 24 * time.Hour
	DefaultWindow           = time.Hour
)

// Range is a half-open time range. Zero fields take defaults.
type Range struct {
	Start time.Time
	End   time.Time
}

// Point is one Series bucket.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Samples   int       `json:"samples"`
}

// SeriesReport is the reply for traffic volume and wait time queries.
type SeriesReport struct {
	IntersectionID string    `json:"intersection_id"`
	Start          time.Time `json:"start_time"`
	End            time.Time `json:"end_time"`
	Interval       string    `json:"interval"`
	Data           []Point   `json:"data"`
}

// PeriodStats are aggregates for one side of a performance split.
type PeriodStats struct {
	Samples  int     `json:"samples"`
	Vehicles float64 `json:"throughput"`
	Wait     float64 `json:"avg_wait_time"`
	Queue    float64 `json:"congestion_level"`
	Speed    float64 `json:"avg_speed"`
}

// PerformanceReport compares traffic before and after Split.
type PerformanceReport struct {
	IntersectionID string             `json:"intersection_id"`
	Start          time.Time          `json:"start_time"`
	End            time.Time          `json:"end_time"`
	Split          time.Time          `json:"split_time"`
	Before         PeriodStats        `json:"before"`
	After          PeriodStats        `json:"after"`
	Improvements   map[string]float64 `json:"improvements"`
}

// DistributionReport is the vehicle type mix as percentages.
type DistributionReport struct {
	IntersectionID string             `json:"intersection_id"`
	Start          time.Time          `json:"start_time"`
	End            time.Time          `json:"end_time"`
	TotalVehicles  float64            `json:"total_vehicles"`
	Distribution   map[string]float64 `json:"distribution"`
}

// Totals are single-row aggregates over a range.
type Totals struct {
	Samples       int     `json:"samples"`
	Vehicles      float64 `json:"vehicles"`
	MeanWait      float64 `json:"avg_wait_time"`
	MaxQueue      float64 `json:"max_queue_length"`
	Intersections int     `json:"reporting_intersections"`
}

// Overview is the system-wide summary.
type Overview struct {
	ActiveIntersections int       `json:"active_intersections"`
	Last24h             Totals    `json:"last_24h_metrics"`
	Timestamp           time.Time `json:"timestamp"`
}

// DailyReport summarises one UTC day.
type DailyReport struct {
	ReportType      string            `json:"report_type"`
	Date            string            `json:"date"`
	Metrics         Totals            `json:"metrics"`
	PerIntersection map[string]Totals `json:"per_intersection"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// ErrInvalidQuery wraps queryir validation failures so callers can map them
// to a client error.
var ErrInvalidQuery = errors.New("invalid analytics query")

// Service runs analytics queries against a store.
type Service struct {
	store    *store.Store
	compiler *querysql.SQLCompiler
	now      func() time.Time
}

// New creates a Service reading from s.
func New(s *store.Store) *Service {
	return &Service{
		store:    s,
		compiler: querysql.NewSQLCompiler(),
		now:      time.Now,
	}
}

// SetNow overrides the clock used for default ranges. For tests.
func (a *Service) SetNow(now func() time.Time) {
	a.now = now
}

func (a *Service) resolve(r Range, span time.Duration) (time.Time, time.Time) {
	end := r.End
	if end.IsZero() {
		end = a.now().UTC()
	}
	start := r.Start
	if start.IsZero() {
		start = end.Add(-span)
	}
	return start.UTC(), end.UTC()
}

// TrafficVolume sums vehicle counts per window. The default range is the
// last 24 hours with hourly windows.
func (a *Service) TrafficVolume(ctx context.Context, intersectionID string, r Range, window time.Duration) (SeriesReport, error) {
	return a.series(ctx, intersectionID, r, window, queryir.MetricVolume, queryir.AggSum)
}

// WaitTimes averages waiting time per window.
func (a *Service) WaitTimes(ctx context.Context, intersectionID string, r Range, window time.Duration) (SeriesReport, error) {
	return a.series(ctx, intersectionID, r, window, queryir.MetricWait, queryir.AggMean)
}

func (a *Service) series(ctx context.Context, id string, r Range, window time.Duration, m queryir.Metric, agg queryir.Agg) (SeriesReport, error) {
	if window == 0 {
		window = DefaultWindow
	}
	start, end := a.resolve(r, DefaultVolumeRange)
	q := queryir.Series{Metric: m, IntersectionID: id, Start: start, End: end, Window: window, Agg: agg}
	report := SeriesReport{IntersectionID: id, Start: start, End: end, Interval: window.String(), Data: []Point{}}

	rows, err := a.query(ctx, q)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			bucket int64
			p      Point
		)
		if err := rows.Scan(&bucket, &p.Value, &p.Samples); err != nil {
			return report, fmt.Errorf("scan series: %w", err)
		}
		p.Timestamp = time.Unix(bucket, 0).UTC()
		report.Data = append(report.Data, p)
	}
	return report, rows.Err()
}

// Performance compares the periods before and after the most recent
// optimization run in range, or the midpoint when there was none.
// Improvements are (after-before)/before*100 and only reported when the
// before value is positive.
func (a *Service) Performance(ctx context.Context, intersectionID string, r Range) (PerformanceReport, error) {
	start, end := a.resolve(r, DefaultPerformanceRange)
	split := start.Add(end.Sub(start) / 2)
	runs, err := a.store.ListOptimizationRuns(ctx, intersectionID, 0)
	if err != nil {
		return PerformanceReport{}, err
	}
	for _, run := range runs {
		if !run.CreatedAt.Before(start) && run.CreatedAt.Before(end) {
			split = run.CreatedAt.UTC()
			break
		}
	}

	report := PerformanceReport{
		IntersectionID: intersectionID,
		Start:          start,
		End:            end,
		Split:          split,
		Improvements:   map[string]float64{},
	}
	rows, err := a.query(ctx, queryir.Performance{IntersectionID: intersectionID, Start: start, End: end, Split: split})
	if err != nil {
		return report, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			period string
			st     PeriodStats
		)
		if err := rows.Scan(&period, &st.Samples, &st.Vehicles, &st.Wait, &st.Queue, &st.Speed); err != nil {
			return report, fmt.Errorf("scan performance: %w", err)
		}
		if period == "before" {
			report.Before = st
		} else {
			report.After = st
		}
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	if report.Before.Samples > 0 && report.After.Samples > 0 {
		improve := func(key string, before, after float64) {
			if before > 0 {
				report.Improvements[key] = (after - before) / before * 100
			}
		}
		improve("avg_wait_time", report.Before.Wait, report.After.Wait)
		improve("throughput", report.Before.Vehicles, report.After.Vehicles)
		improve("congestion_level", report.Before.Queue, report.After.Queue)
	}
	return report, nil
}

// VehicleTypes returns the vehicle mix in percent. An empty total yields an
// empty distribution.
func (a *Service) VehicleTypes(ctx context.Context, intersectionID string, r Range) (DistributionReport, error) {
	start, end := a.resolve(r, DefaultDistributionSpan)
	report := DistributionReport{IntersectionID: intersectionID, Start: start, End: end, Distribution: map[string]float64{}}

	rows, err := a.query(ctx, queryir.Distribution{IntersectionID: intersectionID, Start: start, End: end})
	if err != nil {
		return report, err
	}
	defer rows.Close()
	counts := map[string]float64{}
	for rows.Next() {
		var (
			vt    string
			total float64
		)
		if err := rows.Scan(&vt, &total); err != nil {
			return report, fmt.Errorf("scan distribution: %w", err)
		}
		counts[vt] = total
		report.TotalVehicles += total
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	if report.TotalVehicles > 0 {
		for vt, n := range counts {
			report.Distribution[vt] = n * 100 / report.TotalVehicles
		}
	}
	return report, nil
}

// SystemOverview counts active intersections and totals the last 24 hours.
func (a *Service) SystemOverview(ctx context.Context) (Overview, error) {
	now := a.now().UTC()
	active, err := a.store.ListIntersections(ctx, true)
	if err != nil {
		return Overview{}, err
	}
	totals, err := a.totals(ctx, "", now.Add(-24*time.Hour), now)
	if err != nil {
		return Overview{}, err
	}
	return Overview{ActiveIntersections: len(active), Last24h: totals, Timestamp: now}, nil
}

// Daily builds the report for the UTC day containing date. A zero date
// means yesterday.
func (a *Service) Daily(ctx context.Context, date time.Time) (DailyReport, error) {
	now := a.now().UTC()
	if date.IsZero() {
		date = now.Add(-24 * time.Hour)
	}
	date = date.UTC()
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	report := DailyReport{
		ReportType:      "daily",
		Date:            start.Format(time.DateOnly),
		PerIntersection: map[string]Totals{},
		GeneratedAt:     now,
	}
	all, err := a.totals(ctx, "", start, end)
	if err != nil {
		return report, err
	}
	report.Metrics = all

	intersections, err := a.store.ListIntersections(ctx, false)
	if err != nil {
		return report, err
	}
	sort.Slice(intersections, func(i, j int) bool { return intersections[i].ID < intersections[j].ID })
	for _, in := range intersections {
		t, err := a.totals(ctx, in.ID, start, end)
		if err != nil {
			return report, err
		}
		if t.Samples > 0 {
			report.PerIntersection[in.ID] = t
		}
	}
	return report, nil
}

func (a *Service) totals(ctx context.Context, id string, start, end time.Time) (Totals, error) {
	stmt, params, err := a.compile(queryir.Totals{IntersectionID: id, Start: start, End: end})
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	if err := a.store.DB().QueryRowContext(ctx, stmt, params...).Scan(
		&t.Samples, &t.Vehicles, &t.MeanWait, &t.MaxQueue, &t.Intersections,
	); err != nil {
		return Totals{}, fmt.Errorf("query totals: %w", err)
	}
	return t, nil
}

func (a *Service) compile(q queryir.Query) (string, []any, error) {
	stmt, params, err := a.compiler.Compile(q)
	if err != nil {
		var verr *queryir.ValidationError
		if errors.As(err, &verr) {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return "", nil, err
	}
	return stmt, params, nil
}

func (a *Service) query(ctx context.Context, q queryir.Query) (*sql.Rows, error) {
	stmt, params, err := a.compile(q)
	if err != nil {
		return nil, err
	}
	rows, err := a.store.Query(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("run analytics query: %w", err)
	}
	return rows, nil
}
