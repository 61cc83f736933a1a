package queryir

import "time"

// Query is an analytics query over traffic samples.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode()
}

// Metric names a sample column that a Series aggregates.
type Metric string

const (
	MetricVolume Metric = "volume" // vehicle_count
	MetricWait   Metric = "wait"   // waiting_time
	MetricQueue  Metric = "queue"  // queue_length
	MetricSpeed  Metric = "speed"  // average_speed
)

// Metrics lists every metric in a fixed order.
var Metrics = []Metric{MetricVolume, MetricWait, MetricQueue, MetricSpeed}

// Agg is the aggregation applied within each Series window.
type Agg string

const (
	AggSum   Agg = "sum"
	AggMean  Agg = "mean"
	AggMax   Agg = "max"
	AggMin   Agg = "min"
	AggCount Agg = "count"
)

// Aggs lists every aggregation in a fixed order.
var Aggs = []Agg{AggSum, AggMean, AggMax, AggMin, AggCount}

// MinWindow is the shortest Series window.
const MinWindow = time.Minute

// Series buckets one metric into fixed windows.
//
// Semantics:
//
//	SELECT bucket, AGG(metric) FROM samples
//	WHERE intersection = ? AND Start <= ts < End
//	GROUP BY floor(ts / Window)
//
// Windows with no samples produce no row.
type Series struct {
	Metric         Metric
	IntersectionID string
	Start          time.Time
	End            time.Time
	Window         time.Duration
	Agg            Agg
}

func (Series) queryNode() {}

// Distribution totals vehicles per vehicle type over [Start, End).
type Distribution struct {
	IntersectionID string
	Start          time.Time
	End            time.Time
}

func (Distribution) queryNode() {}

// Performance compares aggregates before and after Split.
// Start <= Split <= End.
type Performance struct {
	IntersectionID string
	Start          time.Time
	End            time.Time
	Split          time.Time
}

func (Performance) queryNode() {}

// Totals returns one row of aggregates over [Start, End). An empty
// IntersectionID covers every intersection.
type Totals struct {
	IntersectionID string
	Start          time.Time
	End            time.Time
}

func (Totals) queryNode() {}
