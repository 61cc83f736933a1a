package querysql

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/signalflow/internal/queryir"
)

// SamplesTable is the table every analytics query reads.
const SamplesTable = "traffic_samples"

// metricColumns maps IR metrics to sample columns.
var metricColumns = map[queryir.Metric]string{
	queryir.MetricVolume: "vehicle_count",
	queryir.MetricWait:   "waiting_time",
	queryir.MetricQueue:  "queue_length",
	queryir.MetricSpeed:  "average_speed",
}

// aggFunctions maps IR aggregations to SQLite functions.
var aggFunctions = map[queryir.Agg]string{
	queryir.AggSum:   "SUM",
	queryir.AggMean:  "AVG",
	queryir.AggMax:   "MAX",
	queryir.AggMin:   "MIN",
	queryir.AggCount: "COUNT",
}

// SQLCompiler compiles QueryIR to parameterized SQL for SQLite.
//
// CRITICAL: Every multi-row query has an ORDER BY for deterministic results.
// CRITICAL: All values are parameterized (never interpolated). Only column
// and function names from the fixed maps above are written into the SQL.
type SQLCompiler struct {
	// Table overrides SamplesTable, for tests against a scratch table.
	Table string
}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{Table: SamplesTable}
}

// Compile validates q and converts it to parameterized SQL.
// Returns (sql, params, error).
//
// Result columns per query kind:
//   - Series:       bucket (unix seconds), value, samples
//   - Distribution: vehicle_type, total
//   - Performance:  period ("after" | "before"), samples, vehicles, wait, queue, speed
//   - Totals:       samples, vehicles, wait, max_queue, intersections
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, err
	}

	switch query := q.(type) {
	case queryir.Series:
		return c.compileSeries(query)
	case *queryir.Series:
		return c.compileSeries(*query)
	case queryir.Distribution:
		return c.compileDistribution(query)
	case *queryir.Distribution:
		return c.compileDistribution(*query)
	case queryir.Performance:
		return c.compilePerformance(query)
	case *queryir.Performance:
		return c.compilePerformance(*query)
	case queryir.Totals:
		return c.compileTotals(query)
	case *queryir.Totals:
		return c.compileTotals(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) table() string {
	if c.Table == "" {
		return SamplesTable
	}
	return c.Table
}

// compileSeries buckets rows by integer division of the timestamp in
// seconds. Bounds bind as unix millis.
func (c *SQLCompiler) compileSeries(q queryir.Series) (string, []any, error) {
	column := metricColumns[q.Metric]
	fn := aggFunctions[q.Agg]
	value := fmt.Sprintf("%s(%s)", fn, column)
	if q.Agg == queryir.AggCount {
		value = "COUNT(*)"
	}
	window := int64(q.Window.Seconds())

	sql := fmt.Sprintf(
		"SELECT ((ts / 1000) / ?) * ? AS bucket, %s AS value, COUNT(*) AS samples FROM %s"+
			" WHERE intersection_id = ? AND ts >= ? AND ts < ?"+
			" GROUP BY bucket ORDER BY bucket ASC",
		value, c.table())
	params := []any{window, window, q.IntersectionID, boundMillis(q.Start), boundMillis(q.End)}
	return sql, params, nil
}

// compileDistribution expands the vehicle_types JSON object with json_each.
func (c *SQLCompiler) compileDistribution(q queryir.Distribution) (string, []any, error) {
	t := c.table()
	sql := fmt.Sprintf(
		"SELECT j.key AS vehicle_type, SUM(j.value) AS total FROM %s, json_each(%s.vehicle_types) AS j"+
			" WHERE %s.intersection_id = ? AND %s.ts >= ? AND %s.ts < ?"+
			" GROUP BY j.key ORDER BY j.key COLLATE BINARY ASC",
		t, t, t, t, t)
	params := []any{q.IntersectionID, boundMillis(q.Start), boundMillis(q.End)}
	return sql, params, nil
}

func (c *SQLCompiler) compilePerformance(q queryir.Performance) (string, []any, error) {
	sql := fmt.Sprintf(
		"SELECT CASE WHEN ts < ? THEN 'before' ELSE 'after' END AS period,"+
			" COUNT(*) AS samples, SUM(vehicle_count) AS vehicles, AVG(waiting_time) AS wait,"+
			" AVG(queue_length) AS queue, AVG(average_speed) AS speed FROM %s"+
			" WHERE intersection_id = ? AND ts >= ? AND ts < ?"+
			" GROUP BY period ORDER BY period COLLATE BINARY ASC",
		c.table())
	params := []any{boundMillis(q.Split), q.IntersectionID, boundMillis(q.Start), boundMillis(q.End)}
	return sql, params, nil
}

// compileTotals yields exactly one row, so it needs no ORDER BY.
func (c *SQLCompiler) compileTotals(q queryir.Totals) (string, []any, error) {
	where := []string{"ts >= ?", "ts < ?"}
	params := []any{boundMillis(q.Start), boundMillis(q.End)}
	if q.IntersectionID != "" {
		where = append(where, "intersection_id = ?")
		params = append(params, q.IntersectionID)
	}
	sql := fmt.Sprintf(
		"SELECT COUNT(*) AS samples, COALESCE(SUM(vehicle_count), 0) AS vehicles,"+
			" COALESCE(AVG(waiting_time), 0) AS wait, COALESCE(MAX(queue_length), 0) AS max_queue,"+
			" COUNT(DISTINCT intersection_id) AS intersections FROM %s WHERE %s",
		c.table(), strings.Join(where, " AND "))
	return sql, params, nil
}

// boundMillis converts a range bound to unix millis, rounding up any
// sub-millisecond remainder.
func boundMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Nanosecond()%int(time.Millisecond) != 0 {
		ms++
	}
	return ms
}
