// Package queryir provides a typed intermediate representation for traffic
// analytics queries.
//
// Analytics endpoints never build SQL by hand. They describe what they want
// as a Query value, Validate it, and hand it to a backend compiler
// (querysql for SQLite):
//
//	[HTTP handler] → [Query IR] → [querysql] → [SQLite]
//
// QUERY KINDS:
//
//   - Series: one metric bucketed into fixed windows with an aggregation
//     (traffic volume per hour, mean wait per 15 minutes, ...)
//   - Distribution: vehicle type totals over a range
//   - Performance: before/after aggregates around a split time
//   - Totals: single-row aggregates for overviews and daily reports
//
// SEALED INTERFACE:
//
// Query is sealed with a marker method so backends can switch over every
// kind exhaustively:
//
//	switch q := query.(type) {
//	case Series:
//	case Distribution:
//	case Performance:
//	case Totals:
//	}
//
// TIME RANGES:
//
// Every range is half-open, [Start, End). Samples are stored with second
// resolution, so windows shorter than MinWindow are rejected.
package queryir
