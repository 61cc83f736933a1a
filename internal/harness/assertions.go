package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/signalflow/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Signal events relevant to the failure
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] t=%dms %s/%s %s -> %s (%s)\n",
				ev.Seq, ev.AtMillis, ev.Intersection, ev.Approach, ev.From, ev.To, ev.Reason)
		}
	}
	return buf.String()
}

// assertSignal checks the final lamp on one approach.
func assertSignal(result *Result, a Assertion) error {
	st, ok := result.Final[a.Intersection]
	if !ok {
		return &AssertionError{
			Type:     AssertSignal,
			Expected: fmt.Sprintf("intersection %s under control", a.Intersection),
			Actual:   "intersection not found",
		}
	}
	got := st.Signals[a.Approach]
	if string(got) != a.Status {
		return &AssertionError{
			Type:     AssertSignal,
			Expected: fmt.Sprintf("%s/%s is %s", a.Intersection, a.Approach, a.Status),
			Actual:   fmt.Sprintf("%s/%s is %q", a.Intersection, a.Approach, got),
			Trace:    approachSignals(result, a.Intersection, a.Approach),
		}
	}
	return nil
}

// assertMode checks the final controller mode.
func assertMode(result *Result, a Assertion) error {
	st, ok := result.Final[a.Intersection]
	if !ok {
		return &AssertionError{
			Type:     AssertMode,
			Expected: fmt.Sprintf("intersection %s under control", a.Intersection),
			Actual:   "intersection not found",
		}
	}
	if string(st.Mode) != a.Mode {
		return &AssertionError{
			Type:     AssertMode,
			Expected: fmt.Sprintf("%s in mode %s", a.Intersection, a.Mode),
			Actual:   fmt.Sprintf("mode %s", st.Mode),
		}
	}
	return nil
}

// assertEventCount counts signal events matching every filter that is set.
func assertEventCount(result *Result, a Assertion) error {
	count := 0
	for _, ev := range result.Signals() {
		if a.Intersection != "" && ev.Intersection != a.Intersection {
			continue
		}
		if a.Approach != "" && ev.Approach != a.Approach {
			continue
		}
		if a.Status != "" && string(ev.To) != a.Status {
			continue
		}
		if a.Reason != "" && ev.Reason != a.Reason {
			continue
		}
		count++
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d events matching %s", a.Count, describeFilter(a)),
			Actual:   fmt.Sprintf("%d events", count),
		}
	}
	return nil
}

func describeFilter(a Assertion) string {
	var parts []string
	for _, kv := range [][2]string{
		{"intersection", a.Intersection},
		{"approach", a.Approach},
		{"status", a.Status},
		{"reason", a.Reason},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	if len(parts) == 0 {
		return "(no filter)"
	}
	return strings.Join(parts, " ")
}

// assertTransitions checks that an approach showed the given lamps in order.
// Lamps don't need to be consecutive (intervening changes are allowed).
func assertTransitions(result *Result, a Assertion) error {
	events := approachSignals(result, a.Intersection, a.Approach)
	next := 0
	for _, ev := range events {
		if next < len(a.Statuses) && string(ev.To) == a.Statuses[next] {
			next++
		}
	}
	if next < len(a.Statuses) {
		return &AssertionError{
			Type:     AssertTransitions,
			Expected: fmt.Sprintf("%s/%s to show %v in order", a.Intersection, a.Approach, a.Statuses),
			Actual:   fmt.Sprintf("missing %s after %v", a.Statuses[next], a.Statuses[:next]),
			Trace:    events,
		}
	}
	return nil
}

func approachSignals(result *Result, intersection, approach string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range result.Signals() {
		if ev.Intersection == intersection && ev.Approach == approach {
			out = append(out, ev)
		}
	}
	return out
}

// assertFinalState checks that exactly one row of a store table matches
// Where and carries the Expect values (subset semantics).
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	// Values are always bound, never interpolated
	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	// Multiple matches would make the assertion ambiguous
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64:
		return val
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML expectation with a SQLite column value.
// SQLite returns int64 for integers and booleans, float64 for reals, and
// string or []byte for text.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		return numbersEqual(float64(exp), actual)
	case int64:
		return numbersEqual(float64(exp), actual)
	case float64:
		return numbersEqual(exp, actual)
	case bool:
		switch a := actual.(type) {
		case bool:
			return exp == a
		case int64:
			return exp == (a != 0)
		}
		return false
	}
	return cmp.Equal(expected, actual)
}

func numbersEqual(exp float64, actual any) bool {
	switch a := actual.(type) {
	case int64:
		return exp == float64(a)
	case int:
		return exp == float64(a)
	case float64:
		return exp == a
	}
	return false
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertSignal:
			err = assertSignal(result, assertion)
		case AssertMode:
			err = assertMode(result, assertion)
		case AssertEventCount:
			err = assertEventCount(result, assertion)
		case AssertTransitions:
			err = assertTransitions(result, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
