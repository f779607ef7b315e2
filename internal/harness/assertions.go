package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
)

// validIdentifier guards table and column names, which cannot be bound as
// query parameters.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventInvocation {
				fmt.Fprintf(&buf, "  [%d] %s as=%s %v\n", event.Seq, event.Op, event.As, event.Args)
			}
		}
	}
	return buf.String()
}

// AssertionContext provides what final_state and audit_count need.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
	Trail *audit.Trail

	// Vars holds saved step results so where clauses may use $name.field.
	Vars map[string]ir.IRObject
}

// EvaluateAssertions evaluates every assertion and returns one message per
// failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, assertion := range assertions {
		var err error
		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx, assertion)
			}
		case AssertAuditCount:
			if actx == nil || actx.Trail == nil {
				err = fmt.Errorf("assertion[%d]: audit_count requires an audit trail", i)
			} else {
				err = assertAuditCount(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTraceContains looks for an invocation of the op whose raw args
// contain the expected args.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	want, err := ir.FromMap(assertion.Args)
	if err != nil {
		return fmt.Errorf("trace_contains args: %w", err)
	}
	for _, event := range trace {
		if event.Type == EventInvocation && event.Op == assertion.Op && matchArgs(event.Args, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("op %s with args %v", assertion.Op, want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks the first invocation of each op appears in the
// given order. Other ops may come between them.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		if _, seen := positions[event.Op]; !seen {
			positions[event.Op] = event.Seq
		}
	}
	for _, op := range assertion.Ops {
		if _, ok := positions[op]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all ops present: %v", assertion.Ops),
				Actual:   fmt.Sprintf("missing op: %s", op),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(assertion.Ops); i++ {
		prev, curr := assertion.Ops[i-1], assertion.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("ops in order: %v", assertion.Ops),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks the op was invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Op == assertion.Op {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d invocations of %s", assertion.Count, assertion.Op),
			Actual:   fmt.Sprintf("%d invocations", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState selects exactly one row and compares the expected
// columns. Values are always bound as parameters.
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	where, err := resolveRefs(assertion.Where, actx.Vars)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	whereObj, err := ir.FromMap(where.(map[string]any))
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	whereSQL, whereArgs, err := buildWhereClause(whereObj)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := actx.Store.DB().QueryContext(ctx, query, whereArgs...)
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
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(whereObj)),
			Actual:   "row not found",
		}
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(whereObj)),
			Actual:   "multiple rows matched",
		}
	}

	actual := make(map[string]any, len(columns))
	for i, col := range columns {
		actual[col] = values[i]
	}
	expect, err := ir.FromMap(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}
	for _, key := range expect.SortedKeys() {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q to exist", key),
				Actual:   fmt.Sprintf("columns are %v", columns),
			}
		}
		if !stateValuesEqual(expect[key], got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q = %v", key, expect[key]),
				Actual:   fmt.Sprintf("column %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

// assertAuditCount counts the identity's audit entries for one action.
func assertAuditCount(actx *AssertionContext, assertion Assertion) error {
	ctx := actx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := actx.Trail.Query(ctx, assertion.Identity, audit.Filter{Action: assertion.Action})
	if err != nil {
		return fmt.Errorf("audit_count: %w", err)
	}
	if len(entries) != assertion.Count {
		return &AssertionError{
			Type:     AssertAuditCount,
			Expected: fmt.Sprintf("%d %s entries for %s", assertion.Count, assertion.Action, assertion.Identity),
			Actual:   fmt.Sprintf("%d entries", len(entries)),
		}
	}
	return nil
}

// buildWhereClause renders an AND of equality tests in key order.
func buildWhereClause(where ir.IRObject) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := where.SortedKeys()
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

func toSQLValue(v ir.IRValue) any {
	switch val := v.(type) {
	case ir.IRString:
		return string(val)
	case ir.IRInt:
		return int64(val)
	case ir.IRBool:
		return bool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatWhereClause(where ir.IRObject) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range where.SortedKeys() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected value with what the SQLite driver
// returned. TEXT may come back as []byte and booleans as integers.
func stateValuesEqual(expected ir.IRValue, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	switch exp := expected.(type) {
	case ir.IRString:
		s, ok := actual.(string)
		return ok && string(exp) == s
	case ir.IRInt:
		n, ok := actual.(int64)
		return ok && int64(exp) == n
	case ir.IRBool:
		switch a := actual.(type) {
		case bool:
			return bool(exp) == a
		case int64:
			return bool(exp) == (a != 0)
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

// matchArgs reports whether actual contains every expected key with an
// equal value. Extra keys are ignored.
func matchArgs(actual, expected ir.IRObject) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
