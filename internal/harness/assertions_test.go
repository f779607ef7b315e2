package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("thread.create", "alice", ir.IRObject{"founding_intent": ir.IRString("x")}, 1)
	r.AddCompletionTrace("thread.create", CaseOK, ir.IRObject{}, 2)
	r.AddInvocationTrace("thread.append", "alice", ir.IRObject{"event_type": ir.IRString("note"), "thread": ir.IRString("$t.id")}, 3)
	r.AddCompletionTrace("thread.append", CaseOK, ir.IRObject{}, 4)
	r.AddInvocationTrace("thread.append", "alice", ir.IRObject{"event_type": ir.IRString("todo")}, 5)
	r.AddCompletionTrace("thread.append", CaseOK, ir.IRObject{}, 6)
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: "thread.append", Args: map[string]any{"event_type": "todo"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: "thread.append"}))

	err := assertTraceContains(trace, Assertion{Op: "thread.append", Args: map[string]any{"event_type": "done"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace:")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{"thread.create", "thread.append"}}))
	assert.ErrorContains(t, assertTraceOrder(trace, Assertion{Ops: []string{"thread.append", "thread.create"}}), "should be before")
	assert.ErrorContains(t, assertTraceOrder(trace, Assertion{Ops: []string{"thread.archive"}}), "missing op: thread.archive")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "thread.append", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: "thread.archive", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(trace, Assertion{Op: "thread.create", Count: 2}), "1 invocations")
}

func TestAssertFinalState_RejectsBadIdentifiers(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	actx := &AssertionContext{Ctx: context.Background(), Store: st}

	err = assertFinalState(actx, Assertion{Table: "threads; DROP TABLE threads", Expect: map[string]any{"id": "x"}})
	assert.ErrorContains(t, err, "invalid table name")

	err = assertFinalState(actx, Assertion{Table: "threads", Where: map[string]any{"id = id OR 1": "x"}, Expect: map[string]any{"id": "x"}})
	assert.ErrorContains(t, err, "invalid column name")

	err = assertFinalState(actx, Assertion{Table: "threads", Where: map[string]any{"id": "nope"}, Expect: map[string]any{"id": "nope"}})
	assert.ErrorContains(t, err, "row not found")
}

func TestEvaluateAssertions_NeedsContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Table: "threads"},
		{Type: AssertAuditCount, Identity: "u", Action: "a"},
		{Type: "eventually"},
	}, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "requires database context")
	assert.Contains(t, errs[1], "requires an audit trail")
	assert.Contains(t, errs[2], "unknown assertion type")
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual(ir.IRString("active"), "active"))
	assert.True(t, stateValuesEqual(ir.IRString("active"), []byte("active")))
	assert.True(t, stateValuesEqual(ir.IRInt(3), int64(3)))
	assert.True(t, stateValuesEqual(ir.IRBool(true), int64(1)))
	assert.False(t, stateValuesEqual(ir.IRInt(3), "3"))
	assert.False(t, stateValuesEqual(ir.IRString("x"), nil))
}
