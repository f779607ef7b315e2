package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

var (
	alice = PrincipalSpec{Identity: "user:alice", Actor: "alice", Type: "human"}
	bot   = PrincipalSpec{Identity: "user:alice", Actor: "bot-1", Type: "agent"}
)

func createStep(save string) Step {
	return Step{
		Op:   "thread.create",
		As:   "alice",
		Args: map[string]any{"founding_intent": "Plan the offsite", "sphere": "work"},
		Save: save,
	}
}

func TestRun_GatedPaymentScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/gated_payment.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Trace, 14)
}

func TestRun_CheckpointExpiryScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/checkpoint_expiry.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	advance := result.Trace[7]
	require.Equal(t, "clock.advance", advance.Op)
	assert.Equal(t, ir.IRString("2026-03-01T09:45:00.000000000Z"), advance.Result["now"])
}

func TestRun_ThreeEventThread(t *testing.T) {
	s := &Scenario{
		Name:        "three_events",
		Description: "create plus two appends",
		Principals:  map[string]PrincipalSpec{"alice": alice},
		Setup:       []Step{createStep("t")},
		Flow: []Step{
			{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$t.id", "event_type": "note", "payload": map[string]any{"n": 1}}, Save: "e2"},
			{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$t.id", "event_type": "note", "payload": map[string]any{"n": 2}}},
			{Op: "thread.correct", As: "alice", Args: map[string]any{"thread": "$t.id", "corrects": "$e2.id", "payload": map[string]any{"n": 10}},
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"sequence_number": 4, "event_type": ir.EventCorrection}}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Table: "threads", Where: map[string]any{"id": "$t.id"}, Expect: map[string]any{"event_count": 4}},
			{Type: AssertFinalState, Table: "thread_events", Where: map[string]any{"thread_id": "$t.id", "sequence_number": 4},
				Expect: map[string]any{"parent_event_id": "$e2.id"}},
		},
	}
	require.NoError(t, validateScenario(s))

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UnexpectedFlowFailureFailsResult(t *testing.T) {
	s := &Scenario{
		Name:        "archived",
		Description: "append after archive",
		Principals:  map[string]PrincipalSpec{"alice": alice},
		Setup:       []Step{createStep("t")},
		Flow: []Step{
			{Op: "thread.archive", As: "alice", Args: map[string]any{"thread": "$t.id", "reason": "done"},
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"status": "archived", "event_count": 2}}},
			{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$t.id", "event_type": "note"}},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Op: "thread.archive", Count: 1}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected failure")
	assert.Equal(t, string(ir.ErrCodeValidation), result.Trace[len(result.Trace)-1].Case)
}

func TestRun_ExpectMismatch(t *testing.T) {
	s := &Scenario{
		Name:        "mismatch",
		Description: "wrong expectations are reported",
		Principals:  map[string]PrincipalSpec{"alice": alice},
		Setup:       []Step{createStep("t")},
		Flow: []Step{
			{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$t.id", "event_type": "note"},
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"sequence_number": 7}}},
			{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$t.id", "event_type": "note"},
				Expect: &ExpectClause{Case: "VALIDATION"}},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Op: "thread.append", Count: 2}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "sequence_number")
	assert.Contains(t, result.Errors[1], "expected case VALIDATION, got ok")
}

func TestRun_SetupFailureIsFatal(t *testing.T) {
	s := &Scenario{
		Name:        "bad_setup",
		Description: "setup must succeed",
		Principals:  map[string]PrincipalSpec{"alice": alice},
		Setup:       []Step{{Op: "thread.create", As: "alice", Args: map[string]any{"founding_intent": "  "}}},
		Flow:        []Step{{Op: "checkpoint.sweep"}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Op: "checkpoint.sweep", Count: 1}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
}

func TestRun_UnresolvedReference(t *testing.T) {
	s := &Scenario{
		Name:        "bad_ref",
		Description: "references must resolve",
		Principals:  map[string]PrincipalSpec{"alice": alice},
		Flow:        []Step{{Op: "thread.append", As: "alice", Args: map[string]any{"thread": "$missing.id"}}},
		Assertions:  []Assertion{{Type: AssertTraceCount, Op: "thread.append", Count: 1}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `nothing saved as "missing"`)
}

func TestRun_AgentApproverRole(t *testing.T) {
	approver := bot
	approver.Roles = []string{ir.RoleApprover}
	s := &Scenario{
		Name:        "agent_approver",
		Description: "agents approve only with the approver role",
		Principals:  map[string]PrincipalSpec{"alice": alice, "bot": bot, "approver": approver},
		Setup: []Step{
			createStep("t"),
			{Op: "checkpoint.create", As: "bot", Save: "cp", Args: map[string]any{
				"thread": "$t.id", "class": "sensitive", "action": "contact.export", "description": "export contacts",
			}},
		},
		Flow: []Step{
			{Op: "checkpoint.approve", As: "bot", Args: map[string]any{"checkpoint": "$cp.id"}, Expect: &ExpectClause{Case: "VALIDATION"}},
			{Op: "checkpoint.reject", As: "approver", Args: map[string]any{"checkpoint": "$cp.id", "reason": "no"}, Expect: &ExpectClause{Case: "VALIDATION"}},
			{Op: "checkpoint.reject", As: "approver", Args: map[string]any{"checkpoint": "$cp.id", "reason": "not this week"},
				Expect: &ExpectClause{Case: CaseOK, Result: map[string]any{"status": "rejected"}}},
		},
		Assertions: []Assertion{
			{Type: AssertAuditCount, Identity: "user:alice", Action: "checkpoint.rejected", Count: 1},
			{Type: AssertFinalState, Table: "checkpoints", Where: map[string]any{"id": "$cp.id"},
				Expect: map[string]any{"resolved_by": "bot-1", "resolution_reason": "not this week"}},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestResolveRefs(t *testing.T) {
	vars := map[string]ir.IRObject{"t": {"id": ir.IRString("th-1"), "event_count": ir.IRInt(1)}}

	got, err := resolveRefs(map[string]any{
		"thread": "$t.id",
		"list":   []any{"$t.event_count", "plain"},
		"nested": map[string]any{"n": 3},
	}, vars)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"thread": ir.IRString("th-1"),
		"list":   []any{ir.IRInt(1), "plain"},
		"nested": map[string]any{"n": 3},
	}, got)

	_, err = resolveRefs("$t", vars)
	assert.ErrorContains(t, err, "$name.field")

	_, err = resolveRefs("$t.nope", vars)
	assert.ErrorContains(t, err, `no field "nope"`)
}

func TestOperations_Sorted(t *testing.T) {
	ops := Operations()
	assert.Len(t, ops, len(operations))
	assert.IsIncreasing(t, ops)
	assert.Contains(t, ops, "checkpoint.sweep")
}
