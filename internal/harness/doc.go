// Package harness runs YAML scenarios against the thread ledger and the
// checkpoint gate, end to end, on a fresh in-memory store.
//
// # Scenario Format
//
//	name: gated_payment
//	description: "A payment append blocks until a human approves it"
//	policy: policy.cue            # optional, relative to the scenario file
//	principals:
//	  alice: {identity: ident-1, actor: alice, type: human}
//	  bot:   {identity: ident-1, actor: bot-1, type: agent}
//	flow:
//	  - op: thread.create
//	    as: alice
//	    args: {founding_intent: "Q1 vendor payments", sphere: finance}
//	    save: t
//	  - op: thread.append
//	    as: bot
//	    args: {thread: $t.id, event_type: payment.send, payload: {amount: 1200}}
//	    expect: {case: CHECKPOINT_REQUIRED}
//	    save: blocked
//	assertions:
//	  - type: trace_count
//	    op: thread.append
//	    count: 1
//	  - type: final_state
//	    table: threads
//	    where: {id: $t.id}
//	    expect: {event_count: 1}
//
// String arguments of the form $name.field refer to a value saved by an
// earlier step with save: name.
//
// # Operations
//
//   - thread.create, thread.append, thread.correct, thread.archive
//   - checkpoint.create, checkpoint.approve, checkpoint.reject, checkpoint.sweep
//   - clock.advance
//
// # Assertion Types
//
//   - trace_contains: an invocation of op whose args include the given args
//   - trace_order: ops are first invoked in the given order
//   - trace_count: op is invoked exactly count times
//   - final_state: exactly one row of table matches where, and includes expect
//   - audit_count: the identity's audit trail holds count entries for action
//
// # Determinism
//
// Every run uses a manual clock starting at Epoch and sequential ids, and
// step results in the trace omit generated ids, so traces can be compared
// against golden files.
package harness
