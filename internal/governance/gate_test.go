package governance

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/testutil"
	"github.com/roach88/threadkeep/internal/thread"
)

var (
	requester = testutil.Agent("id-1", "planner")
	approver  = testutil.Human("id-1", "alice")
	outsider  = testutil.Human("id-2", "mallory")
)

func newGate(t *testing.T, opts ...Option) (*Gate, *testutil.Env) {
	t.Helper()
	env := testutil.NewEnv(t)
	opts = append([]Option{WithLogger(env.Logger)}, opts...)
	return New(env.Store, env.Trail, env.Clock, env.IDs, opts...), env
}

func createCost(t *testing.T, g *Gate) ir.Checkpoint {
	t.Helper()
	cp, err := g.Create(context.Background(), requester, CreateRequest{
		Class:       ir.ClassCost,
		Action:      "vendor.pay",
		Description: "pay the vendor",
		Payload:     ir.IRObject{"amount": ir.IRInt(4200)},
	})
	require.NoError(t, err)
	return cp
}

func TestCreate_StartsPending(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()

	cp := createCost(t, g)
	assert.Equal(t, ir.CheckpointPending, cp.Status)
	assert.Equal(t, "id-1", cp.IdentityID)
	assert.Equal(t, "planner", cp.RequestedBy)
	assert.Nil(t, cp.ExpiresAt, "no policy, no expiry")

	got, err := g.Get(ctx, approver, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, ir.IRInt(4200), got.Payload["amount"])

	entries, err := env.Trail.Query(ctx, "id-1", audit.Filter{Action: "checkpoint.created"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, cp.ID, entries[0].ResourceID)
}

func TestCreate_Validation(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()
	past := testutil.Epoch.Add(-time.Minute)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown class", CreateRequest{Class: "urgent", Action: "x"}},
		{"missing action", CreateRequest{Class: ir.ClassCost, Action: "  "}},
		{"expiry in past", CreateRequest{Class: ir.ClassCost, Action: "x", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Create(ctx, requester, tt.req)
			assert.True(t, ir.IsValidation(err), "got %v", err)
		})
	}

	pending, err := g.ListPending(ctx, requester, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreate_PolicyExpiry(t *testing.T) {
	policy, err := ParsePolicy("p.cue", []byte(`default_expiry: "2h"
gate: "vendor.pay": {class: "cost", expiry: "30m"}`))
	require.NoError(t, err)
	g, _ := newGate(t, WithPolicy(policy))

	cp := createCost(t, g)
	require.NotNil(t, cp.ExpiresAt)
	assert.Equal(t, testutil.Epoch.Add(30*time.Minute), *cp.ExpiresAt)

	other, err := g.Create(context.Background(), requester, CreateRequest{Class: ir.ClassGovernance, Action: "policy.change"})
	require.NoError(t, err)
	require.NotNil(t, other.ExpiresAt)
	assert.Equal(t, testutil.Epoch.Add(2*time.Hour), *other.ExpiresAt)
}

func TestRejectThenApprove(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()
	cp := createCost(t, g)

	env.Clock.Advance(time.Minute)
	rejected, err := g.Reject(ctx, approver, cp.ID, "over budget")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointRejected, rejected.Status)
	assert.Equal(t, "alice", rejected.ResolvedBy)
	assert.Equal(t, "over budget", rejected.ResolutionReason)
	require.NotNil(t, rejected.ResolvedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), *rejected.ResolvedAt)

	_, _, err = g.Approve(ctx, approver, cp.ID, "")
	require.Error(t, err)
	assert.True(t, ir.IsInvalidTransition(err))

	stored, err := g.Get(ctx, approver, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointRejected, stored.Status)
}

func TestReject_ReasonRequired(t *testing.T) {
	g, _ := newGate(t)
	cp := createCost(t, g)

	for _, reason := range []string{"", "   ", "no", "nope"} {
		_, err := g.Reject(context.Background(), approver, cp.ID, reason)
		assert.True(t, ir.IsValidation(err), "reason %q", reason)
	}
	got, err := g.Get(context.Background(), approver, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointPending, got.Status)
}

func TestApprove_ReturnsGrant(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()
	cp := createCost(t, g)

	approved, grant, err := g.Approve(ctx, approver, cp.ID, "within budget")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointApproved, approved.Status)
	assert.Equal(t, cp.ID, grant.CheckpointID)
	assert.Equal(t, "vendor.pay", grant.Action)
	assert.Len(t, grant.Token, 64)

	read, err := g.Get(ctx, approver, cp.ID)
	require.NoError(t, err)
	encoded, err := json.Marshal(read)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), grant.Token, "the token is only handed out by Approve")

	entries, err := env.Trail.Query(ctx, "id-1", audit.Filter{ResourceID: cp.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionCheckpointApprove, entries[0].Action)
	assert.Equal(t, "alice", entries[0].ActorID)
}

func TestApprove_TokenComesFromSource(t *testing.T) {
	g, _ := newGate(t, WithTokenSource(func() (string, error) { return "tok-fixed", nil }))
	ctx := context.Background()

	_, grant, err := g.Approve(ctx, approver, createCost(t, g).ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, "tok-fixed", grant.Token)

	failing, _ := newGate(t, WithTokenSource(func() (string, error) { return "", errors.New("entropy exhausted") }))
	cp := createCost(t, failing)
	_, _, err = failing.Approve(ctx, approver, cp.ID, "ok")
	require.Error(t, err)

	still, err := failing.Get(ctx, approver, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointPending, still.Status, "a failed approval changes nothing")
}

func TestApprove_TokensAreUnpredictable(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	_, first, err := g.Approve(ctx, approver, createCost(t, g).ID, "ok")
	require.NoError(t, err)
	_, second, err := g.Approve(ctx, approver, createCost(t, g).ID, "ok")
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)
}

func TestResolve_Authorization(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()
	cp := createCost(t, g)

	_, _, err := g.Approve(ctx, testutil.Agent("id-1", "bot"), cp.ID, "")
	assert.True(t, ir.IsValidation(err), "agent without role")

	_, _, err = g.Approve(ctx, ir.SystemPrincipal("id-1"), cp.ID, "")
	assert.True(t, ir.IsValidation(err), "system never approves")

	_, _, err = g.Approve(ctx, outsider, cp.ID, "")
	assert.True(t, ir.IsBoundaryViolation(err))

	denials, err := env.Trail.Query(ctx, "id-2", audit.Filter{Action: audit.ActionAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denials, 1)

	_, _, err = g.Approve(ctx, testutil.Agent("id-1", "lead-bot", ir.RoleApprover), cp.ID, "")
	require.NoError(t, err)
}

func TestResolve_ConcurrentExactlyOnce(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		cp := createCost(t, g)

		var wg sync.WaitGroup
		var approveErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, approveErr = g.Approve(ctx, approver, cp.ID, "")
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = g.Reject(ctx, approver, cp.ID, "over budget")
		}()
		wg.Wait()

		if approveErr == nil {
			require.Error(t, rejectErr)
			assert.True(t, ir.IsInvalidTransition(rejectErr))
		} else {
			require.NoError(t, rejectErr)
			assert.True(t, ir.IsInvalidTransition(approveErr))
		}
	}
}

func TestApprove_ExpiredButUnswept(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()
	expires := testutil.Epoch.Add(time.Minute)
	cp, err := g.Create(ctx, requester, CreateRequest{Class: ir.ClassSensitive, Action: "x", ExpiresAt: &expires})
	require.NoError(t, err)

	env.Clock.Advance(time.Minute)
	_, _, err = g.Approve(ctx, approver, cp.ID, "")
	require.Error(t, err)
	assert.True(t, ir.IsInvalidTransition(err))

	got, err := g.Get(ctx, approver, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointPending, got.Status, "only the sweeper expires")
}

func TestSweepExpired(t *testing.T) {
	g, env := newGate(t)
	ctx := context.Background()

	soon := testutil.Epoch.Add(time.Minute)
	later := testutil.Epoch.Add(time.Hour)
	a, err := g.Create(ctx, requester, CreateRequest{Class: ir.ClassCost, Action: "a", ExpiresAt: &soon})
	require.NoError(t, err)
	b, err := g.Create(ctx, requester, CreateRequest{Class: ir.ClassCost, Action: "b", ExpiresAt: &later})
	require.NoError(t, err)
	c := createCost(t, g)

	n, err := g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(2 * time.Minute)
	n, err = g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = g.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep is a no-op")

	got, err := g.Get(ctx, approver, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointExpired, got.Status)
	assert.Equal(t, "system", got.ResolvedBy)

	pending, err := g.ListPending(ctx, approver, "")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, b.ID, pending[0].ID)
	assert.Equal(t, c.ID, pending[1].ID)

	entries, err := env.Trail.Query(ctx, "id-1", audit.Filter{Action: audit.ActionCheckpointExpire})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ir.ActorSystem, entries[0].ActorType)

	_, _, err = g.Approve(ctx, approver, a.ID, "")
	assert.True(t, ir.IsInvalidTransition(err))
}

func TestGet_Boundary(t *testing.T) {
	g, _ := newGate(t)
	cp := createCost(t, g)

	_, err := g.Get(context.Background(), outsider, cp.ID)
	assert.True(t, ir.IsBoundaryViolation(err))

	_, err = g.Get(context.Background(), approver, "missing")
	assert.True(t, ir.IsNotFound(err))

	pending, err := g.ListPending(context.Background(), outsider, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGatedAppendEndToEnd(t *testing.T) {
	policy, err := ParsePolicy("p.cue", []byte(`gate: "payment.send": {class: "cost", description: "outbound payment"}`))
	require.NoError(t, err)
	g, env := newGate(t, WithPolicy(policy))
	ledger := thread.New(env.Store, env.Trail, env.Clock, env.IDs, thread.WithGate(g), thread.WithLogger(env.Logger))
	ctx := context.Background()

	th, err := ledger.CreateThread(ctx, requester, thread.CreateRequest{FoundingIntent: "pay vendors"})
	require.NoError(t, err)

	req := thread.AppendRequest{ThreadID: th.ID, EventType: "payment.send", Payload: ir.IRObject{"amount": ir.IRInt(90)}}
	_, err = ledger.AppendEvent(ctx, requester, req)
	require.Error(t, err)
	require.True(t, ir.IsCheckpointRequired(err))
	blocked, _ := ir.AsError(err)

	pending, err := g.ListPending(ctx, approver, th.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, blocked.ResourceID, pending[0].ID)
	assert.Equal(t, ir.ClassCost, pending[0].Class)
	assert.Equal(t, "outbound payment", pending[0].Description)

	_, grant, err := g.Approve(ctx, approver, pending[0].ID, "ok")
	require.NoError(t, err)

	req.GrantToken = "not-the-token"
	_, err = ledger.AppendEvent(ctx, requester, req)
	assert.True(t, ir.IsValidation(err))

	req.GrantToken = grant.Token
	ev, err := ledger.AppendEvent(ctx, requester, req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.SequenceNumber)

	_, err = ledger.AppendEvent(ctx, requester, req)
	assert.True(t, ir.IsValidation(err), "grant is single use")

	redeemed, err := env.Trail.Query(ctx, "id-1", audit.Filter{Action: audit.ActionGrantRedeemed})
	require.NoError(t, err)
	require.Len(t, redeemed, 1)
	assert.Equal(t, pending[0].ID, redeemed[0].ResourceID)
}
