package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

func TestCheckpointRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	exp := baseTime.Add(time.Hour)
	cp := testCheckpoint("cp-1", &exp)
	require.NoError(t, q.InsertCheckpoint(ctx, cp))

	got, err := q.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, cp, got)

	_, err = q.GetCheckpoint(ctx, "missing")
	assert.True(t, ir.IsNotFound(err))
}

func TestResolveCheckpoint_OnlyOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()
	require.NoError(t, q.InsertCheckpoint(ctx, testCheckpoint("cp-1", nil)))

	at := baseTime.Add(time.Minute)
	ok, err := q.ResolveCheckpoint(ctx, "cp-1", Resolution{Status: ir.CheckpointApproved, ResolvedBy: "alice", ResolvedAt: at, GrantToken: "tok"}, &at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.ResolveCheckpoint(ctx, "cp-1", Resolution{Status: ir.CheckpointRejected, ResolvedBy: "bob", Reason: "changed my mind", ResolvedAt: at}, &at)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.GetCheckpoint(ctx, "cp-1")
	require.NoError(t, err)
	assert.Equal(t, ir.CheckpointApproved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, at, *got.ResolvedAt)
}

func TestResolveCheckpoint_RespectsExpiry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()
	exp := baseTime.Add(time.Hour)
	require.NoError(t, q.InsertCheckpoint(ctx, testCheckpoint("cp-1", &exp)))

	late := exp.Add(time.Nanosecond)
	ok, err := q.ResolveCheckpoint(ctx, "cp-1", Resolution{Status: ir.CheckpointApproved, ResolvedBy: "alice", ResolvedAt: late}, &late)
	require.NoError(t, err)
	assert.False(t, ok)

	// The sweeper passes no expiry guard.
	ok, err = q.ResolveCheckpoint(ctx, "cp-1", Resolution{Status: ir.CheckpointExpired, ResolvedBy: "system", ResolvedAt: late}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListCheckpointsAndDue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	soon := baseTime.Add(time.Minute)
	later := baseTime.Add(time.Hour)
	a := testCheckpoint("cp-a", &soon)
	b := testCheckpoint("cp-b", &later)
	c := testCheckpoint("cp-c", nil)
	c.IdentityID = "id-2"
	for _, cp := range []ir.Checkpoint{a, b, c} {
		require.NoError(t, q.InsertCheckpoint(ctx, cp))
	}

	pending, err := q.ListCheckpoints(ctx, CheckpointFilter{IdentityID: "id-1", Status: ir.CheckpointPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "cp-a", pending[0].ID)

	due, err := q.ListDuePending(ctx, baseTime.Add(10*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "cp-a", due[0].ID)
}

func TestRedeemGrant_SingleUse(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()
	require.NoError(t, q.InsertCheckpoint(ctx, testCheckpoint("cp-1", nil)))

	id, err := q.RedeemGrant(ctx, "th-1", "payment.send", "tok", baseTime)
	require.NoError(t, err)
	assert.Empty(t, id, "pending checkpoint has no grant")

	_, err = q.ResolveCheckpoint(ctx, "cp-1", Resolution{Status: ir.CheckpointApproved, ResolvedBy: "alice", ResolvedAt: baseTime, GrantToken: "tok"}, nil)
	require.NoError(t, err)

	id, err = q.RedeemGrant(ctx, "th-1", "payment.send", "wrong", baseTime)
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = q.RedeemGrant(ctx, "th-1", "payment.send", "tok", baseTime)
	require.NoError(t, err)
	assert.Equal(t, "cp-1", id)

	id, err = q.RedeemGrant(ctx, "th-1", "payment.send", "tok", baseTime)
	require.NoError(t, err)
	assert.Empty(t, id, "grant is consumed")
}
