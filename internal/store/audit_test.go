package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

func TestAuditInsertAndQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	for i := 0; i < 4; i++ {
		identity := "id-1"
		if i == 3 {
			identity = "id-2"
		}
		require.NoError(t, q.InsertAudit(ctx, ir.AuditEntry{
			ID:           fmt.Sprintf("au-%d", i),
			Timestamp:    baseTime.Add(time.Duration(i) * time.Minute),
			IdentityID:   identity,
			ActorType:    ir.ActorHuman,
			ActorID:      "alice",
			Action:       "thread.event_appended",
			ResourceType: "thread",
			ResourceID:   "th-1",
			Details:      ir.IRObject{"sequence_number": ir.IRInt(int64(i + 1))},
		}))
	}

	mine, err := q.QueryAudit(ctx, AuditFilter{IdentityID: "id-1"})
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, "au-2", mine[0].ID, "newest first")
	assert.Equal(t, "au-0", mine[2].ID)
	assert.Equal(t, ir.IRInt(1), mine[2].Details["sequence_number"])

	since := baseTime.Add(time.Minute)
	until := baseTime.Add(2 * time.Minute)
	window, err := q.QueryAudit(ctx, AuditFilter{IdentityID: "id-1", Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "au-1", window[0].ID)

	limited, err := q.QueryAudit(ctx, AuditFilter{IdentityID: "id-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAuditIDsAreUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()
	e := ir.AuditEntry{ID: "au-1", Timestamp: baseTime, IdentityID: "id-1", ActorType: ir.ActorSystem, ActorID: "system", Action: "x", ResourceType: "thread"}
	require.NoError(t, q.InsertAudit(ctx, e))
	err := q.InsertAudit(ctx, e)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}
