package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

func TestThreadRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	th := testThread("th-1", "id-1")
	th.ParentThreadID = "th-0"
	require.NoError(t, q.InsertThread(ctx, th))

	got, err := q.GetThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, th, got)
}

func TestGetThread_NotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Queries().GetThread(context.Background(), "missing")
	assert.True(t, ir.IsNotFound(err))
}

func TestListThreads_Filters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	a := testThread("th-a", "id-1")
	b := testThread("th-b", "id-1")
	b.Classification.Sphere = "home"
	b.CreatedAt = baseTime.Add(time.Minute)
	c := testThread("th-c", "id-2")
	for _, th := range []ir.Thread{a, b, c} {
		require.NoError(t, q.InsertThread(ctx, th))
	}

	mine, err := q.ListThreads(ctx, ThreadFilter{IdentityID: "id-1"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "th-b", mine[0].ID, "newest first")

	home, err := q.ListThreads(ctx, ThreadFilter{IdentityID: "id-1", Sphere: "home"})
	require.NoError(t, err)
	require.Len(t, home, 1)
	assert.Equal(t, "th-b", home[0].ID)

	page, err := q.ListThreads(ctx, ThreadFilter{IdentityID: "id-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "th-a", page[0].ID)

	none, err := q.ListThreads(ctx, ThreadFilter{IdentityID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestTouchAndStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	q := s.Queries()
	require.NoError(t, q.InsertThread(ctx, testThread("th-1", "id-1")))

	later := baseTime.Add(time.Hour)
	require.NoError(t, q.TouchThread(ctx, "th-1", 5, later))
	require.NoError(t, q.SetThreadStatus(ctx, "th-1", ir.ThreadArchived, later))

	th, err := q.GetThread(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), th.EventCount)
	assert.Equal(t, later, th.UpdatedAt)
	assert.Equal(t, ir.ThreadArchived, th.Classification.Status)

	assert.True(t, ir.IsNotFound(q.TouchThread(ctx, "missing", 1, later)))
}
