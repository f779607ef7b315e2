package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/testutil"
)

func TestSweeperRun(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	g, env := newGate(t)
	ctx, cancel := context.WithCancel(context.Background())

	expires := testutil.Epoch.Add(time.Minute)
	cp, err := g.Create(ctx, requester, CreateRequest{Class: ir.ClassCost, Action: "x", ExpiresAt: &expires})
	require.NoError(t, err)
	env.Clock.Advance(time.Hour)

	done := make(chan error, 1)
	go func() { done <- NewSweeper(g, 5*time.Millisecond, env.Logger).Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := g.Get(context.Background(), approver, cp.ID)
		return err == nil && got.Status == ir.CheckpointExpired
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeperDefaults(t *testing.T) {
	s := NewSweeper(nil, 0, nil)
	assert.Equal(t, DefaultSweepInterval, s.interval)
	assert.NotNil(t, s.logger)
}
