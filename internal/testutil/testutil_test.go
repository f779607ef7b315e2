package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/store"
)

func TestNewEnv(t *testing.T) {
	env := NewEnv(t)

	assert.Equal(t, Epoch, env.Clock.Now())
	assert.Equal(t, "id-0001", env.IDs.New())

	threads, err := env.Store.Queries().ListThreads(context.Background(), store.ThreadFilter{})
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestPrincipals(t *testing.T) {
	require.NoError(t, Human("id-1", "alice").Validate())
	a := Agent("id-1", "bot", "checkpoint:resolve")
	require.NoError(t, a.Validate())
	assert.True(t, a.HasRole("checkpoint:resolve"))
}
