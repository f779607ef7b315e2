package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/blob"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/archive"
	"github.com/roach88/threadkeep/internal/memory/cold"
	"github.com/roach88/threadkeep/internal/memory/contextload"
	"github.com/roach88/threadkeep/internal/memory/hot"
	"github.com/roach88/threadkeep/internal/memory/warm"
	"github.com/roach88/threadkeep/internal/summarize"
	"github.com/roach88/threadkeep/internal/testutil"
	"github.com/roach88/threadkeep/internal/thread"
)

var (
	alice = ir.UserOwner("alice")
	agent = testutil.Agent("ident-1", "agent-1")
)

type fixture struct {
	env  *testutil.Env
	svc  *Service
	hot  *hot.Manager
	warm *warm.Manager
	cold *cold.Archive
}

func newFixture(t *testing.T, cfg hot.Config) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	w, err := warm.New(env.Store, env.Clock, env.IDs, warm.WithLogger(env.Logger))
	require.NoError(t, err)
	t.Cleanup(w.Close)
	c := cold.New(env.Store, env.Trail, env.Clock, cold.WithLogger(env.Logger))
	pipe := archive.New(archive.Config{
		Store:      env.Store,
		Trail:      env.Trail,
		Cold:       c,
		Warm:       w,
		Blobs:      blob.NewMemory(),
		Summarizer: summarize.Extractive{},
		Clock:      env.Clock,
		IDs:        env.IDs,
		Logger:     env.Logger,
	})
	h := hot.NewManager(pipe, env.Clock, env.Logger)
	svc := New(Config{
		Store:    env.Store,
		Trail:    env.Trail,
		Hot:      h,
		Loader:   contextload.New(w, c, env.Clock, env.Logger),
		Pipeline: pipe,
		Clock:    env.Clock,
		IDs:      env.IDs,
		HotCfg:   cfg,
		Logger:   env.Logger,
	})
	return &fixture{env: env, svc: svc, hot: h, warm: w, cold: c}
}

func TestSession_Lifecycle(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()

	st, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	require.NoError(t, err)
	assert.Equal(t, ir.ConversationActive, st.Conversation.Status)
	assert.Equal(t, "default", st.Conversation.Scope)
	assert.Equal(t, hot.DefaultConfig(), st.Memory.Config)
	assert.Nil(t, st.Context)

	entries, err := f.env.Trail.Query(ctx, "ident-1", audit.Filter{Action: audit.ActionConversationStart})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, st.Conversation.ID, entries[0].ResourceID)

	_, err = f.svc.AddMessage(ctx, "agent-1", ir.RoleUser, "Can we move the launch to March?", 0)
	require.NoError(t, err)
	mem, err := f.svc.AddMessage(ctx, "agent-1", ir.RoleAssistant, "We decided to ship in March because runway is short.", 0)
	require.NoError(t, err)
	assert.Len(t, mem.Messages, 2)

	end, err := f.svc.End(ctx, agent, EndRequest{AgentID: "agent-1", Archive: true, GenerateSummary: true, ExtractDecisions: true})
	require.NoError(t, err)
	require.NotNil(t, end.Result)
	assert.Equal(t, 2, end.Result.MessageCount)
	assert.NotEmpty(t, end.Result.SummaryID)
	assert.Len(t, end.Result.DecisionIDs, 1)
	assert.Len(t, end.Memory.Messages, 2)
	assert.Equal(t, 0, f.hot.Len())

	conv, err := f.env.Store.Queries().GetConversation(ctx, st.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ConversationArchived, conv.Status)
	assert.Equal(t, end.Result.SummaryID, conv.SummaryID)

	w, err := f.warm.Get(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, w.Summaries, 1)
	assert.Len(t, w.Decisions, 1)
}

func TestSession_OverflowIsGatheredOnEnd(t *testing.T) {
	f := newFixture(t, hot.Config{MaxTokens: 20, MaxMessages: 10})
	ctx := context.Background()

	st, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	require.NoError(t, err)
	for _, tokens := range []int{10, 8, 10} {
		_, err := f.svc.AddMessage(ctx, "agent-1", ir.RoleUser, "status update", tokens)
		require.NoError(t, err)
	}
	mem, ok := f.hot.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, 1, mem.Segments)
	assert.LessOrEqual(t, mem.TokenCount, 20)

	overflow, err := f.cold.ListEntries(ctx, alice, ir.ColdHotOverflow)
	require.NoError(t, err)
	require.Len(t, overflow, 1)
	assert.Equal(t, st.Conversation.ID, overflow[0].ConversationID)

	end, err := f.svc.End(ctx, agent, EndRequest{AgentID: "agent-1", Archive: true})
	require.NoError(t, err)
	assert.Equal(t, 3, end.Result.MessageCount, "two archived in the segment plus the tail, without the marker")
	assert.Empty(t, end.Result.Gaps)
}

func TestSession_Preload(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()
	_, err := f.warm.AddSummary(ctx, alice, warm.SummaryInput{
		ConversationID: "earlier", Text: "Agreed the Q1 budget", Entities: []string{"Q1"}, Relevance: 0.8,
	})
	require.NoError(t, err)

	st, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice, Preload: true, Query: "budget"})
	require.NoError(t, err)
	require.NotNil(t, st.Context)
	require.Len(t, st.Context.Summaries, 1)
	assert.Equal(t, "earlier", st.Context.Summaries[0].Summary.ConversationID)
	assert.Equal(t, ir.IRInt(1), st.Memory.ReasoningState["preloaded_summaries"])
	assert.Equal(t, ir.IRInt(0), st.Memory.ReasoningState["preloaded_cold_refs"])
}

func TestSession_Guards(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()

	_, err := f.svc.Start(ctx, agent, StartRequest{Owner: alice})
	assert.True(t, ir.IsValidation(err))
	_, err = f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1"})
	assert.True(t, ir.IsValidation(err))

	st, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	assert.True(t, ir.IsValidation(err), "one open session per agent")

	_, err = f.svc.End(ctx, agent, EndRequest{AgentID: "nobody"})
	assert.True(t, ir.IsNotFound(err))

	mallory := testutil.Agent("ident-2", "agent-1")
	_, err = f.svc.End(ctx, mallory, EndRequest{AgentID: "agent-1", Archive: true})
	assert.True(t, ir.IsBoundaryViolation(err))
	_, ok := f.hot.Get("agent-1")
	assert.True(t, ok, "a denied end keeps hot memory")
	denied, err := f.env.Trail.Query(ctx, "ident-2", audit.Filter{Action: audit.ActionAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 1)

	end, err := f.svc.End(ctx, agent, EndRequest{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Nil(t, end.Result)
	conv, err := f.env.Store.Queries().GetConversation(ctx, st.Conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.ConversationFrozen, conv.Status)
	frozen, err := f.env.Trail.Query(ctx, "ident-1", audit.Filter{Action: audit.ActionConversationFrozen})
	require.NoError(t, err)
	require.Len(t, frozen, 1)
	assert.Equal(t, st.Conversation.ID, frozen[0].ResourceID)
}

func TestSession_EndWithWarmSnapshot(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()

	_, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	require.NoError(t, err)
	_, err = f.svc.AddMessage(ctx, "agent-1", ir.RoleUser, "We decided to ship in March because runway is short.", 0)
	require.NoError(t, err)

	end, err := f.svc.End(ctx, agent, EndRequest{AgentID: "agent-1", Archive: true, GenerateSummary: true, ExtractDecisions: true, SnapshotWarm: true})
	require.NoError(t, err)
	require.NotNil(t, end.WarmSnapshot)
	assert.Equal(t, ir.ColdWarmSnapshot, end.WarmSnapshot.Type)
	assert.Equal(t, alice, end.WarmSnapshot.Owner)

	entries, err := f.cold.ListEntries(ctx, alice, ir.ColdWarmSnapshot)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSession_SnapshotWithoutWarmMemory(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()

	_, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice})
	require.NoError(t, err)
	end, err := f.svc.End(ctx, agent, EndRequest{AgentID: "agent-1", SnapshotWarm: true})
	require.NoError(t, err)
	assert.Nil(t, end.WarmSnapshot, "nothing to snapshot is not an error")
	assert.Equal(t, 0, f.hot.Len())
}

func TestSession_ForeignThread(t *testing.T) {
	f := newFixture(t, hot.Config{})
	ctx := context.Background()
	threads := thread.New(f.env.Store, f.env.Trail, f.env.Clock, f.env.IDs, thread.WithLogger(f.env.Logger))
	th, err := threads.CreateThread(ctx, testutil.Human("ident-2", "bob"), thread.CreateRequest{FoundingIntent: "bob's planning"})
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice, ThreadID: th.ID})
	assert.True(t, ir.IsBoundaryViolation(err))
	assert.Equal(t, 0, f.hot.Len())

	own, err := threads.CreateThread(ctx, testutil.Human("ident-1", "alice"), thread.CreateRequest{FoundingIntent: "launch planning"})
	require.NoError(t, err)
	st, err := f.svc.Start(ctx, agent, StartRequest{AgentID: "agent-1", Owner: alice, ThreadID: own.ID})
	require.NoError(t, err)
	assert.Equal(t, own.ID, st.Conversation.ThreadID)
}
