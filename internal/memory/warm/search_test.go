package warm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerms(t *testing.T) {
	assert.Equal(t, []string{"q1", "budget", "review", "march"},
		terms("The Q1 budget-review, in March; the budget!"))
	assert.Empty(t, terms("a to of"))
}

func TestLexicalScore(t *testing.T) {
	s := Summary{Text: "Reviewed the Q1 budget", KeyPoints: []string{"hiring freeze"}, Entities: []string{"Q1"}}
	assert.InDelta(t, 0.7*2/3+0.3*1/3, lexicalScore(s, terms("q1 budget offsite")), 1e-9)
	assert.InDelta(t, 0.7, lexicalScore(s, terms("hiring")), 1e-9)
	assert.Zero(t, lexicalScore(s, terms("vacation")))
	assert.Zero(t, lexicalScore(s, nil))
}

func seedSummaries(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	inputs := []SummaryInput{
		{ConversationID: "c1", Text: "Agreed the Q1 budget with finance", Entities: []string{"Q1", "Finance"}, Relevance: 0.4},
		{ConversationID: "c2", Text: "Discussed the offsite venue", Entities: []string{"Lisbon"}, Relevance: 0.9},
		{ConversationID: "c3", Text: "Budget overrun on the Q1 marketing line", Entities: []string{"Q1"}, Relevance: 0.6},
	}
	for _, in := range inputs {
		_, err := m.AddSummary(ctx, alice, in)
		require.NoError(t, err)
	}
}

func TestSearchSummaries_Lexical(t *testing.T) {
	m, _ := newManager(t)
	seedSummaries(t, m)
	ctx := context.Background()

	got, err := m.SearchSummaries(ctx, alice, "Q1 budget", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Equal lexical score; relevance breaks the tie.
	assert.Equal(t, "c3", got[0].Summary.ConversationID)
	assert.Equal(t, "c1", got[1].Summary.ConversationID)
	assert.InDelta(t, 0.85, got[0].Score, 1e-9)

	got, err = m.SearchSummaries(ctx, alice, "lisbon", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.3, got[0].Score, 1e-9)

	got, err = m.SearchSummaries(ctx, alice, "payroll", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchSummaries_EmptyQueryRanksByRelevance(t *testing.T) {
	m, _ := newManager(t)
	seedSummaries(t, m)

	got, err := m.SearchSummaries(context.Background(), alice, "", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].Summary.ConversationID)
	assert.Equal(t, "c3", got[1].Summary.ConversationID)
}

func TestEmbed_NeverZero(t *testing.T) {
	v, err := Embed(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, v, embeddingDims+1)
	assert.NotZero(t, v[embeddingDims])

	a, _ := Embed(context.Background(), "budget budget q1")
	b, _ := Embed(context.Background(), "q1 budget")
	assert.Equal(t, a, b, "terms are deduplicated")
}

func TestSearchSummaries_WithIndex(t *testing.T) {
	idx := NewIndex(nil)
	m, env := newManager(t, WithIndex(idx), WithMaxEntries(3))
	seedSummaries(t, m)
	ctx := context.Background()

	assert.False(t, idx.Has(alice), "index builds lazily")
	got, err := m.SearchSummaries(ctx, alice, "Q1 budget", 10)
	require.NoError(t, err)
	assert.True(t, idx.Has(alice))
	require.Len(t, got, 2)
	for _, s := range got {
		assert.Greater(t, s.Score, 0.0)
		assert.LessOrEqual(t, s.Score, 1.0+1e-6)
	}

	// New summaries go straight into a built index; compaction evicts from it.
	env.Clock.Advance(time.Minute)
	_, err = m.AddSummary(ctx, alice, SummaryInput{ConversationID: "c4", Text: "Q1 budget signed off", Relevance: 1})
	require.NoError(t, err)

	sims, err := idx.Query(ctx, alice, "q1 budget", 10)
	require.NoError(t, err)
	mem, err := m.Get(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, sims, len(mem.Summaries))
	for _, s := range mem.Summaries {
		assert.Contains(t, sims, s.ID)
	}
}

func TestIndexDrop(t *testing.T) {
	idx := NewIndex(nil)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, alice, Summary{ID: "s1", Text: "hello world"}))
	assert.True(t, idx.Has(alice))
	require.NoError(t, idx.Drop(alice))
	assert.False(t, idx.Has(alice))
	require.NoError(t, idx.Remove(ctx, alice, "s1"))
}
