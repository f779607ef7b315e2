package summarize

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/threadkeep/internal/ir"
)

var conversation = []ir.Message{
	{Role: ir.RoleUser, Content: "Plan the Q1 launch with Dana. Budget is tight."},
	{Role: ir.RoleAssistant, Content: "We decided to ship in March because Dana needs two weeks of QA. Marketing waits."},
	{Role: ir.RoleSystem, Content: "[archived 3 messages]"},
	{Role: ir.RoleUser, Content: "Going with the smaller venue."},
}

func TestExtractiveSummarize(t *testing.T) {
	s, err := Extractive{}.Summarize(context.Background(), conversation)
	require.NoError(t, err)

	assert.Equal(t, "Plan the Q1 launch with Dana We decided to ship in March because Dana needs two weeks of QA Going with the smaller venue", s.Text)
	assert.Equal(t, []string{
		"Plan the Q1 launch with Dana",
		"We decided to ship in March because Dana needs two weeks of QA",
		"Going with the smaller venue",
	}, s.KeyPoints)
	require.NotEmpty(t, s.Entities)
	assert.Equal(t, "Dana", s.Entities[0])
	assert.NotContains(t, s.Text, "archived", "system markers are skipped")
}

func TestExtractiveTruncates(t *testing.T) {
	s, err := Extractive{MaxSummaryRunes: 10, MaxKeyPoints: 1}.Summarize(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, "Plan the Q...", s.Text)
	assert.Len(t, s.KeyPoints, 1)
}

func TestExtractiveDecisions(t *testing.T) {
	ds, err := Extractive{}.ExtractDecisions(context.Background(), conversation)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "We decided to ship in March", ds[0].Decision)
	assert.Equal(t, "Dana needs two weeks of QA", ds[0].Rationale)
	assert.Equal(t, "Going with the smaller venue", ds[1].Decision)
	assert.Empty(t, ds[1].Rationale)

	none, err := Extractive{}.ExtractDecisions(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestUnavailable(t *testing.T) {
	_, err := Unavailable{}.Summarize(context.Background(), conversation)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = Unavailable{}.ExtractDecisions(context.Background(), conversation)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type fakeMessages struct {
	text   string
	err    error
	params anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = body
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{{Type: "text", Text: f.text}}}, nil
}

func TestAnthropicSummarize(t *testing.T) {
	fake := &fakeMessages{text: "Here you go:\n```json\n{\"summary\": \"Q1 launch moved to March\", \"key_points\": [\"QA needs two weeks\"], \"entities\": [\"Dana\"]}\n```"}
	a := newAnthropic(fake, "")

	s, err := a.Summarize(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, "Q1 launch moved to March", s.Text)
	assert.Equal(t, []string{"QA needs two weeks"}, s.KeyPoints)
	assert.Equal(t, []string{"Dana"}, s.Entities)

	assert.Equal(t, anthropic.Model(DefaultModel), fake.params.Model)
	require.Len(t, fake.params.Messages, 1)
}

func TestAnthropicDecisions(t *testing.T) {
	fake := &fakeMessages{text: `{"decisions": [{"decision": "ship in March", "rationale": "QA", "alternatives": ["February"]}]}`}
	ds, err := newAnthropic(fake, "claude-sonnet-4-5").ExtractDecisions(context.Background(), conversation)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "ship in March", ds[0].Decision)
	assert.Equal(t, []string{"February"}, ds[0].Alternatives)
	assert.Equal(t, anthropic.Model("claude-sonnet-4-5"), fake.params.Model)
}

func TestAnthropicErrors(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeMessages
	}{
		{"api error", &fakeMessages{err: errors.New("overloaded")}},
		{"no json", &fakeMessages{text: "I cannot help with that."}},
		{"bad json", &fakeMessages{text: `{"summary": }`}},
		{"empty summary", &fakeMessages{text: `{"summary": "  "}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newAnthropic(tt.fake, "").Summarize(context.Background(), conversation)
			assert.Error(t, err)
		})
	}
}

type blockingSummarizer struct {
	release chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (b *blockingSummarizer) Summarize(context.Context, []ir.Message) (Summary, error) {
	n := b.active.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	<-b.release
	b.active.Add(-1)
	return Summary{Text: "done"}, nil
}

func (b *blockingSummarizer) ExtractDecisions(context.Context, []ir.Message) ([]Decision, error) {
	return nil, errors.New("boom")
}

func TestGuardTimeout(t *testing.T) {
	inner := &blockingSummarizer{release: make(chan struct{})}
	defer close(inner.release)
	g := NewGuard(inner, 20*time.Millisecond, 1)

	start := time.Now()
	_, err := g.Summarize(context.Background(), conversation)
	require.Error(t, err)
	assert.True(t, ir.IsEnrichmentUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuardMapsErrors(t *testing.T) {
	g := NewGuard(&blockingSummarizer{}, time.Second, 1)
	_, err := g.ExtractDecisions(context.Background(), conversation)
	require.Error(t, err)
	assert.True(t, ir.IsEnrichmentUnavailable(err))
	assert.Contains(t, err.Error(), "boom")

	_, err = NewGuard(Unavailable{}, time.Second, 1).Summarize(context.Background(), conversation)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGuardLimitsConcurrency(t *testing.T) {
	inner := &blockingSummarizer{release: make(chan struct{})}
	g := NewGuard(inner, 5*time.Second, 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Summarize(context.Background(), conversation)
		}()
	}
	require.Eventually(t, func() bool { return inner.active.Load() == 2 }, time.Second, time.Millisecond)
	close(inner.release)
	wg.Wait()
	assert.Equal(t, int32(2), inner.peak.Load())
}

func TestGuardPassesThrough(t *testing.T) {
	g := NewGuard(Extractive{}, 0, 0)
	s, err := g.Summarize(context.Background(), conversation)
	require.NoError(t, err)
	assert.NotEmpty(t, s.Text)
}
