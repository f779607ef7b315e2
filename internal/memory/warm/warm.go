// Package warm holds each owner's compressed, revisable memory: summaries,
// decisions, hypotheses, preferences and short-lived mental models.
//
// Every mutation works on a copy of the current memory and publishes it as
// a new snapshot version; the store rejects a write whose base version is
// stale, so concurrent writers never lose updates. A ristretto cache fronts
// snapshot reads and an optional chromem index adds vector similarity to
// summary search.
package warm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/keylock"
	"github.com/roach88/threadkeep/internal/store"
)

// Defaults.
const (
	DefaultMaxEntries   = 500
	DefaultCacheMaxCost = 64 << 20

	// DefaultRelevance is given to summaries added without a score.
	DefaultRelevance = 0.5
)

// Manager owns warm memory for every owner.
type Manager struct {
	store      *store.Store
	clock      clock.Clock
	ids        idgen.Generator
	maxEntries int
	cache      *ristretto.Cache
	index      *Index
	logger     *slog.Logger

	locks keylock.Map

	// published holds the newest version this manager committed per owner
	// key. Cached snapshots older than it are treated as misses.
	published sync.Map
}

// Option configures a Manager.
type Option func(*managerConfig)

type managerConfig struct {
	maxEntries   int
	cacheMaxCost int64
	index        *Index
	logger       *slog.Logger
}

// WithMaxEntries sets the entry count above which compaction runs.
func WithMaxEntries(n int) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithCacheMaxCost bounds the snapshot cache, in bytes of encoded snapshot.
func WithCacheMaxCost(n int64) Option {
	return func(c *managerConfig) {
		if n > 0 {
			c.cacheMaxCost = n
		}
	}
}

// WithIndex blends vector similarity from idx into SearchSummaries.
func WithIndex(idx *Index) Option {
	return func(c *managerConfig) { c.index = idx }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *managerConfig) { c.logger = l }
}

// New creates a Manager. Call Close to stop the cache.
func New(s *store.Store, clk clock.Clock, ids idgen.Generator, opts ...Option) (*Manager, error) {
	cfg := managerConfig{
		maxEntries:   DefaultMaxEntries,
		cacheMaxCost: DefaultCacheMaxCost,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        1e5,
		MaxCost:            cfg.cacheMaxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return &Manager{
		store:      s,
		clock:      clk,
		ids:        ids,
		maxEntries: cfg.maxEntries,
		cache:      cache,
		index:      cfg.index,
		logger:     cfg.logger,
	}, nil
}

// Close releases the cache.
func (m *Manager) Close() {
	m.cache.Close()
}

// MaxEntries returns the compaction threshold.
func (m *Manager) MaxEntries() int { return m.maxEntries }

// Get returns owner's warm memory. An owner with no memory yet gets an
// empty one at version 0.
func (m *Manager) Get(ctx context.Context, owner ir.Owner) (Memory, error) {
	if err := owner.Validate(); err != nil {
		return Memory{}, err
	}
	mem, err := m.load(ctx, owner)
	if err != nil {
		return Memory{}, err
	}
	return *mem.clone(), nil
}

// load returns the cached snapshot or reads it from the store. The result
// is shared and must not be modified.
func (m *Manager) load(ctx context.Context, owner ir.Owner) (*Memory, error) {
	key := owner.Key()
	if v, ok := m.cache.Get(key); ok {
		if mem, ok := v.(*Memory); ok && mem.Version >= m.latest(key) {
			return mem, nil
		}
	}
	snap, found, err := m.store.Queries().GetWarmSnapshot(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("warm load %s: %w", owner.Key(), err)
	}
	if !found {
		return emptyMemory(owner), nil
	}
	mem := emptyMemory(owner)
	if err := json.Unmarshal(snap.Data, mem); err != nil {
		return nil, fmt.Errorf("warm load %s: decode snapshot: %w", owner.Key(), err)
	}
	mem.Version = snap.Version
	if mem.Version >= m.latest(key) {
		m.cache.Set(key, mem, int64(len(snap.Data)))
	}
	return mem, nil
}

func (m *Manager) latest(key string) int64 {
	if v, ok := m.published.Load(key); ok {
		return v.(int64)
	}
	return 0
}

// mutate applies fn to a copy of owner's memory and publishes the result
// as the next version. A stale cached base is retried once from the store.
func (m *Manager) mutate(ctx context.Context, owner ir.Owner, fn func(*Memory) error) (Memory, error) {
	if err := owner.Validate(); err != nil {
		return Memory{}, err
	}
	unlock := m.locks.Lock(owner.Key())
	defer unlock()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var mem Memory
		mem, err = m.apply(ctx, owner, fn)
		if err == nil {
			return mem, nil
		}
		if !errors.Is(err, store.ErrStaleSnapshot) {
			return Memory{}, err
		}
		m.cache.Del(owner.Key())
	}
	return Memory{}, err
}

func (m *Manager) apply(ctx context.Context, owner ir.Owner, fn func(*Memory) error) (Memory, error) {
	base, err := m.load(ctx, owner)
	if err != nil {
		return Memory{}, err
	}
	work := base.clone()
	if err := fn(work); err != nil {
		return Memory{}, err
	}

	now := m.clock.Now()
	work.recount()
	var evicted []string
	if work.EntryCount > m.maxEntries {
		evicted = compact(work, now)
		m.logger.Info("warm memory compacted",
			"owner", owner.Key(), "evicted_summaries", len(evicted), "entry_count", work.EntryCount)
	}
	work.Version = base.Version + 1
	work.UpdatedAt = now

	data, err := json.Marshal(work)
	if err != nil {
		return Memory{}, fmt.Errorf("warm save %s: encode: %w", owner.Key(), err)
	}
	err = m.store.WithTx(ctx, func(q *store.Queries) error {
		return q.PutWarmSnapshot(ctx, store.WarmSnapshot{
			Owner:     owner,
			Version:   work.Version,
			Data:      data,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return Memory{}, fmt.Errorf("warm save %s: %w", owner.Key(), err)
	}

	m.published.Store(owner.Key(), work.Version)
	// Del first so a dropped Set leaves a miss rather than the old version.
	m.cache.Del(owner.Key())
	m.cache.Set(owner.Key(), work, int64(len(data)))

	if m.index != nil && m.index.Has(owner) {
		if err := m.index.Remove(ctx, owner, evicted...); err != nil {
			m.logger.Warn("warm index remove failed", "owner", owner.Key(), "error", err)
		}
	}
	return *work.clone(), nil
}

// SummaryInput is what AddSummary stores.
type SummaryInput struct {
	ConversationID string
	Text           string
	KeyPoints      []string
	Entities       []string

	// Relevance in [0,1]; zero means DefaultRelevance.
	Relevance float64
}

// AddSummary stores a summary and returns it.
func (m *Manager) AddSummary(ctx context.Context, owner ir.Owner, in SummaryInput) (Summary, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Summary{}, ir.Validation("warm: summary text is required")
	}
	if in.Relevance < 0 || in.Relevance > 1 {
		return Summary{}, ir.Validation("warm: relevance must be within [0,1], got %v", in.Relevance)
	}
	if in.Relevance == 0 {
		in.Relevance = DefaultRelevance
	}
	s := Summary{
		ID:             m.ids.New(),
		ConversationID: in.ConversationID,
		Text:           in.Text,
		KeyPoints:      nonNil(in.KeyPoints),
		Entities:       nonNil(in.Entities),
		Relevance:      in.Relevance,
		CreatedAt:      m.clock.Now(),
	}
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		mem.Summaries = append(mem.Summaries, s)
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	if m.index != nil && m.index.Has(owner) {
		if err := m.index.Upsert(ctx, owner, s); err != nil {
			m.logger.Warn("warm index upsert failed", "owner", owner.Key(), "summary_id", s.ID, "error", err)
		}
	}
	return s, nil
}

// DecisionInput is what AddDecision stores.
type DecisionInput struct {
	ConversationID string
	Decision       string
	Rationale      string
	Alternatives   []string
}

// errUnchanged aborts a mutation that would publish nothing new.
var errUnchanged = errors.New("warm: unchanged")

// AddDecision records a decision. Decisions are never evicted. Recording
// the same decision text for the same conversation again returns the
// existing record.
func (m *Manager) AddDecision(ctx context.Context, owner ir.Owner, in DecisionInput) (Decision, error) {
	if strings.TrimSpace(in.Decision) == "" {
		return Decision{}, ir.Validation("warm: decision text is required")
	}
	d := Decision{
		ID:             m.ids.New(),
		ConversationID: in.ConversationID,
		Decision:       in.Decision,
		Rationale:      in.Rationale,
		Alternatives:   nonNil(in.Alternatives),
		CreatedAt:      m.clock.Now(),
	}
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		if in.ConversationID != "" {
			for _, existing := range mem.Decisions {
				if existing.ConversationID == in.ConversationID && existing.Decision == in.Decision {
					d = existing
					d.Alternatives = append([]string{}, existing.Alternatives...)
					return errUnchanged
				}
			}
		}
		mem.Decisions = append(mem.Decisions, d)
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return Decision{}, err
	}
	return d, nil
}

// AddHypothesis records a new active hypothesis.
func (m *Manager) AddHypothesis(ctx context.Context, owner ir.Owner, statement string, confidence float64) (Hypothesis, error) {
	if strings.TrimSpace(statement) == "" {
		return Hypothesis{}, ir.Validation("warm: hypothesis statement is required")
	}
	if err := checkConfidence(confidence); err != nil {
		return Hypothesis{}, err
	}
	now := m.clock.Now()
	h := Hypothesis{
		ID:         m.ids.New(),
		Statement:  statement,
		Confidence: confidence,
		Status:     HypothesisActive,
		Evidence:   []string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		mem.Hypotheses = append(mem.Hypotheses, h)
		return nil
	})
	if err != nil {
		return Hypothesis{}, err
	}
	return h, nil
}

// HypothesisUpdate revises a hypothesis. Zero fields are left unchanged.
type HypothesisUpdate struct {
	Confidence *float64
	Status     HypothesisStatus
	Evidence   string
}

// UpdateHypothesis applies u to the hypothesis id.
func (m *Manager) UpdateHypothesis(ctx context.Context, owner ir.Owner, id string, u HypothesisUpdate) (Hypothesis, error) {
	if u.Confidence != nil {
		if err := checkConfidence(*u.Confidence); err != nil {
			return Hypothesis{}, err
		}
	}
	if u.Status != "" && !u.Status.valid() {
		return Hypothesis{}, ir.Validation("warm: unknown hypothesis status %q", u.Status)
	}
	var out Hypothesis
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		for i := range mem.Hypotheses {
			h := &mem.Hypotheses[i]
			if h.ID != id {
				continue
			}
			if u.Confidence != nil {
				h.Confidence = *u.Confidence
			}
			if u.Status != "" {
				h.Status = u.Status
			}
			if u.Evidence != "" {
				h.Evidence = append(h.Evidence, u.Evidence)
			}
			h.UpdatedAt = m.clock.Now()
			out = *h
			return nil
		}
		return ir.NotFound("hypothesis", id)
	})
	if err != nil {
		return Hypothesis{}, err
	}
	return out, nil
}

// SetPreference adds or overwrites the preference (category, key).
func (m *Manager) SetPreference(ctx context.Context, owner ir.Owner, category, key, value string) (Preference, error) {
	if strings.TrimSpace(category) == "" || strings.TrimSpace(key) == "" {
		return Preference{}, ir.Validation("warm: preference category and key are required")
	}
	p := Preference{Category: category, Key: key, Value: value, UpdatedAt: m.clock.Now()}
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		for i := range mem.Preferences {
			if mem.Preferences[i].Category == category && mem.Preferences[i].Key == key {
				mem.Preferences[i] = p
				return nil
			}
		}
		mem.Preferences = append(mem.Preferences, p)
		return nil
	})
	if err != nil {
		return Preference{}, err
	}
	return p, nil
}

// AddMentalModel records a model that lapses after ttl.
func (m *Manager) AddMentalModel(ctx context.Context, owner ir.Owner, subject, model string, ttl time.Duration) (MentalModel, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(model) == "" {
		return MentalModel{}, ir.Validation("warm: mental model subject and model are required")
	}
	if ttl <= 0 {
		return MentalModel{}, ir.Validation("warm: mental model ttl must be positive")
	}
	now := m.clock.Now()
	mm := MentalModel{ID: m.ids.New(), Subject: subject, Model: model, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	_, err := m.mutate(ctx, owner, func(mem *Memory) error {
		mem.MentalModels = append(mem.MentalModels, mm)
		return nil
	})
	if err != nil {
		return MentalModel{}, err
	}
	return mm, nil
}

// Compact runs compaction now regardless of the entry count. Expired
// mental models are dropped and, if still over capacity, the lower
// relevance half of the summaries is evicted.
func (m *Manager) Compact(ctx context.Context, owner ir.Owner) (Memory, error) {
	return m.mutate(ctx, owner, func(mem *Memory) error {
		mem.MentalModels = activeModels(mem.MentalModels, m.clock.Now())
		return nil
	})
}

// SearchSummaries returns owner's summaries most relevant to query, best
// first. Summaries sharing no term with the query are left out. With an
// empty query every summary is returned, ranked by relevance and recency.
func (m *Manager) SearchSummaries(ctx context.Context, owner ir.Owner, query string, limit int) ([]Scored, error) {
	if limit <= 0 {
		return nil, ir.Validation("warm: limit must be positive")
	}
	mem, err := m.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	q := terms(query)

	var similarity map[string]float64
	if m.index != nil && len(q) > 0 {
		similarity, err = m.vectorScores(ctx, mem, query)
		if err != nil {
			m.logger.Warn("warm vector search failed, using lexical only", "owner", owner.Key(), "error", err)
			similarity = nil
		}
	}

	out := []Scored{}
	for _, s := range mem.Summaries {
		score := s.Relevance
		if len(q) > 0 {
			lex := lexicalScore(s, q)
			if lex == 0 {
				continue
			}
			score = lex
			if similarity != nil {
				score = 0.5*lex + 0.5*similarity[s.ID]
			}
		}
		out = append(out, Scored{Summary: s, Score: score})
	}
	rank(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Manager) vectorScores(ctx context.Context, mem Memory, query string) (map[string]float64, error) {
	if !m.index.Has(mem.Owner) {
		if err := m.index.Upsert(ctx, mem.Owner, mem.Summaries...); err != nil {
			return nil, err
		}
	}
	return m.index.Query(ctx, mem.Owner, query, len(mem.Summaries))
}

func checkConfidence(c float64) error {
	if c < 0 || c > 1 {
		return ir.Validation("warm: confidence must be within [0,1], got %v", c)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}
