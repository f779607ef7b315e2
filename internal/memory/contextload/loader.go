// Package contextload assembles the bounded context a new reasoning
// session starts from. It reads warm memory and, only when asked, attaches
// cold references. It is the one place that decides what reaches active
// reasoning, and it never returns raw message bodies or cold payloads.
package contextload

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/cold"
	"github.com/roach88/threadkeep/internal/memory/warm"
)

// Defaults applied when a Request leaves a bound at zero.
const (
	DefaultMaxSummaries = 5
	DefaultMaxDecisions = 10
	DefaultMaxColdRefs  = 3

	// conversationBoost lifts cold entries whose conversation produced one
	// of the selected summaries.
	conversationBoost = 0.5
)

// Request bounds one LoadContext call.
type Request struct {
	AgentID            string
	Owner              ir.Owner
	Query              string
	RelevanceThreshold float64
	MaxSummaries       int
	MaxDecisions       int
	IncludeColdRefs    bool
	MaxColdRefs        int
}

// Bundle is the assembled context.
type Bundle struct {
	AgentID      string             `json:"agent_id"`
	Owner        ir.Owner           `json:"owner"`
	Query        string             `json:"query,omitempty"`
	Summaries    []warm.Scored      `json:"summaries"`
	Decisions    []warm.Decision    `json:"decisions"`
	Hypotheses   []warm.Hypothesis  `json:"hypotheses"`
	Preferences  []warm.Preference  `json:"preferences"`
	MentalModels []warm.MentalModel `json:"mental_models"`
	ColdRefs     []cold.Reference   `json:"cold_refs"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

// Loader builds bundles.
type Loader struct {
	warm   *warm.Manager
	cold   *cold.Archive
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Loader. coldArchive may be nil when cold references are
// never requested.
func New(w *warm.Manager, coldArchive *cold.Archive, clk clock.Clock, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{warm: w, cold: coldArchive, clock: clk, logger: logger}
}

// LoadContext selects the top summaries at or above the relevance
// threshold, the most recent decisions, every active hypothesis, every
// preference and the unexpired mental models. Cold references are added
// only when req.IncludeColdRefs is set; each one is an audited access.
func (l *Loader) LoadContext(ctx context.Context, p ir.Principal, req Request) (Bundle, error) {
	if req.AgentID == "" {
		return Bundle{}, ir.Validation("load context: agent_id is required")
	}
	if req.RelevanceThreshold < 0 || req.RelevanceThreshold > 1 {
		return Bundle{}, ir.Validation("load context: relevance_threshold must be within [0,1]")
	}
	if req.MaxSummaries < 0 || req.MaxDecisions < 0 || req.MaxColdRefs < 0 {
		return Bundle{}, ir.Validation("load context: limits must not be negative")
	}
	if req.MaxSummaries == 0 {
		req.MaxSummaries = DefaultMaxSummaries
	}
	if req.MaxDecisions == 0 {
		req.MaxDecisions = DefaultMaxDecisions
	}
	if req.MaxColdRefs == 0 {
		req.MaxColdRefs = DefaultMaxColdRefs
	}

	mem, err := l.warm.Get(ctx, req.Owner)
	if err != nil {
		return Bundle{}, fmt.Errorf("load context: %w", err)
	}
	scored, err := l.warm.SearchSummaries(ctx, req.Owner, req.Query, req.MaxSummaries)
	if err != nil {
		return Bundle{}, fmt.Errorf("load context: %w", err)
	}

	now := l.clock.Now()
	b := Bundle{
		AgentID:      req.AgentID,
		Owner:        req.Owner,
		Query:        req.Query,
		Summaries:    []warm.Scored{},
		Decisions:    mem.RecentDecisions(req.MaxDecisions),
		Hypotheses:   mem.ActiveHypotheses(),
		Preferences:  slices.Clone(mem.Preferences),
		MentalModels: mem.ActiveMentalModels(now),
		ColdRefs:     []cold.Reference{},
		GeneratedAt:  now,
	}
	for _, s := range scored {
		if s.Score >= req.RelevanceThreshold {
			b.Summaries = append(b.Summaries, s)
		}
	}

	if req.IncludeColdRefs {
		if l.cold == nil {
			return Bundle{}, fmt.Errorf("load context: cold references requested but no cold archive is configured")
		}
		if b.ColdRefs, err = l.coldRefs(ctx, p, req, b.Summaries, now); err != nil {
			return Bundle{}, err
		}
	}

	l.logger.Debug("context loaded",
		"agent_id", req.AgentID, "owner", req.Owner.Key(),
		"summaries", len(b.Summaries), "decisions", len(b.Decisions),
		"hypotheses", len(b.Hypotheses), "cold_refs", len(b.ColdRefs))
	return b, nil
}

func (l *Loader) coldRefs(ctx context.Context, p ir.Principal, req Request, summaries []warm.Scored, now time.Time) ([]cold.Reference, error) {
	entries, err := l.cold.ListEntries(ctx, req.Owner, "")
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	related := make(map[string]bool)
	for _, s := range summaries {
		related[s.Summary.ConversationID] = true
	}

	type candidate struct {
		entry ir.ColdEntry
		score float64
	}
	cands := make([]candidate, 0, len(entries))
	for _, e := range entries {
		score := cold.RecencyScore(e, now)
		if related[e.ConversationID] {
			score += conversationBoost
		}
		cands = append(cands, candidate{entry: e, score: score})
	}
	// entries arrive newest first; a stable sort keeps that order on ties.
	slices.SortStableFunc(cands, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	if len(cands) > req.MaxColdRefs {
		cands = cands[:req.MaxColdRefs]
	}

	refs := make([]cold.Reference, 0, len(cands))
	for _, c := range cands {
		ref, err := l.cold.RequestAccess(ctx, p, c.entry.ID, req.Owner, "context load for agent "+req.AgentID)
		if err != nil {
			return nil, fmt.Errorf("load context: %w", err)
		}
		ref.Score = c.score
		refs = append(refs, ref)
	}
	return refs, nil
}

// Render formats the bundle as the plain text handed to a model.
func (b Bundle) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "context for agent %s (%s)\n", b.AgentID, b.Owner.Key())
	if b.Query != "" {
		fmt.Fprintf(&sb, "query: %s\n", b.Query)
	}

	section(&sb, "summaries", len(b.Summaries))
	for _, s := range b.Summaries {
		fmt.Fprintf(&sb, "- [%.2f] %s\n", s.Score, s.Summary.Text)
		for _, kp := range s.Summary.KeyPoints {
			fmt.Fprintf(&sb, "  * %s\n", kp)
		}
	}
	section(&sb, "decisions", len(b.Decisions))
	for _, d := range b.Decisions {
		if d.Rationale != "" {
			fmt.Fprintf(&sb, "- %s (because %s)\n", d.Decision, d.Rationale)
		} else {
			fmt.Fprintf(&sb, "- %s\n", d.Decision)
		}
	}
	section(&sb, "hypotheses", len(b.Hypotheses))
	for _, h := range b.Hypotheses {
		fmt.Fprintf(&sb, "- (%.2f) %s\n", h.Confidence, h.Statement)
	}
	section(&sb, "preferences", len(b.Preferences))
	for _, p := range b.Preferences {
		fmt.Fprintf(&sb, "- %s.%s = %s\n", p.Category, p.Key, p.Value)
	}
	section(&sb, "mental models", len(b.MentalModels))
	for _, m := range b.MentalModels {
		fmt.Fprintf(&sb, "- %s: %s\n", m.Subject, m.Model)
	}
	section(&sb, "cold references", len(b.ColdRefs))
	for _, r := range b.ColdRefs {
		fmt.Fprintf(&sb, "- %s %s\n", r.Reference, r.Summary)
	}
	return sb.String()
}

func section(sb *strings.Builder, name string, n int) {
	if n == 0 {
		fmt.Fprintf(sb, "\n## %s: none\n", name)
		return
	}
	fmt.Fprintf(sb, "\n## %s\n", name)
}
