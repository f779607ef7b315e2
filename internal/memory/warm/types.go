package warm

import (
	"slices"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

// Summary is a compressed account of one conversation.
type Summary struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	KeyPoints      []string  `json:"key_points"`
	Entities       []string  `json:"entities"`
	Relevance      float64   `json:"relevance"`
	CreatedAt      time.Time `json:"created_at"`
}

// Decision is a recorded choice with its rationale.
type Decision struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Decision       string    `json:"decision"`
	Rationale      string    `json:"rationale"`
	Alternatives   []string  `json:"alternatives"`
	CreatedAt      time.Time `json:"created_at"`
}

// HypothesisStatus tracks whether a hypothesis still stands.
type HypothesisStatus string

const (
	HypothesisActive    HypothesisStatus = "active"
	HypothesisConfirmed HypothesisStatus = "confirmed"
	HypothesisRejected  HypothesisStatus = "rejected"
)

func (s HypothesisStatus) valid() bool {
	return s == HypothesisActive || s == HypothesisConfirmed || s == HypothesisRejected
}

// Hypothesis is a revisable belief about the owner's world.
type Hypothesis struct {
	ID         string           `json:"id"`
	Statement  string           `json:"statement"`
	Confidence float64          `json:"confidence"`
	Status     HypothesisStatus `json:"status"`
	Evidence   []string         `json:"evidence"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Preference is keyed by (Category, Key); setting it again overwrites.
type Preference struct {
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MentalModel is a transient working model that lapses at ExpiresAt.
type MentalModel struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the model has lapsed at now.
func (m MentalModel) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Memory is one owner's warm memory.
type Memory struct {
	Owner        ir.Owner      `json:"owner"`
	Summaries    []Summary     `json:"summaries"`
	Decisions    []Decision    `json:"decisions"`
	Hypotheses   []Hypothesis  `json:"hypotheses"`
	Preferences  []Preference  `json:"preferences"`
	MentalModels []MentalModel `json:"mental_models"`
	EntryCount   int           `json:"entry_count"`
	Version      int64         `json:"version"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func emptyMemory(owner ir.Owner) *Memory {
	return &Memory{
		Owner:        owner,
		Summaries:    []Summary{},
		Decisions:    []Decision{},
		Hypotheses:   []Hypothesis{},
		Preferences:  []Preference{},
		MentalModels: []MentalModel{},
	}
}

func (m *Memory) recount() {
	m.EntryCount = len(m.Summaries) + len(m.Decisions) + len(m.Hypotheses) +
		len(m.Preferences) + len(m.MentalModels)
}

// clone deep-copies m so a mutation never touches a published snapshot.
func (m *Memory) clone() *Memory {
	out := *m
	out.Summaries = make([]Summary, len(m.Summaries))
	for i, s := range m.Summaries {
		s.KeyPoints = slices.Clone(s.KeyPoints)
		s.Entities = slices.Clone(s.Entities)
		out.Summaries[i] = s
	}
	out.Decisions = make([]Decision, len(m.Decisions))
	for i, d := range m.Decisions {
		d.Alternatives = slices.Clone(d.Alternatives)
		out.Decisions[i] = d
	}
	out.Hypotheses = make([]Hypothesis, len(m.Hypotheses))
	for i, h := range m.Hypotheses {
		h.Evidence = slices.Clone(h.Evidence)
		out.Hypotheses[i] = h
	}
	out.Preferences = slices.Clone(m.Preferences)
	out.MentalModels = slices.Clone(m.MentalModels)
	if out.Preferences == nil {
		out.Preferences = []Preference{}
	}
	if out.MentalModels == nil {
		out.MentalModels = []MentalModel{}
	}
	return &out
}

// ActiveHypotheses returns the hypotheses still marked active.
func (m Memory) ActiveHypotheses() []Hypothesis {
	out := []Hypothesis{}
	for _, h := range m.Hypotheses {
		if h.Status == HypothesisActive {
			out = append(out, h)
		}
	}
	return out
}

// ActiveMentalModels returns the models that have not lapsed at now.
func (m Memory) ActiveMentalModels(now time.Time) []MentalModel {
	return activeModels(m.MentalModels, now)
}

// RecentDecisions returns up to n decisions, newest first.
func (m Memory) RecentDecisions(n int) []Decision {
	out := slices.Clone(m.Decisions)
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b Decision) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	if out == nil {
		out = []Decision{}
	}
	return out
}
