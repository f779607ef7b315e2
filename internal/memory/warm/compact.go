package warm

import (
	"slices"
	"strings"
	"time"
)

// compact drops expired mental models and keeps the higher-relevance half
// of the summaries, newer first on ties. Decisions, hypotheses and
// preferences are never evicted. It returns the evicted summary ids.
func compact(mem *Memory, now time.Time) []string {
	mem.MentalModels = activeModels(mem.MentalModels, now)

	ranked := slices.Clone(mem.Summaries)
	slices.SortStableFunc(ranked, func(a, b Summary) int {
		switch {
		case a.Relevance != b.Relevance:
			return cmpDesc(a.Relevance, b.Relevance)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return b.CreatedAt.Compare(a.CreatedAt)
		}
		return strings.Compare(b.ID, a.ID)
	})
	keep := make(map[string]bool)
	for _, s := range ranked[:(len(ranked)+1)/2] {
		keep[s.ID] = true
	}

	kept := make([]Summary, 0, len(keep))
	var evicted []string
	for _, s := range mem.Summaries {
		if keep[s.ID] {
			kept = append(kept, s)
		} else {
			evicted = append(evicted, s.ID)
		}
	}
	mem.Summaries = kept
	mem.recount()
	return evicted
}

func activeModels(models []MentalModel, now time.Time) []MentalModel {
	out := make([]MentalModel, 0, len(models))
	for _, mm := range models {
		if !mm.Expired(now) {
			out = append(out, mm)
		}
	}
	return out
}
