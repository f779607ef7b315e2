package warm

import (
	"slices"
	"strings"
	"unicode"
)

// Scored is a summary with its relevance to a query.
type Scored struct {
	Summary Summary `json:"summary"`
	Score   float64 `json:"score"`
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "we": true, "were": true, "with": true,
}

// terms lowercases s and splits it into distinct content words.
func terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func termSet(parts ...string) map[string]bool {
	set := make(map[string]bool)
	for _, p := range parts {
		for _, t := range terms(p) {
			set[t] = true
		}
	}
	return set
}

// lexicalScore is the share of query terms found in the summary's text and
// key points, weighted 0.7, plus the share found among its entities,
// weighted 0.3.
func lexicalScore(s Summary, query []string) float64 {
	if len(query) == 0 {
		return 0
	}
	body := termSet(append([]string{s.Text}, s.KeyPoints...)...)
	entities := termSet(s.Entities...)
	var inBody, inEntities int
	for _, q := range query {
		if body[q] {
			inBody++
		}
		if entities[q] {
			inEntities++
		}
	}
	n := float64(len(query))
	return 0.7*float64(inBody)/n + 0.3*float64(inEntities)/n
}

// rank orders by score, then relevance, then recency, then id.
func rank(out []Scored) {
	slices.SortFunc(out, func(a, b Scored) int {
		switch {
		case a.Score != b.Score:
			return cmpDesc(a.Score, b.Score)
		case a.Summary.Relevance != b.Summary.Relevance:
			return cmpDesc(a.Summary.Relevance, b.Summary.Relevance)
		case !a.Summary.CreatedAt.Equal(b.Summary.CreatedAt):
			return b.Summary.CreatedAt.Compare(a.Summary.CreatedAt)
		}
		return strings.Compare(a.Summary.ID, b.Summary.ID)
	})
}

func cmpDesc(a, b float64) int {
	if a > b {
		return -1
	}
	return 1
}
