package summarize

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/roach88/threadkeep/internal/ir"
)

// Extractive builds summaries from the messages themselves without any
// model call. Output is deterministic for a given input.
type Extractive struct {
	// MaxKeyPoints bounds KeyPoints. Zero means 5.
	MaxKeyPoints int

	// MaxSummaryRunes bounds Text. Zero means 400.
	MaxSummaryRunes int
}

var decisionMarkers = []string{"decided", "decision:", "we will ", "we'll ", "agreed to", "going with"}

// Summarize joins the first sentence of each user or assistant message.
func (e Extractive) Summarize(ctx context.Context, msgs []ir.Message) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	maxPoints := e.MaxKeyPoints
	if maxPoints <= 0 {
		maxPoints = 5
	}
	maxRunes := e.MaxSummaryRunes
	if maxRunes <= 0 {
		maxRunes = 400
	}

	var sentences []string
	entityCount := map[string]int{}
	for _, m := range msgs {
		if m.Role == ir.RoleSystem {
			continue
		}
		if s := firstSentence(m.Content); s != "" {
			sentences = append(sentences, s)
		}
		for _, ent := range entities(m.Content) {
			entityCount[ent]++
		}
	}

	out := Summary{
		Text:      truncateRunes(strings.Join(sentences, " "), maxRunes),
		KeyPoints: []string{},
		Entities:  rankEntities(entityCount),
	}
	for i, s := range sentences {
		if i == maxPoints {
			break
		}
		out.KeyPoints = append(out.KeyPoints, s)
	}
	return out, nil
}

// ExtractDecisions returns every sentence containing a decision marker.
func (e Extractive) ExtractDecisions(ctx context.Context, msgs []ir.Message) ([]Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []Decision{}
	for _, m := range msgs {
		if m.Role == ir.RoleSystem {
			continue
		}
		for _, s := range splitSentences(m.Content) {
			lower := strings.ToLower(s)
			for _, marker := range decisionMarkers {
				if strings.Contains(lower, marker) {
					d := Decision{Decision: s}
					if i := strings.Index(lower, " because "); i >= 0 {
						d.Decision = strings.TrimSpace(s[:i])
						d.Rationale = strings.TrimSpace(s[i+len(" because "):])
					}
					out = append(out, d)
					break
				}
			}
		}
	}
	return out, nil
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(text[start:i]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func firstSentence(text string) string {
	if s := splitSentences(text); len(s) > 0 {
		return s[0]
	}
	return ""
}

// entities treats capitalized words not at a sentence start as names.
func entities(text string) []string {
	var out []string
	for _, sentence := range splitSentences(text) {
		words := strings.Fields(sentence)
		for i, w := range words {
			if i == 0 {
				continue
			}
			w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
			if w == "" {
				continue
			}
			if r := []rune(w)[0]; unicode.IsUpper(r) {
				out = append(out, w)
			}
		}
	}
	return out
}

func rankEntities(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for e := range counts {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "..."
}
