// Package summarize turns raw conversation messages into summaries and
// decision records for warm memory.
//
// Summarization is an enrichment step. Every implementation here may fail;
// callers treat failure as ENRICHMENT_UNAVAILABLE and carry on archiving.
package summarize

import (
	"context"
	"errors"

	"github.com/roach88/threadkeep/internal/ir"
)

// Summary is the compressed form of a conversation.
type Summary struct {
	Text      string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Entities  []string `json:"entities"`
}

// Decision is one decision extracted from a conversation.
type Decision struct {
	Decision     string   `json:"decision"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Summarizer is the external summarization/extraction service.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []ir.Message) (Summary, error)
	ExtractDecisions(ctx context.Context, msgs []ir.Message) ([]Decision, error)
}

// ErrUnavailable is returned by Unavailable.
var ErrUnavailable = errors.New("summarizer unavailable")

// Unavailable always fails. It stands in when no provider is configured.
type Unavailable struct{}

func (Unavailable) Summarize(context.Context, []ir.Message) (Summary, error) {
	return Summary{}, ErrUnavailable
}

func (Unavailable) ExtractDecisions(context.Context, []ir.Message) ([]Decision, error) {
	return nil, ErrUnavailable
}
