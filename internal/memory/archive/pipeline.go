// Package archive moves conversation content down the memory tiers.
//
// Hot overflow segments and finished conversations are written to blob
// storage and recorded as cold entries. Archiving a conversation also asks
// the summarizer for a summary and decisions and files them in warm
// memory. The cold copy always lands: when the summarizer fails, the
// missing step is recorded as an enrichment gap and retried later from the
// blob copy.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/blob"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/cold"
	"github.com/roach88/threadkeep/internal/memory/hot"
	"github.com/roach88/threadkeep/internal/memory/warm"
	"github.com/roach88/threadkeep/internal/store"
	"github.com/roach88/threadkeep/internal/summarize"
)

// Enrichment steps, as recorded on gaps.
const (
	StepSummary   = "summary"
	StepDecisions = "decisions"
)

// Config wires a Pipeline.
type Config struct {
	Store      *store.Store
	Trail      *audit.Trail
	Cold       *cold.Archive
	Warm       *warm.Manager
	Blobs      blob.Store
	Summarizer summarize.Summarizer
	Clock      clock.Clock
	IDs        idgen.Generator
	Logger     *slog.Logger
}

// Pipeline orchestrates archival. It stores nothing itself.
type Pipeline struct {
	store      *store.Store
	trail      *audit.Trail
	cold       *cold.Archive
	warm       *warm.Manager
	blobs      blob.Store
	summarizer summarize.Summarizer
	clock      clock.Clock
	ids        idgen.Generator
	logger     *slog.Logger
}

var _ hot.Archiver = (*Pipeline)(nil)

// New creates a Pipeline. A nil Summarizer behaves as always unavailable.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		store:      cfg.Store,
		trail:      cfg.Trail,
		cold:       cfg.Cold,
		warm:       cfg.Warm,
		blobs:      cfg.Blobs,
		summarizer: cfg.Summarizer,
		clock:      cfg.Clock,
		ids:        cfg.IDs,
		logger:     cfg.Logger,
	}
	if p.summarizer == nil {
		p.summarizer = summarize.Unavailable{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// ErrCorruptTranscript is returned by ReadTranscript for a blob that does
// not decode as a transcript.
var ErrCorruptTranscript = errors.New("corrupt transcript")

// Transcript is the blob format for archived messages.
type Transcript struct {
	SchemaVersion  string       `json:"schema_version"`
	ConversationID string       `json:"conversation_id"`
	Owner          ir.Owner     `json:"owner"`
	Kind           string       `json:"kind"`
	Messages       []ir.Message `json:"messages"`
}

func encodeTranscript(t Transcript) ([]byte, string, error) {
	t.SchemaVersion = ir.SchemaVersion
	data, err := json.Marshal(t)
	if err != nil {
		return nil, "", fmt.Errorf("encode transcript: %w", err)
	}
	return data, ir.BlobDigest(data), nil
}

// ReadTranscript loads an archived transcript from blob storage.
func ReadTranscript(ctx context.Context, blobs blob.Store, location string) (Transcript, error) {
	data, err := blobs.Get(ctx, location)
	if err != nil {
		return Transcript{}, fmt.Errorf("read transcript %s: %w", location, err)
	}
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return Transcript{}, fmt.Errorf("decode transcript %s: %w: %v", location, ErrCorruptTranscript, err)
	}
	if t.SchemaVersion != "" && t.SchemaVersion != ir.SchemaVersion {
		return Transcript{}, fmt.Errorf("decode transcript %s: %w: schema version %q", location, ErrCorruptTranscript, t.SchemaVersion)
	}
	return t, nil
}

// ArchiveSegment implements hot.Archiver. The segment is stored under a
// content-derived key, so archiving the same segment twice is a no-op.
func (p *Pipeline) ArchiveSegment(ctx context.Context, seg hot.Segment) (string, error) {
	conv, err := p.store.Queries().GetConversation(ctx, seg.ConversationID)
	if err != nil {
		return "", fmt.Errorf("archive segment: %w", err)
	}
	if conv.Owner != seg.Owner {
		return "", ir.NewBoundaryViolation(audit.ResourceConversation, conv.ID)
	}
	if len(seg.Messages) == 0 {
		return "", ir.Validation("archive segment: no messages")
	}

	data, digest, err := encodeTranscript(Transcript{
		ConversationID: conv.ID,
		Owner:          conv.Owner,
		Kind:           string(ir.ColdHotOverflow),
		Messages:       seg.Messages,
	})
	if err != nil {
		return "", err
	}
	location, err := p.blobs.Put(ctx, fmt.Sprintf("conversations/%s/overflow-%s.json", conv.ID, digest), data)
	if err != nil {
		return "", fmt.Errorf("archive segment: %w", err)
	}

	actor := ir.Principal{IdentityID: conv.IdentityID, ActorID: seg.AgentID, ActorType: ir.ActorAgent}
	entry, err := p.cold.Archive(ctx, actor, cold.ArchiveRequest{
		Type:            ir.ColdHotOverflow,
		ReferenceID:     conv.ID + "#" + digest,
		StorageLocation: location,
		ConversationID:  conv.ID,
		Owner:           conv.Owner,
		CreatedAt:       seg.Messages[0].CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("archive segment: %w", err)
	}
	return entry.ID, nil
}

// Request describes one ArchiveConversation run.
type Request struct {
	ConversationID string

	// Messages are the conversation's messages still in hot memory.
	Messages []ir.Message

	GenerateSummary  bool
	ExtractDecisions bool
}

// Result describes one ArchiveConversation run. It is logged, not stored.
type Result struct {
	ConversationID   string   `json:"conversation_id"`
	SummaryID        string   `json:"summary_id,omitempty"`
	DecisionIDs      []string `json:"decision_ids"`
	ColdEntryID      string   `json:"cold_entry_id"`
	MessageCount     int      `json:"message_count"`
	CompressionRatio float64  `json:"compression_ratio"`
	Gaps             []string `json:"gaps"`
}

// ArchiveConversation archives a whole conversation: its overflow
// segments plus req.Messages. Summary and decisions go to warm memory when
// requested and available; the conversation_full cold entry and the
// archived status are written regardless.
func (p *Pipeline) ArchiveConversation(ctx context.Context, pr ir.Principal, req Request) (Result, error) {
	if err := pr.Validate(); err != nil {
		return Result{}, err
	}
	conv, err := p.store.Queries().GetConversation(ctx, req.ConversationID)
	if err != nil {
		return Result{}, fmt.Errorf("archive conversation: %w", err)
	}
	if conv.IdentityID != pr.IdentityID {
		p.deny(ctx, pr, conv.ID)
		return Result{}, ir.NewBoundaryViolation(audit.ResourceConversation, conv.ID)
	}
	if conv.Status != ir.ConversationActive {
		return Result{}, ir.Validation("archive conversation: %s is %s", conv.ID, conv.Status)
	}

	msgs, err := p.gather(ctx, conv, req.Messages)
	if err != nil {
		return Result{}, err
	}
	data, _, err := encodeTranscript(Transcript{
		ConversationID: conv.ID,
		Owner:          conv.Owner,
		Kind:           string(ir.ColdConversationFull),
		Messages:       msgs,
	})
	if err != nil {
		return Result{}, err
	}
	location, err := p.blobs.Put(ctx, fmt.Sprintf("conversations/%s/full.json", conv.ID), data)
	if err != nil {
		return Result{}, fmt.Errorf("archive conversation: %w", err)
	}

	res := Result{ConversationID: conv.ID, DecisionIDs: []string{}, MessageCount: len(msgs), Gaps: []string{}}
	var gaps []store.EnrichmentGap
	if req.GenerateSummary {
		sum, err := p.summarizeInto(ctx, conv, msgs)
		if err != nil {
			gaps = append(gaps, p.gap(conv, StepSummary, err))
		} else {
			res.SummaryID = sum.ID
			res.CompressionRatio = compressionRatio(msgs, sum)
		}
	}
	if req.ExtractDecisions {
		ids, err := p.decisionsInto(ctx, conv, msgs)
		if err != nil {
			gaps = append(gaps, p.gap(conv, StepDecisions, err))
		} else {
			res.DecisionIDs = ids
		}
	}

	now := p.clock.Now()
	err = p.store.WithTx(ctx, func(q *store.Queries) error {
		entry, err := p.cold.ArchiveTx(ctx, q, pr, cold.ArchiveRequest{
			Type:            ir.ColdConversationFull,
			ReferenceID:     conv.ID,
			StorageLocation: location,
			ConversationID:  conv.ID,
			Owner:           conv.Owner,
			CreatedAt:       conv.CreatedAt,
		})
		if err != nil {
			return err
		}
		res.ColdEntryID = entry.ID

		for _, g := range gaps {
			if err := q.InsertGap(ctx, g); err != nil {
				return err
			}
			if _, err := p.trail.Log(ctx, q, pr, audit.Record{
				Action:       audit.ActionEnrichmentGap,
				ResourceType: audit.ResourceConversation,
				ResourceID:   conv.ID,
				Details:      ir.IRObject{"gap_id": ir.IRString(g.ID), "step": ir.IRString(g.Step), "error": ir.IRString(g.Error)},
			}); err != nil {
				return err
			}
			res.Gaps = append(res.Gaps, g.Step)
		}

		ok, err := q.ArchiveConversation(ctx, conv.ID, res.SummaryID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ir.Validation("archive conversation: %s is no longer active", conv.ID)
		}
		_, err = p.trail.Log(ctx, q, pr, audit.Record{
			Action:       audit.ActionConversationArchive,
			ResourceType: audit.ResourceConversation,
			ResourceID:   conv.ID,
			Details: ir.IRObject{
				"cold_entry_id": ir.IRString(res.ColdEntryID),
				"summary_id":    ir.IRString(res.SummaryID),
				"decisions":     ir.IRInt(len(res.DecisionIDs)),
				"messages":      ir.IRInt(res.MessageCount),
				"gaps":          ir.IRInt(len(res.Gaps)),
			},
		})
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("archive conversation %s: %w", conv.ID, err)
	}

	p.logger.Info("conversation archived",
		"conversation_id", conv.ID,
		"cold_entry_id", res.ColdEntryID,
		"summary_id", res.SummaryID,
		"decisions", len(res.DecisionIDs),
		"messages", res.MessageCount,
		"compression_ratio", res.CompressionRatio,
		"gaps", res.Gaps)
	return res, nil
}

// gather returns the overflow segments of conv, oldest first, followed by tail.
func (p *Pipeline) gather(ctx context.Context, conv ir.Conversation, tail []ir.Message) ([]ir.Message, error) {
	entries, err := p.store.Queries().ListColdByConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("archive conversation: %w", err)
	}
	msgs := []ir.Message{}
	for _, e := range entries {
		if e.Type != ir.ColdHotOverflow || e.Owner != conv.Owner {
			continue
		}
		t, err := ReadTranscript(ctx, p.blobs, e.StorageLocation)
		if err != nil {
			return nil, fmt.Errorf("archive conversation: %w", err)
		}
		msgs = append(msgs, t.Messages...)
	}
	return append(msgs, tail...), nil
}

func (p *Pipeline) summarizeInto(ctx context.Context, conv ir.Conversation, msgs []ir.Message) (warm.Summary, error) {
	sum, err := p.summarizer.Summarize(ctx, msgs)
	if err != nil {
		return warm.Summary{}, err
	}
	return p.warm.AddSummary(ctx, conv.Owner, warm.SummaryInput{
		ConversationID: conv.ID,
		Text:           sum.Text,
		KeyPoints:      sum.KeyPoints,
		Entities:       sum.Entities,
	})
}

func (p *Pipeline) decisionsInto(ctx context.Context, conv ir.Conversation, msgs []ir.Message) ([]string, error) {
	decisions, err := p.summarizer.ExtractDecisions(ctx, msgs)
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, d := range decisions {
		rec, err := p.warm.AddDecision(ctx, conv.Owner, warm.DecisionInput{
			ConversationID: conv.ID,
			Decision:       d.Decision,
			Rationale:      d.Rationale,
			Alternatives:   d.Alternatives,
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

func (p *Pipeline) gap(conv ir.Conversation, step string, err error) store.EnrichmentGap {
	p.logger.Warn("archive enrichment unavailable", "conversation_id", conv.ID, "step", step, "error", err)
	return store.EnrichmentGap{
		ID:             p.ids.New(),
		ConversationID: conv.ID,
		Owner:          conv.Owner,
		Step:           step,
		Error:          err.Error(),
		Attempts:       1,
		CreatedAt:      p.clock.Now(),
	}
}

func (p *Pipeline) deny(ctx context.Context, pr ir.Principal, conversationID string) {
	if _, err := p.trail.LogNow(ctx, pr, audit.Record{
		Action:       audit.ActionAccessDenied,
		ResourceType: audit.ResourceConversation,
		ResourceID:   conversationID,
	}); err != nil {
		p.logger.Error("audit denied archive failed", "conversation_id", conversationID, "error", err)
	}
}

// compressionRatio is original tokens over summary tokens.
func compressionRatio(msgs []ir.Message, sum warm.Summary) float64 {
	var original int
	for _, m := range msgs {
		if m.TokenEstimate > 0 {
			original += m.TokenEstimate
		} else {
			original += hot.EstimateTokens(m.Content)
		}
	}
	compressed := hot.EstimateTokens(sum.Text)
	for _, kp := range sum.KeyPoints {
		compressed += hot.EstimateTokens(kp)
	}
	if compressed == 0 {
		return 0
	}
	return float64(original) / float64(compressed)
}

// ArchiveWarmSnapshot copies owner's current warm memory to cold storage,
// filed under the conversation that triggered it.
func (p *Pipeline) ArchiveWarmSnapshot(ctx context.Context, pr ir.Principal, conversationID string, owner ir.Owner) (ir.ColdEntry, error) {
	mem, err := p.warm.Get(ctx, owner)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("archive warm snapshot: %w", err)
	}
	if mem.Version == 0 {
		return ir.ColdEntry{}, ir.Validation("archive warm snapshot: %s has no warm memory", owner.Key())
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("archive warm snapshot: encode: %w", err)
	}
	key := fmt.Sprintf("warm/%s-%s/v%d.json", owner.Type, owner.ID, mem.Version)
	location, err := p.blobs.Put(ctx, key, data)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("archive warm snapshot: %w", err)
	}
	return p.cold.Archive(ctx, pr, cold.ArchiveRequest{
		Type:            ir.ColdWarmSnapshot,
		ReferenceID:     fmt.Sprintf("%s@v%d", owner.Key(), mem.Version),
		StorageLocation: location,
		ConversationID:  conversationID,
		Owner:           owner,
		CreatedAt:       mem.UpdatedAt,
	})
}

// RetryReport counts the outcome of one RetryGaps pass. Failed gaps stay
// open for the next pass; abandoned gaps are closed because their archived
// source can no longer be read.
type RetryReport struct {
	Resolved  int `json:"resolved"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
}

// RetryGaps re-runs up to limit open enrichment steps from the archived
// conversation_full copy. A gap that fails never stops the pass.
func (p *Pipeline) RetryGaps(ctx context.Context, limit int) (RetryReport, error) {
	gaps, err := p.store.Queries().ListOpenGaps(ctx, limit)
	if err != nil {
		return RetryReport{}, fmt.Errorf("retry gaps: %w", err)
	}
	var report RetryReport
	for _, g := range gaps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		retryErr := p.retry(ctx, g)
		if retryErr == nil {
			report.Resolved++
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var bookErr error
		if unrecoverable(retryErr) {
			report.Abandoned++
			p.logger.Error("enrichment gap abandoned", "gap_id", g.ID, "conversation_id", g.ConversationID, "step", g.Step, "error", retryErr)
			bookErr = p.store.WithTx(ctx, func(q *store.Queries) error {
				return q.FailGap(ctx, g.ID, retryErr.Error(), p.clock.Now())
			})
		} else {
			report.Failed++
			p.logger.Warn("enrichment retry failed", "gap_id", g.ID, "step", g.Step, "error", retryErr)
			bookErr = p.store.WithTx(ctx, func(q *store.Queries) error {
				return q.BumpGapAttempt(ctx, g.ID, retryErr.Error())
			})
		}
		if bookErr != nil && !ir.IsNotFound(bookErr) {
			return report, fmt.Errorf("retry gap %s: %w", g.ID, bookErr)
		}
	}
	return report, nil
}

// unrecoverable reports whether a retry can never succeed: the conversation,
// its cold entry or its blob is gone, or the blob is unreadable.
func unrecoverable(err error) bool {
	return ir.IsNotFound(err) ||
		ir.IsValidation(err) ||
		errors.Is(err, blob.ErrNotFound) ||
		errors.Is(err, ErrCorruptTranscript)
}

func (p *Pipeline) retry(ctx context.Context, g store.EnrichmentGap) error {
	conv, err := p.store.Queries().GetConversation(ctx, g.ConversationID)
	if err != nil {
		return err
	}
	id, err := ir.ColdEntryID(ir.ColdConversationFull, conv.ID, conv.Owner)
	if err != nil {
		return err
	}
	entry, err := p.store.Queries().GetColdEntry(ctx, id)
	if err != nil {
		return err
	}
	t, err := ReadTranscript(ctx, p.blobs, entry.StorageLocation)
	if err != nil {
		return err
	}

	var summaryID string
	switch g.Step {
	case StepSummary:
		sum, err := p.existingSummary(ctx, conv)
		if err != nil {
			return err
		}
		if sum.ID == "" {
			if sum, err = p.summarizeInto(ctx, conv, t.Messages); err != nil {
				return enrichmentErr(g.Step, err)
			}
		}
		summaryID = sum.ID
	case StepDecisions:
		if _, err := p.decisionsInto(ctx, conv, t.Messages); err != nil {
			return enrichmentErr(g.Step, err)
		}
	default:
		return ir.Validation("unknown enrichment step %q", g.Step)
	}

	return p.store.WithTx(ctx, func(q *store.Queries) error {
		if summaryID != "" {
			if err := q.SetConversationSummary(ctx, conv.ID, summaryID); err != nil {
				return err
			}
		}
		if err := q.ResolveGap(ctx, g.ID, p.clock.Now()); err != nil {
			return err
		}
		_, err := p.trail.Log(ctx, q, ir.SystemPrincipal(conv.IdentityID), audit.Record{
			Action:       audit.ActionEnrichmentGap,
			ResourceType: audit.ResourceConversation,
			ResourceID:   conv.ID,
			Details:      ir.IRObject{"gap_id": ir.IRString(g.ID), "step": ir.IRString(g.Step), "resolved": ir.IRBool(true)},
		})
		return err
	})
}

// existingSummary finds a summary a previous, partly failed retry already
// filed for conv.
func (p *Pipeline) existingSummary(ctx context.Context, conv ir.Conversation) (warm.Summary, error) {
	mem, err := p.warm.Get(ctx, conv.Owner)
	if err != nil {
		return warm.Summary{}, err
	}
	for _, s := range mem.Summaries {
		if s.ConversationID == conv.ID {
			return s, nil
		}
	}
	return warm.Summary{}, nil
}

func enrichmentErr(step string, err error) error {
	if ir.IsEnrichmentUnavailable(err) {
		return err
	}
	return ir.NewEnrichmentUnavailable(step, err)
}

// Sweep retries gaps every interval until ctx is done.
func (p *Pipeline) Sweep(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := p.RetryGaps(ctx, batch)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("enrichment retry failed", "error", err)
				continue
			}
			if report.Resolved+report.Failed+report.Abandoned > 0 {
				p.logger.Info("enrichment retry", "resolved", report.Resolved, "failed", report.Failed, "abandoned", report.Abandoned)
			}
		}
	}
}
