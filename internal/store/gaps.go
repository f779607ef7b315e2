package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

// EnrichmentGap records an archive step that ran without the summarizer.
// Open gaps are retried later. Resolved and failed gaps keep their rows for
// history; a failed gap is one whose source can no longer be read.
type EnrichmentGap struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Owner          ir.Owner   `json:"owner"`
	Step           string     `json:"step"`
	Error          string     `json:"error"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
}

// InsertGap records a new enrichment gap.
func (q *Queries) InsertGap(ctx context.Context, g EnrichmentGap) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO enrichment_gaps
		(id, conversation_id, owner_id, owner_type, step, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		g.ID,
		g.ConversationID,
		g.Owner.ID,
		g.Owner.Type.String(),
		g.Step,
		g.Error,
		max(g.Attempts, 1),
		formatTime(g.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert gap: %w", err)
	}
	return nil
}

// ListOpenGaps returns gaps neither resolved nor failed, oldest first.
func (q *Queries) ListOpenGaps(ctx context.Context, limit int) ([]EnrichmentGap, error) {
	query := `
		SELECT id, conversation_id, owner_id, owner_type, step, error, attempts, created_at
		FROM enrichment_gaps
		WHERE resolved_at IS NULL AND failed_at IS NULL
		ORDER BY created_at ASC, id COLLATE BINARY ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query gaps: %w", err)
	}
	defer rows.Close()

	out := []EnrichmentGap{}
	for rows.Next() {
		var (
			g                    EnrichmentGap
			ownerType, createdAt string
		)
		if err := rows.Scan(&g.ID, &g.ConversationID, &g.Owner.ID, &ownerType, &g.Step, &g.Error, &g.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		if g.Owner.Type, err = ir.ParseOwnerType(ownerType); err != nil {
			return nil, err
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gaps: %w", err)
	}
	return out, nil
}

// ResolveGap closes a gap.
func (q *Queries) ResolveGap(ctx context.Context, id string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE enrichment_gaps SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL AND failed_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("resolve gap: %w", err)
	}
	return requireOneRow(res, "enrichment_gap", id)
}

// BumpGapAttempt records another failed retry.
func (q *Queries) BumpGapAttempt(ctx context.Context, id, lastError string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE enrichment_gaps SET attempts = attempts + 1, error = ? WHERE id = ?
	`, lastError, id)
	if err != nil {
		return fmt.Errorf("bump gap attempt: %w", err)
	}
	return requireOneRow(res, "enrichment_gap", id)
}

// FailGap closes a gap that can never be retried, keeping the last error.
func (q *Queries) FailGap(ctx context.Context, id, lastError string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE enrichment_gaps SET attempts = attempts + 1, error = ?, failed_at = ?
		WHERE id = ? AND resolved_at IS NULL AND failed_at IS NULL
	`, lastError, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("fail gap: %w", err)
	}
	return requireOneRow(res, "enrichment_gap", id)
}
