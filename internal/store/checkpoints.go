package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

const checkpointColumns = `id, identity_id, thread_id, event_id, class, action, description, payload,
	status, requested_by, resolved_by, resolution_reason, resolved_at, expires_at, created_at`

// CheckpointFilter narrows ListCheckpoints.
type CheckpointFilter struct {
	IdentityID string
	ThreadID   string
	Status     ir.CheckpointStatus
	Limit      int
}

// InsertCheckpoint writes a new pending checkpoint.
func (q *Queries) InsertCheckpoint(ctx context.Context, cp ir.Checkpoint) error {
	payload, err := marshalPayload(cp.Payload)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cp.ID,
		cp.IdentityID,
		nullString(cp.ThreadID),
		nullString(cp.EventID),
		string(cp.Class),
		cp.Action,
		cp.Description,
		payload,
		string(cp.Status),
		cp.RequestedBy,
		nullString(cp.ResolvedBy),
		nullString(cp.ResolutionReason),
		nullTime(cp.ResolvedAt),
		nullTime(cp.ExpiresAt),
		formatTime(cp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns one checkpoint by id.
func (q *Queries) GetCheckpoint(ctx context.Context, id string) (ir.Checkpoint, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Checkpoint{}, ir.NotFound("checkpoint", id)
	}
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// Resolution is the terminal state a checkpoint moves to.
type Resolution struct {
	Status     ir.CheckpointStatus
	ResolvedBy string
	Reason     string
	ResolvedAt time.Time
	GrantToken string
}

// ResolveCheckpoint moves a pending checkpoint to a terminal state.
//
// The UPDATE is conditional on status = 'pending', so of two concurrent
// resolutions exactly one sees resolved == true. When notExpiredAt is non-nil
// the update also requires expires_at to be absent or later than it.
func (q *Queries) ResolveCheckpoint(ctx context.Context, id string, r Resolution, notExpiredAt *time.Time) (resolved bool, err error) {
	query := `
		UPDATE checkpoints
		SET status = ?, resolved_by = ?, resolution_reason = ?, resolved_at = ?, grant_token = ?
		WHERE id = ? AND status = 'pending'`
	args := []any{
		string(r.Status),
		r.ResolvedBy,
		nullString(r.Reason),
		formatTime(r.ResolvedAt),
		nullString(r.GrantToken),
		id,
	}
	if notExpiredAt != nil {
		query += ` AND (expires_at IS NULL OR expires_at > ?)`
		args = append(args, formatTime(*notExpiredAt))
	}

	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("resolve checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve checkpoint: rows affected: %w", err)
	}
	return n == 1, nil
}

// ListCheckpoints returns checkpoints matching the filter, oldest first.
func (q *Queries) ListCheckpoints(ctx context.Context, f CheckpointFilter) ([]ir.Checkpoint, error) {
	query := `SELECT ` + checkpointColumns + ` FROM checkpoints WHERE 1 = 1`
	var args []any
	if f.IdentityID != "" {
		query += ` AND identity_id = ?`
		args = append(args, f.IdentityID)
	}
	if f.ThreadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, f.ThreadID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at ASC, id COLLATE BINARY ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return q.queryCheckpoints(ctx, query, args...)
}

// ListDuePending returns pending checkpoints whose expiry is at or before now.
func (q *Queries) ListDuePending(ctx context.Context, now time.Time) ([]ir.Checkpoint, error) {
	return q.queryCheckpoints(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC, id COLLATE BINARY ASC
	`, formatTime(now))
}

// RedeemGrant consumes the grant for (thread, action, token) exactly once.
// It returns the checkpoint id on success and "" when no unredeemed grant matches.
func (q *Queries) RedeemGrant(ctx context.Context, threadID, action, token string, at time.Time) (string, error) {
	var id string
	err := q.q.QueryRowContext(ctx, `
		SELECT id FROM checkpoints
		WHERE thread_id = ? AND action = ? AND grant_token = ?
		  AND status = 'approved' AND grant_redeemed_at IS NULL
	`, threadID, action, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redeem grant: %w", err)
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE checkpoints SET grant_redeemed_at = ?
		WHERE id = ? AND grant_redeemed_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return "", fmt.Errorf("redeem grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("redeem grant: rows affected: %w", err)
	}
	if n == 0 {
		return "", nil
	}
	return id, nil
}

func (q *Queries) queryCheckpoints(ctx context.Context, query string, args ...any) ([]ir.Checkpoint, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	out := []ir.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

func scanCheckpoint(s scanner) (ir.Checkpoint, error) {
	var (
		cp                                    ir.Checkpoint
		threadID, eventID, resolvedBy, reason sql.NullString
		resolvedAt, expiresAt                 sql.NullString
		class, status, payload, createdAt     string
	)
	err := s.Scan(
		&cp.ID,
		&cp.IdentityID,
		&threadID,
		&eventID,
		&class,
		&cp.Action,
		&cp.Description,
		&payload,
		&status,
		&cp.RequestedBy,
		&resolvedBy,
		&reason,
		&resolvedAt,
		&expiresAt,
		&createdAt,
	)
	if err != nil {
		return ir.Checkpoint{}, err
	}
	cp.ThreadID = threadID.String
	cp.EventID = eventID.String
	cp.Class = ir.CheckpointClass(class)
	cp.Status = ir.CheckpointStatus(status)
	cp.ResolvedBy = resolvedBy.String
	cp.ResolutionReason = reason.String
	if cp.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.Checkpoint{}, err
	}
	if cp.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return ir.Checkpoint{}, err
	}
	if cp.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return ir.Checkpoint{}, err
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Checkpoint{}, err
	}
	return cp, nil
}
