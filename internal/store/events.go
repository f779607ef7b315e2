package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/threadkeep/internal/ir"
)

// ErrSequenceTaken is returned by InsertEvent when (thread_id, sequence_number)
// is already occupied.
var ErrSequenceTaken = errors.New("sequence number already taken")

const eventColumns = `id, thread_id, sequence_number, parent_event_id, event_type, payload,
	actor_type, actor_id, identity_id, created_at`

// InsertEvent appends an event row. The UNIQUE(thread_id, sequence_number)
// constraint is the last line against two appends reserving the same number.
func (q *Queries) InsertEvent(ctx context.Context, ev ir.ThreadEvent) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO thread_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.ThreadID,
		ev.SequenceNumber,
		nullString(ev.ParentEventID),
		ev.EventType,
		payload,
		string(ev.ActorType),
		ev.ActorID,
		ev.IdentityID,
		formatTime(ev.CreatedAt),
	)
	if IsUniqueViolation(err) {
		return fmt.Errorf("insert event seq %d: %w", ev.SequenceNumber, ErrSequenceTaken)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// LatestEvent returns the highest sequence number and its event id.
// A thread with no events returns (0, "", nil).
func (q *Queries) LatestEvent(ctx context.Context, threadID string) (int64, string, error) {
	var (
		seq int64
		id  string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT sequence_number, id FROM thread_events
		WHERE thread_id = ?
		ORDER BY sequence_number DESC
		LIMIT 1
	`, threadID).Scan(&seq, &id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("latest event: %w", err)
	}
	return seq, id, nil
}

// ListEvents returns events with sequence_number > afterSeq in ascending order.
// limit <= 0 returns all remaining events.
func (q *Queries) ListEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]ir.ThreadEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM thread_events
		WHERE thread_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC`
	args := []any{threadID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.ThreadEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetEvent returns one event by id.
func (q *Queries) GetEvent(ctx context.Context, id string) (ir.ThreadEvent, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM thread_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ThreadEvent{}, ir.NotFound("event", id)
	}
	if err != nil {
		return ir.ThreadEvent{}, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

func scanEvent(s scanner) (ir.ThreadEvent, error) {
	var (
		ev        ir.ThreadEvent
		parent    sql.NullString
		payload   string
		actorType string
		createdAt string
	)
	err := s.Scan(
		&ev.ID,
		&ev.ThreadID,
		&ev.SequenceNumber,
		&parent,
		&ev.EventType,
		&payload,
		&actorType,
		&ev.ActorID,
		&ev.IdentityID,
		&createdAt,
	)
	if err != nil {
		return ir.ThreadEvent{}, err
	}
	ev.ParentEventID = parent.String
	ev.ActorType = ir.ActorType(actorType)
	if ev.Payload, err = unmarshalPayload(payload); err != nil {
		return ir.ThreadEvent{}, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.ThreadEvent{}, err
	}
	return ev, nil
}
