package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

const threadColumns = `id, identity_id, created_by, founding_intent, sphere, type, status,
	visibility, parent_thread_id, event_count, created_at, updated_at`

// ThreadFilter narrows ListThreads. Empty fields match everything.
type ThreadFilter struct {
	IdentityID string
	Sphere     string
	Type       string
	Status     ir.ThreadStatus
	Limit      int
	Offset     int
}

// InsertThread writes a new thread row.
func (q *Queries) InsertThread(ctx context.Context, th ir.Thread) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		th.ID,
		th.IdentityID,
		th.CreatedBy,
		th.FoundingIntent,
		th.Classification.Sphere,
		th.Classification.Type,
		string(th.Classification.Status),
		th.Classification.Visibility,
		nullString(th.ParentThreadID),
		th.EventCount,
		formatTime(th.CreatedAt),
		formatTime(th.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

// GetThread returns the thread with the given id, or ir NOT_FOUND.
func (q *Queries) GetThread(ctx context.Context, id string) (ir.Thread, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Thread{}, ir.NotFound("thread", id)
	}
	if err != nil {
		return ir.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return th, nil
}

// ListThreads returns threads matching the filter, newest first.
func (q *Queries) ListThreads(ctx context.Context, f ThreadFilter) ([]ir.Thread, error) {
	var (
		where []string
		args  []any
	)
	if f.IdentityID != "" {
		where = append(where, "identity_id = ?")
		args = append(args, f.IdentityID)
	}
	if f.Sphere != "" {
		where = append(where, "sphere = ?")
		args = append(args, f.Sphere)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + threadColumns + ` FROM threads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id COLLATE BINARY ASC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	threads := []ir.Thread{}
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// TouchThread records a successful append: event_count and updated_at move together.
func (q *Queries) TouchThread(ctx context.Context, id string, eventCount int64, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE threads SET event_count = ?, updated_at = ? WHERE id = ?
	`, eventCount, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return requireOneRow(res, "thread", id)
}

// SetThreadStatus changes the classification status of a thread.
func (q *Queries) SetThreadStatus(ctx context.Context, id string, status ir.ThreadStatus, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE threads SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("set thread status: %w", err)
	}
	return requireOneRow(res, "thread", id)
}

func scanThread(s scanner) (ir.Thread, error) {
	var (
		th                   ir.Thread
		status               string
		parent               sql.NullString
		createdAt, updatedAt string
	)
	err := s.Scan(
		&th.ID,
		&th.IdentityID,
		&th.CreatedBy,
		&th.FoundingIntent,
		&th.Classification.Sphere,
		&th.Classification.Type,
		&status,
		&th.Classification.Visibility,
		&parent,
		&th.EventCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return ir.Thread{}, err
	}
	th.Classification.Status = ir.ThreadStatus(status)
	th.ParentThreadID = parent.String
	if th.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Thread{}, err
	}
	if th.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ir.Thread{}, err
	}
	return th, nil
}

func requireOneRow(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ir.NotFound(resource, id)
	}
	return nil
}
