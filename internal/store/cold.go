package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

const coldColumns = `id, entry_type, reference_id, storage_location, conversation_id,
	owner_id, owner_type, created_at, archived_at, checksum, access_count, last_accessed_at`

// ColdAccess is one row of the cold access log. Denied attempts are logged too.
type ColdAccess struct {
	EntryID      string       `json:"entry_id"`
	AccessorID   string       `json:"accessor_id"`
	AccessorType ir.OwnerType `json:"accessor_type"`
	Reference    string       `json:"reference,omitempty"`
	Granted      bool         `json:"granted"`
	Reason       string       `json:"reason,omitempty"`
	AccessedAt   time.Time    `json:"accessed_at"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
}

// InsertColdEntry writes a cold entry. Re-archiving the same content is a
// no-op: inserted is false and the stored entry is left untouched.
func (q *Queries) InsertColdEntry(ctx context.Context, e ir.ColdEntry) (inserted bool, err error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO cold_entries (`+coldColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.ID,
		string(e.Type),
		e.ReferenceID,
		e.StorageLocation,
		e.ConversationID,
		e.Owner.ID,
		e.Owner.Type.String(),
		formatTime(e.CreatedAt),
		formatTime(e.ArchivedAt),
		e.Checksum,
		e.AccessCount,
		nullTime(e.LastAccessedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert cold entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert cold entry: rows affected: %w", err)
	}
	return n == 1, nil
}

// GetColdEntry returns one cold entry by id.
func (q *Queries) GetColdEntry(ctx context.Context, id string) (ir.ColdEntry, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+coldColumns+` FROM cold_entries WHERE id = ?`, id)
	e, err := scanColdEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.ColdEntry{}, ir.NotFound("cold_entry", id)
	}
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("get cold entry: %w", err)
	}
	return e, nil
}

// ListColdEntries returns an owner's entries, newest archive first.
// A zero owner lists every entry; used by VerifyAll.
func (q *Queries) ListColdEntries(ctx context.Context, owner ir.Owner, entryType ir.ColdEntryType) ([]ir.ColdEntry, error) {
	query := `SELECT ` + coldColumns + ` FROM cold_entries WHERE 1 = 1`
	var args []any
	if owner.ID != "" {
		query += ` AND owner_type = ? AND owner_id = ?`
		args = append(args, owner.Type.String(), owner.ID)
	}
	if entryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, string(entryType))
	}
	query += ` ORDER BY archived_at DESC, id COLLATE BINARY ASC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cold entries: %w", err)
	}
	defer rows.Close()

	out := []ir.ColdEntry{}
	for rows.Next() {
		e, err := scanColdEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cold entries: %w", err)
	}
	return out, nil
}

// ListColdByConversation returns every entry archived from one conversation.
func (q *Queries) ListColdByConversation(ctx context.Context, conversationID string) ([]ir.ColdEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+coldColumns+` FROM cold_entries
		WHERE conversation_id = ?
		ORDER BY archived_at ASC, id COLLATE BINARY ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query cold entries: %w", err)
	}
	defer rows.Close()

	out := []ir.ColdEntry{}
	for rows.Next() {
		e, err := scanColdEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cold entries: %w", err)
	}
	return out, nil
}

// RecordColdAccess bumps the access counters of an entry.
func (q *Queries) RecordColdAccess(ctx context.Context, id string, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE cold_entries SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record cold access: %w", err)
	}
	return requireOneRow(res, "cold_entry", id)
}

// InsertColdAccessLog appends one access attempt.
func (q *Queries) InsertColdAccessLog(ctx context.Context, a ColdAccess) error {
	granted := 0
	if a.Granted {
		granted = 1
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO cold_access_log
		(entry_id, accessor_id, accessor_type, reference, granted, reason, accessed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.EntryID,
		a.AccessorID,
		a.AccessorType.String(),
		nullString(a.Reference),
		granted,
		a.Reason,
		formatTime(a.AccessedAt),
		nullTime(a.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("insert cold access log: %w", err)
	}
	return nil
}

// ListColdAccessLog returns the access history of an entry, oldest first.
func (q *Queries) ListColdAccessLog(ctx context.Context, entryID string) ([]ColdAccess, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT entry_id, accessor_id, accessor_type, reference, granted, reason, accessed_at, expires_at
		FROM cold_access_log
		WHERE entry_id = ?
		ORDER BY seq ASC
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("query cold access log: %w", err)
	}
	defer rows.Close()

	out := []ColdAccess{}
	for rows.Next() {
		var (
			a                    ColdAccess
			accessorType, at     string
			reference, expiresAt sql.NullString
			granted              int
		)
		if err := rows.Scan(&a.EntryID, &a.AccessorID, &accessorType, &reference, &granted, &a.Reason, &at, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan cold access: %w", err)
		}
		if a.AccessorType, err = ir.ParseOwnerType(accessorType); err != nil {
			return nil, err
		}
		a.Reference = reference.String
		a.Granted = granted == 1
		if a.AccessedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		if a.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cold access log: %w", err)
	}
	return out, nil
}

func scanColdEntry(s scanner) (ir.ColdEntry, error) {
	var (
		e                                           ir.ColdEntry
		entryType, ownerType, createdAt, archivedAt string
		lastAccessed                                sql.NullString
	)
	err := s.Scan(
		&e.ID,
		&entryType,
		&e.ReferenceID,
		&e.StorageLocation,
		&e.ConversationID,
		&e.Owner.ID,
		&ownerType,
		&createdAt,
		&archivedAt,
		&e.Checksum,
		&e.AccessCount,
		&lastAccessed,
	)
	if err != nil {
		return ir.ColdEntry{}, err
	}
	e.Type = ir.ColdEntryType(entryType)
	if e.Owner.Type, err = ir.ParseOwnerType(ownerType); err != nil {
		return ir.ColdEntry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.ColdEntry{}, err
	}
	if e.ArchivedAt, err = parseTime(archivedAt); err != nil {
		return ir.ColdEntry{}, err
	}
	if e.LastAccessedAt, err = parseNullTime(lastAccessed); err != nil {
		return ir.ColdEntry{}, err
	}
	return e, nil
}
