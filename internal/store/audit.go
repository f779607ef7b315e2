package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

const auditColumns = `id, timestamp, identity_id, actor_type, actor_id, action,
	resource_type, resource_id, sphere, details, request_id`

// AuditFilter narrows QueryAudit. IdentityID is always required by callers
// above the store; the store itself does not enforce it.
type AuditFilter struct {
	IdentityID   string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// InsertAudit appends an audit entry. Entries are never updated or deleted.
func (q *Queries) InsertAudit(ctx context.Context, e ir.AuditEntry) error {
	details, err := marshalPayload(e.Details)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		formatTime(e.Timestamp),
		e.IdentityID,
		string(e.ActorType),
		e.ActorID,
		e.Action,
		e.ResourceType,
		nullString(e.ResourceID),
		nullString(e.Sphere),
		details,
		nullString(e.RequestID),
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries, newest first. Entries sharing a
// timestamp come back in reverse insertion order.
func (q *Queries) QueryAudit(ctx context.Context, f AuditFilter) ([]ir.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		query += " AND " + clause
		args = append(args, v)
	}
	if f.IdentityID != "" {
		add("identity_id = ?", f.IdentityID)
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = ?", f.ResourceID)
	}
	if f.Since != nil {
		add("timestamp >= ?", formatTime(*f.Since))
	}
	if f.Until != nil {
		add("timestamp < ?", formatTime(*f.Until))
	}
	query += " ORDER BY timestamp DESC, seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	entries := []ir.AuditEntry{}
	for rows.Next() {
		var (
			e                             ir.AuditEntry
			ts, actorType, details        string
			resourceID, sphere, requestID sql.NullString
		)
		if err := rows.Scan(
			&e.ID,
			&ts,
			&e.IdentityID,
			&actorType,
			&e.ActorID,
			&e.Action,
			&e.ResourceType,
			&resourceID,
			&sphere,
			&details,
			&requestID,
		); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.ActorType = ir.ActorType(actorType)
		e.ResourceID = resourceID.String
		e.Sphere = sphere.String
		e.RequestID = requestID.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if e.Details, err = unmarshalPayload(details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}
