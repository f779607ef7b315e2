package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

const conversationColumns = `id, identity_id, owner_id, owner_type, agent_id, thread_id, scope, status,
	artifacts, summary_id, created_at, archived_at`

// InsertConversation writes a new conversation row.
func (q *Queries) InsertConversation(ctx context.Context, c ir.Conversation) error {
	artifacts, err := marshalStrings(c.Artifacts)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID,
		c.IdentityID,
		c.Owner.ID,
		c.Owner.Type.String(),
		c.AgentID,
		nullString(c.ThreadID),
		c.Scope,
		string(c.Status),
		artifacts,
		nullString(c.SummaryID),
		formatTime(c.CreatedAt),
		nullTime(c.ArchivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation returns one conversation by id.
func (q *Queries) GetConversation(ctx context.Context, id string) (ir.Conversation, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Conversation{}, ir.NotFound("conversation", id)
	}
	if err != nil {
		return ir.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns an owner's conversations, newest first.
func (q *Queries) ListConversations(ctx context.Context, owner ir.Owner, status ir.ConversationStatus) ([]ir.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
		WHERE owner_type = ? AND owner_id = ?`
	args := []any{owner.Type.String(), owner.ID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id COLLATE BINARY ASC`

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []ir.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// ArchiveConversation marks an active conversation archived and links its summary.
// Returns false when the conversation was not active.
func (q *Queries) ArchiveConversation(ctx context.Context, id, summaryID string, at time.Time) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'archived', summary_id = COALESCE(?, summary_id), archived_at = ?
		WHERE id = ? AND status = 'active'
	`, nullString(summaryID), formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("archive conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive conversation: rows affected: %w", err)
	}
	return n == 1, nil
}

// FreezeConversation marks an active conversation frozen: it was closed
// without archiving. Returns false when the conversation was not active.
func (q *Queries) FreezeConversation(ctx context.Context, id string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE conversations SET status = 'frozen' WHERE id = ? AND status = 'active'
	`, id)
	if err != nil {
		return false, fmt.Errorf("freeze conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("freeze conversation: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetConversationSummary links a summary produced after the fact.
func (q *Queries) SetConversationSummary(ctx context.Context, id, summaryID string) error {
	res, err := q.q.ExecContext(ctx, `UPDATE conversations SET summary_id = ? WHERE id = ?`, summaryID, id)
	if err != nil {
		return fmt.Errorf("set conversation summary: %w", err)
	}
	return requireOneRow(res, "conversation", id)
}

// SetConversationArtifacts replaces the artifact list.
func (q *Queries) SetConversationArtifacts(ctx context.Context, id string, artifacts []string) error {
	data, err := marshalStrings(artifacts)
	if err != nil {
		return fmt.Errorf("set conversation artifacts: %w", err)
	}
	res, err := q.q.ExecContext(ctx, `UPDATE conversations SET artifacts = ? WHERE id = ?`, data, id)
	if err != nil {
		return fmt.Errorf("set conversation artifacts: %w", err)
	}
	return requireOneRow(res, "conversation", id)
}

func scanConversation(s scanner) (ir.Conversation, error) {
	var (
		c                               ir.Conversation
		ownerType, status, artifacts    string
		createdAt                       string
		threadID, summaryID, archivedAt sql.NullString
	)
	err := s.Scan(
		&c.ID,
		&c.IdentityID,
		&c.Owner.ID,
		&ownerType,
		&c.AgentID,
		&threadID,
		&c.Scope,
		&status,
		&artifacts,
		&summaryID,
		&createdAt,
		&archivedAt,
	)
	if err != nil {
		return ir.Conversation{}, err
	}
	if c.Owner.Type, err = ir.ParseOwnerType(ownerType); err != nil {
		return ir.Conversation{}, err
	}
	c.ThreadID = threadID.String
	c.SummaryID = summaryID.String
	c.Status = ir.ConversationStatus(status)
	if c.Artifacts, err = unmarshalStrings(artifacts); err != nil {
		return ir.Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Conversation{}, err
	}
	if c.ArchivedAt, err = parseNullTime(archivedAt); err != nil {
		return ir.Conversation{}, err
	}
	return c, nil
}
