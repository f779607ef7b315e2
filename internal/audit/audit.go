// Package audit implements the audit trail: an append-only record of every
// state-changing operation in the ledger, the gate and the memory tiers.
//
// Entries are written through the caller's *store.Queries so they commit or
// roll back together with the mutation they describe.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
)

// Action taxonomy.
const (
	ActionThreadCreated       = "thread.created"
	ActionEventAppended       = "thread.event_appended"
	ActionThreadArchived      = "thread.archived"
	ActionAccessDenied        = "identity.access_denied"
	ActionCheckpointCreate    = "checkpoint.created"
	ActionCheckpointApprove   = "checkpoint.approved"
	ActionCheckpointReject    = "checkpoint.rejected"
	ActionCheckpointExpire    = "checkpoint.expired"
	ActionGrantRedeemed       = "checkpoint.grant_redeemed"
	ActionConversationStart   = "conversation.started"
	ActionConversationArchive = "conversation.archived"
	ActionConversationFrozen  = "conversation.frozen"
	ActionColdArchived        = "cold.archived"
	ActionColdAccessed        = "cold.accessed"
	ActionColdDenied          = "cold.access_denied"
	ActionColdIntegrity       = "cold.integrity_violation"
	ActionEnrichmentGap       = "archive.enrichment_gap"
)

// Resource types.
const (
	ResourceThread       = "thread"
	ResourceCheckpoint   = "checkpoint"
	ResourceConversation = "conversation"
	ResourceColdEntry    = "cold_entry"
)

// Record describes one audited operation.
type Record struct {
	Action       string
	ResourceType string
	ResourceID   string
	Sphere       string
	Details      ir.IRObject
}

// Filter narrows Query. The identity is a separate, required argument.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// Trail writes and reads audit entries.
type Trail struct {
	store *store.Store
	clock clock.Clock
	ids   idgen.Generator
}

// New creates a Trail.
func New(s *store.Store, clk clock.Clock, ids idgen.Generator) *Trail {
	return &Trail{store: s, clock: clk, ids: ids}
}

// Log writes an entry through q, which is normally the transaction of the
// mutation being audited. The entry is durable exactly when that transaction
// commits.
func (t *Trail) Log(ctx context.Context, q *store.Queries, p ir.Principal, r Record) (ir.AuditEntry, error) {
	if r.Action == "" || r.ResourceType == "" {
		return ir.AuditEntry{}, ir.Validation("audit: action and resource_type are required")
	}
	entry := ir.AuditEntry{
		ID:           t.ids.New(),
		Timestamp:    t.clock.Now(),
		IdentityID:   p.IdentityID,
		ActorType:    p.ActorType,
		ActorID:      p.ActorID,
		Action:       r.Action,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Sphere:       r.Sphere,
		Details:      r.Details,
		RequestID:    RequestID(ctx),
	}
	if entry.Details == nil {
		entry.Details = ir.IRObject{}
	}
	if err := q.InsertAudit(ctx, entry); err != nil {
		return ir.AuditEntry{}, fmt.Errorf("audit log %s: %w", r.Action, err)
	}
	return entry, nil
}

// LogNow writes an entry in its own transaction. Used for events that have
// no surrounding mutation, such as a denied read.
func (t *Trail) LogNow(ctx context.Context, p ir.Principal, r Record) (ir.AuditEntry, error) {
	var entry ir.AuditEntry
	err := t.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		entry, err = t.Log(ctx, q, p, r)
		return err
	})
	return entry, err
}

// Query returns the identity's entries, newest first.
func (t *Trail) Query(ctx context.Context, identityID string, f Filter) ([]ir.AuditEntry, error) {
	if identityID == "" {
		return nil, ir.Validation("audit query: identity is required")
	}
	entries, err := t.store.Queries().QueryAudit(ctx, store.AuditFilter{
		IdentityID:   identityID,
		ActorID:      f.ActorID,
		Action:       f.Action,
		ResourceType: f.ResourceType,
		ResourceID:   f.ResourceID,
		Since:        f.Since,
		Until:        f.Until,
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	return entries, nil
}

type requestIDKey struct{}

// WithRequestID attaches a correlation id that Log stamps on every entry.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
