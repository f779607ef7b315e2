// Package cold is the immutable archive tier. Entries are written once,
// checksummed over their immutable fields, and only ever handed out as
// short-lived references; the archived payload itself never leaves blob
// storage through this package.
package cold

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
)

// DefaultAccessTTL is how long a Reference stays usable.
const DefaultAccessTTL = 15 * time.Minute

// Archive is the cold memory tier.
type Archive struct {
	store     *store.Store
	trail     *audit.Trail
	clock     clock.Clock
	refs      idgen.Generator
	accessTTL time.Duration
	logger    *slog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithAccessTTL sets the lifetime of access references.
func WithAccessTTL(d time.Duration) Option {
	return func(a *Archive) {
		if d > 0 {
			a.accessTTL = d
		}
	}
}

// WithReferenceIDs overrides the generator for access references.
func WithReferenceIDs(g idgen.Generator) Option {
	return func(a *Archive) { a.refs = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Archive) { a.logger = l }
}

// New creates an Archive. References are ULIDs unless overridden.
func New(s *store.Store, trail *audit.Trail, clk clock.Clock, opts ...Option) *Archive {
	a := &Archive{
		store:     s,
		trail:     trail,
		clock:     clk,
		refs:      idgen.NewULID(clk.Now),
		accessTTL: DefaultAccessTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveRequest describes the content being archived.
type ArchiveRequest struct {
	Type            ir.ColdEntryType
	ReferenceID     string
	StorageLocation string
	ConversationID  string
	Owner           ir.Owner

	// CreatedAt is when the archived content was originally created.
	CreatedAt time.Time
}

func (r ArchiveRequest) validate() error {
	switch r.Type {
	case ir.ColdConversationFull, ir.ColdHotOverflow, ir.ColdWarmSnapshot:
	default:
		return ir.Validation("cold: unknown entry type %q", r.Type)
	}
	if r.ReferenceID == "" || r.StorageLocation == "" || r.ConversationID == "" {
		return ir.Validation("cold: reference_id, storage_location and conversation_id are required")
	}
	if r.CreatedAt.IsZero() {
		return ir.Validation("cold: created_at is required")
	}
	return r.Owner.Validate()
}

// Archive writes one entry in its own transaction.
func (a *Archive) Archive(ctx context.Context, p ir.Principal, req ArchiveRequest) (ir.ColdEntry, error) {
	var entry ir.ColdEntry
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		entry, err = a.ArchiveTx(ctx, q, p, req)
		return err
	})
	return entry, err
}

// ArchiveTx writes one entry through q. The id is derived from the type,
// the reference and the owner, so archiving the same content again returns
// the entry already stored and writes nothing.
func (a *Archive) ArchiveTx(ctx context.Context, q *store.Queries, p ir.Principal, req ArchiveRequest) (ir.ColdEntry, error) {
	if err := p.Validate(); err != nil {
		return ir.ColdEntry{}, err
	}
	if err := req.validate(); err != nil {
		return ir.ColdEntry{}, err
	}
	id, err := ir.ColdEntryID(req.Type, req.ReferenceID, req.Owner)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("cold archive: %w", err)
	}
	entry := ir.ColdEntry{
		ID:              id,
		Type:            req.Type,
		ReferenceID:     req.ReferenceID,
		StorageLocation: req.StorageLocation,
		ConversationID:  req.ConversationID,
		Owner:           req.Owner,
		CreatedAt:       req.CreatedAt.UTC(),
		ArchivedAt:      a.clock.Now(),
	}
	if entry.Checksum, err = ir.ColdChecksum(entry); err != nil {
		return ir.ColdEntry{}, fmt.Errorf("cold archive: %w", err)
	}

	inserted, err := q.InsertColdEntry(ctx, entry)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("cold archive: %w", err)
	}
	if !inserted {
		existing, err := q.GetColdEntry(ctx, id)
		if err != nil {
			return ir.ColdEntry{}, fmt.Errorf("cold archive: %w", err)
		}
		return existing, nil
	}

	if _, err := a.trail.Log(ctx, q, p, audit.Record{
		Action:       audit.ActionColdArchived,
		ResourceType: audit.ResourceColdEntry,
		ResourceID:   entry.ID,
		Details: ir.IRObject{
			"entry_type":      ir.IRString(entry.Type),
			"reference_id":    ir.IRString(entry.ReferenceID),
			"conversation_id": ir.IRString(entry.ConversationID),
			"owner":           ir.IRString(entry.Owner.Key()),
		},
	}); err != nil {
		return ir.ColdEntry{}, err
	}
	return entry, nil
}

// Reference is what a reader gets instead of the archived payload.
type Reference struct {
	EntryID   string           `json:"entry_id"`
	Reference string           `json:"reference"`
	Type      ir.ColdEntryType `json:"entry_type"`
	Summary   string           `json:"summary"`
	Score     float64          `json:"score"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// RequestAccess hands requester a short-lived reference to an entry. Every
// attempt lands in the access log, denied ones included. A requester other
// than the entry's owner gets IDENTITY_BOUNDARY_VIOLATION.
func (a *Archive) RequestAccess(ctx context.Context, p ir.Principal, entryID string, requester ir.Owner, reason string) (Reference, error) {
	if err := p.Validate(); err != nil {
		return Reference{}, err
	}
	if err := requester.Validate(); err != nil {
		return Reference{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Reference{}, ir.Validation("cold access: a reason is required")
	}

	now := a.clock.Now()
	var (
		ref    Reference
		denied bool
	)
	err := a.store.WithTx(ctx, func(q *store.Queries) error {
		entry, err := q.GetColdEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Owner != requester {
			denied = true
			if err := q.InsertColdAccessLog(ctx, store.ColdAccess{
				EntryID:      entryID,
				AccessorID:   requester.ID,
				AccessorType: requester.Type,
				Granted:      false,
				Reason:       reason,
				AccessedAt:   now,
			}); err != nil {
				return err
			}
			_, err := a.trail.Log(ctx, q, p, audit.Record{
				Action:       audit.ActionColdDenied,
				ResourceType: audit.ResourceColdEntry,
				ResourceID:   entryID,
				Details:      ir.IRObject{"requester": ir.IRString(requester.Key()), "reason": ir.IRString(reason)},
			})
			return err
		}

		expires := now.Add(a.accessTTL)
		ref = Reference{
			EntryID:   entry.ID,
			Reference: a.refs.New(),
			Type:      entry.Type,
			Summary:   Describe(entry),
			Score:     RecencyScore(entry, now),
			ExpiresAt: expires,
		}
		if err := q.RecordColdAccess(ctx, entry.ID, now); err != nil {
			return err
		}
		if err := q.InsertColdAccessLog(ctx, store.ColdAccess{
			EntryID:      entry.ID,
			AccessorID:   requester.ID,
			AccessorType: requester.Type,
			Reference:    ref.Reference,
			Granted:      true,
			Reason:       reason,
			AccessedAt:   now,
			ExpiresAt:    &expires,
		}); err != nil {
			return err
		}
		_, err = a.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionColdAccessed,
			ResourceType: audit.ResourceColdEntry,
			ResourceID:   entry.ID,
			Details:      ir.IRObject{"reference": ir.IRString(ref.Reference), "reason": ir.IRString(reason)},
		})
		return err
	})
	if err != nil {
		return Reference{}, fmt.Errorf("cold access %s: %w", entryID, err)
	}
	if denied {
		a.logger.Warn("cold access denied", "entry_id", entryID, "requester", requester.Key())
		return Reference{}, ir.NewBoundaryViolation(audit.ResourceColdEntry, entryID)
	}
	return ref, nil
}

// Describe renders a one-line summary of an entry from its metadata.
func Describe(e ir.ColdEntry) string {
	return fmt.Sprintf("%s archive of conversation %s (ref %s), archived %s",
		e.Type, e.ConversationID, e.ReferenceID, e.ArchivedAt.Format(time.RFC3339))
}

// RecencyScore decays from 1 with the entry's age in days.
func RecencyScore(e ir.ColdEntry, now time.Time) float64 {
	days := now.Sub(e.ArchivedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days)
}

// Verification is the result of an integrity check.
type Verification struct {
	EntryID            string `json:"entry_id"`
	Valid              bool   `json:"valid"`
	StoredChecksum     string `json:"stored_checksum"`
	RecomputedChecksum string `json:"recomputed_checksum"`
}

// VerifyIntegrity recomputes an entry's checksum from its immutable fields.
// On a mismatch it returns the Verification together with an
// INTEGRITY_VIOLATION error, and records the violation in the audit trail.
func (a *Archive) VerifyIntegrity(ctx context.Context, p ir.Principal, entryID string) (Verification, error) {
	entry, err := a.store.Queries().GetColdEntry(ctx, entryID)
	if err != nil {
		return Verification{}, fmt.Errorf("cold verify: %w", err)
	}
	return a.verify(ctx, p, entry)
}

func (a *Archive) verify(ctx context.Context, p ir.Principal, entry ir.ColdEntry) (Verification, error) {
	recomputed, err := ir.ColdChecksum(entry)
	if err != nil {
		return Verification{}, fmt.Errorf("cold verify %s: %w", entry.ID, err)
	}
	v := Verification{
		EntryID:            entry.ID,
		Valid:              recomputed == entry.Checksum,
		StoredChecksum:     entry.Checksum,
		RecomputedChecksum: recomputed,
	}
	if v.Valid {
		return v, nil
	}

	a.logger.Error("cold entry integrity violation",
		"entry_id", entry.ID, "stored", v.StoredChecksum, "recomputed", v.RecomputedChecksum)
	if _, err := a.trail.LogNow(ctx, p, audit.Record{
		Action:       audit.ActionColdIntegrity,
		ResourceType: audit.ResourceColdEntry,
		ResourceID:   entry.ID,
		Details: ir.IRObject{
			"stored":     ir.IRString(v.StoredChecksum),
			"recomputed": ir.IRString(v.RecomputedChecksum),
		},
	}); err != nil {
		return v, fmt.Errorf("cold verify %s: %w", entry.ID, err)
	}
	return v, ir.NewIntegrityViolation(entry.ID, v.StoredChecksum, v.RecomputedChecksum)
}

// VerifyAll checks every entry of owner, or of every owner when owner is
// the zero value. It returns all results and the first violation, if any.
func (a *Archive) VerifyAll(ctx context.Context, p ir.Principal, owner ir.Owner) ([]Verification, error) {
	entries, err := a.store.Queries().ListColdEntries(ctx, owner, "")
	if err != nil {
		return nil, fmt.Errorf("cold verify all: %w", err)
	}
	out := make([]Verification, 0, len(entries))
	var first error
	for _, e := range entries {
		v, err := a.verify(ctx, p, e)
		if err != nil && !ir.IsIntegrityViolation(err) {
			return nil, err
		}
		if err != nil && first == nil {
			first = err
		}
		out = append(out, v)
	}
	return out, first
}

// ListEntries returns owner's entries, newest first. entryType may be empty.
func (a *Archive) ListEntries(ctx context.Context, owner ir.Owner, entryType ir.ColdEntryType) ([]ir.ColdEntry, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	entries, err := a.store.Queries().ListColdEntries(ctx, owner, entryType)
	if err != nil {
		return nil, fmt.Errorf("cold list: %w", err)
	}
	return entries, nil
}

// Get returns one entry's metadata. The payload stays in blob storage.
func (a *Archive) Get(ctx context.Context, entryID string, requester ir.Owner) (ir.ColdEntry, error) {
	entry, err := a.store.Queries().GetColdEntry(ctx, entryID)
	if err != nil {
		return ir.ColdEntry{}, fmt.Errorf("cold get: %w", err)
	}
	if entry.Owner != requester {
		return ir.ColdEntry{}, ir.NewBoundaryViolation(audit.ResourceColdEntry, entryID)
	}
	return entry, nil
}

// GetAuditLog returns every access attempt on an entry, oldest first.
func (a *Archive) GetAuditLog(ctx context.Context, entryID string) ([]store.ColdAccess, error) {
	log, err := a.store.Queries().ListColdAccessLog(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("cold audit log: %w", err)
	}
	return log, nil
}
