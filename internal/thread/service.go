package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/keylock"
	"github.com/roach88/threadkeep/internal/store"
)

// DefaultAppendRetries is how many times a sequence collision is retried.
const DefaultAppendRetries = 3

// Gate decides whether an event type needs approval and, when it does,
// either blocks the append on a new checkpoint or redeems a grant.
type Gate interface {
	// Sensitive reports whether appending eventType requires a checkpoint.
	Sensitive(eventType string) bool

	// Block creates a pending checkpoint for the attempted append and
	// commits it in its own transaction.
	Block(ctx context.Context, p ir.Principal, th ir.Thread, eventType string, payload ir.IRObject) (ir.Checkpoint, error)

	// Redeem consumes the grant inside the append transaction. It fails
	// when the token does not match an approved, unredeemed checkpoint for
	// this thread and action.
	Redeem(ctx context.Context, q *store.Queries, p ir.Principal, threadID, action, token string) error
}

// Service is the thread ledger.
type Service struct {
	store   *store.Store
	trail   *audit.Trail
	clock   clock.Clock
	ids     idgen.Generator
	gate    Gate
	locks   keylock.Map
	retries int
	logger  *slog.Logger

	// reserveHook runs after a sequence number is reserved and before the
	// insert. Tests use it to force collisions.
	reserveHook func(ctx context.Context, q *store.Queries, threadID string, seq int64)
}

// Option configures a Service.
type Option func(*Service)

// WithGate installs the checkpoint gate. Without one, nothing is gated.
func WithGate(g Gate) Option {
	return func(s *Service) { s.gate = g }
}

// WithAppendRetries sets how many sequence collisions are retried.
func WithAppendRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a thread ledger.
func New(s *store.Store, trail *audit.Trail, clk clock.Clock, ids idgen.Generator, opts ...Option) *Service {
	svc := &Service{
		store:   s,
		trail:   trail,
		clock:   clk,
		ids:     ids,
		retries: DefaultAppendRetries,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateRequest is the input to CreateThread.
type CreateRequest struct {
	FoundingIntent string
	Classification ir.Classification
	ParentThreadID string
}

// CreateThread creates a thread and appends its thread.created event as
// sequence 1 in the same transaction.
func (s *Service) CreateThread(ctx context.Context, p ir.Principal, req CreateRequest) (ir.Thread, error) {
	if err := p.Validate(); err != nil {
		return ir.Thread{}, err
	}
	intent := strings.TrimSpace(req.FoundingIntent)
	if intent == "" {
		return ir.Thread{}, ir.Validation("founding_intent must not be empty")
	}

	cls := req.Classification
	if cls.Status == "" {
		cls.Status = ir.ThreadActive
	}
	if cls.Visibility == "" {
		cls.Visibility = "private"
	}

	now := s.clock.Now()
	th := ir.Thread{
		ID:             s.ids.New(),
		IdentityID:     p.IdentityID,
		CreatedBy:      p.ActorID,
		FoundingIntent: intent,
		Classification: cls,
		ParentThreadID: req.ParentThreadID,
		EventCount:     1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	ev := ir.ThreadEvent{
		ID:             s.ids.New(),
		ThreadID:       th.ID,
		SequenceNumber: 1,
		EventType:      ir.EventThreadCreated,
		Payload: ir.IRObject{
			"founding_intent": ir.IRString(intent),
			"sphere":          ir.IRString(cls.Sphere),
			"type":            ir.IRString(cls.Type),
		},
		ActorType:  p.ActorType,
		ActorID:    p.ActorID,
		IdentityID: p.IdentityID,
		CreatedAt:  now,
	}

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		if req.ParentThreadID != "" {
			parent, err := q.GetThread(ctx, req.ParentThreadID)
			if err != nil {
				return err
			}
			if parent.IdentityID != p.IdentityID {
				return ir.NewBoundaryViolation("thread", req.ParentThreadID)
			}
		}
		if err := q.InsertThread(ctx, th); err != nil {
			return err
		}
		if err := q.InsertEvent(ctx, ev); err != nil {
			return err
		}
		_, err := s.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionThreadCreated,
			ResourceType: audit.ResourceThread,
			ResourceID:   th.ID,
			Sphere:       cls.Sphere,
			Details: ir.IRObject{
				"founding_intent": ir.IRString(intent),
				"event_id":        ir.IRString(ev.ID),
			},
		})
		return err
	})
	if err != nil {
		if ir.IsBoundaryViolation(err) {
			s.auditDenial(ctx, p, req.ParentThreadID, "create_thread")
		}
		return ir.Thread{}, fmt.Errorf("create thread: %w", err)
	}

	s.logger.Debug("thread created", "thread_id", th.ID, "identity_id", th.IdentityID)
	return th, nil
}

// AppendRequest is the input to AppendEvent.
type AppendRequest struct {
	ThreadID   string
	EventType  string
	Payload    ir.IRObject
	GrantToken string
}

// AppendEvent appends an event with the next sequence number. Callers never
// choose the sequence number or the parent.
func (s *Service) AppendEvent(ctx context.Context, p ir.Principal, req AppendRequest) (ir.ThreadEvent, error) {
	if err := validateEventType(req.EventType); err != nil {
		return ir.ThreadEvent{}, err
	}
	return s.append(ctx, p, req, "")
}

// CorrectionRequest is the input to AppendCorrection.
type CorrectionRequest struct {
	ThreadID        string
	CorrectsEventID string
	Payload         ir.IRObject
	GrantToken      string
}

// AppendCorrection appends a thread.correction event whose parent is the
// event being corrected. The original stays in every listing.
func (s *Service) AppendCorrection(ctx context.Context, p ir.Principal, req CorrectionRequest) (ir.ThreadEvent, error) {
	if strings.TrimSpace(req.CorrectsEventID) == "" {
		return ir.ThreadEvent{}, ir.Validation("correction: corrects_event_id is required")
	}
	payload := req.Payload.Clone()
	if payload == nil {
		payload = ir.IRObject{}
	}
	payload["corrects_event_id"] = ir.IRString(req.CorrectsEventID)
	return s.append(ctx, p, AppendRequest{
		ThreadID:   req.ThreadID,
		EventType:  ir.EventCorrection,
		Payload:    payload,
		GrantToken: req.GrantToken,
	}, req.CorrectsEventID)
}

func (s *Service) append(ctx context.Context, p ir.Principal, req AppendRequest, parentOverride string) (ir.ThreadEvent, error) {
	if err := p.Validate(); err != nil {
		return ir.ThreadEvent{}, err
	}
	if req.ThreadID == "" {
		return ir.ThreadEvent{}, ir.Validation("thread_id is required")
	}
	if req.Payload == nil {
		req.Payload = ir.IRObject{}
	}
	if _, err := ir.MarshalCanonical(req.Payload); err != nil {
		return ir.ThreadEvent{}, ir.Validation("payload: %v", err)
	}

	gated := s.gate != nil && s.gate.Sensitive(req.EventType)
	if gated && req.GrantToken == "" {
		return ir.ThreadEvent{}, s.block(ctx, p, req)
	}

	unlock := s.locks.Lock(req.ThreadID)
	defer unlock()

	var lastSeq int64
	for attempt := 0; attempt <= s.retries; attempt++ {
		ev, err := s.appendOnce(ctx, p, req, parentOverride, gated)
		if err == nil {
			return ev, nil
		}
		var taken *seqTakenError
		if !errors.As(err, &taken) {
			if ir.IsBoundaryViolation(err) {
				s.auditDenial(ctx, p, req.ThreadID, "append_event")
			}
			return ir.ThreadEvent{}, fmt.Errorf("append event: %w", err)
		}
		lastSeq = taken.seq
		s.logger.Warn("sequence collision, retrying",
			"thread_id", req.ThreadID, "sequence_number", taken.seq, "attempt", attempt+1)
	}
	return ir.ThreadEvent{}, ir.NewSequenceConflict(req.ThreadID, lastSeq, store.ErrSequenceTaken)
}

type seqTakenError struct{ seq int64 }

func (e *seqTakenError) Error() string { return fmt.Sprintf("sequence %d taken", e.seq) }

func (s *Service) appendOnce(ctx context.Context, p ir.Principal, req AppendRequest, parentOverride string, gated bool) (ir.ThreadEvent, error) {
	var ev ir.ThreadEvent
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		th, err := q.GetThread(ctx, req.ThreadID)
		if err != nil {
			return err
		}
		if th.IdentityID != p.IdentityID {
			return ir.NewBoundaryViolation("thread", req.ThreadID)
		}
		if th.Classification.Status == ir.ThreadArchived {
			return ir.Validation("thread %s is archived", th.ID)
		}

		maxSeq, maxID, err := q.LatestEvent(ctx, th.ID)
		if err != nil {
			return err
		}
		parent := maxID
		if parentOverride != "" {
			target, err := q.GetEvent(ctx, parentOverride)
			if err != nil {
				return err
			}
			if target.ThreadID != th.ID {
				return ir.Validation("event %s does not belong to thread %s", parentOverride, th.ID)
			}
			parent = parentOverride
		}

		next := maxSeq + 1
		if s.reserveHook != nil {
			s.reserveHook(ctx, q, th.ID, next)
		}

		if gated {
			if err := s.gate.Redeem(ctx, q, p, th.ID, req.EventType, req.GrantToken); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		ev = ir.ThreadEvent{
			ID:             s.ids.New(),
			ThreadID:       th.ID,
			SequenceNumber: next,
			ParentEventID:  parent,
			EventType:      req.EventType,
			Payload:        req.Payload,
			ActorType:      p.ActorType,
			ActorID:        p.ActorID,
			IdentityID:     p.IdentityID,
			CreatedAt:      now,
		}
		if err := q.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, store.ErrSequenceTaken) {
				return &seqTakenError{seq: next}
			}
			return err
		}
		if err := q.TouchThread(ctx, th.ID, next, now); err != nil {
			return err
		}

		details := ir.IRObject{
			"event_id":        ir.IRString(ev.ID),
			"event_type":      ir.IRString(ev.EventType),
			"sequence_number": ir.IRInt(ev.SequenceNumber),
		}
		if parentOverride != "" {
			details["corrects_event_id"] = ir.IRString(parentOverride)
		}
		_, err = s.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionEventAppended,
			ResourceType: audit.ResourceThread,
			ResourceID:   th.ID,
			Sphere:       th.Classification.Sphere,
			Details:      details,
		})
		return err
	})
	return ev, err
}

// block records a checkpoint for a gated append and returns the blocked response.
func (s *Service) block(ctx context.Context, p ir.Principal, req AppendRequest) error {
	th, err := s.store.Queries().GetThread(ctx, req.ThreadID)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if th.IdentityID != p.IdentityID {
		s.auditDenial(ctx, p, req.ThreadID, "append_event")
		return fmt.Errorf("append event: %w", ir.NewBoundaryViolation("thread", req.ThreadID))
	}
	cp, err := s.gate.Block(ctx, p, th, req.EventType, req.Payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.logger.Info("append blocked on checkpoint",
		"thread_id", th.ID, "event_type", req.EventType, "checkpoint_id", cp.ID)
	return ir.NewCheckpointRequired(cp)
}

// GetEvents returns events after afterSeq in ascending sequence order.
// A caller outside the owning identity gets IDENTITY_BOUNDARY_VIOLATION and
// no events; the attempt is audited.
func (s *Service) GetEvents(ctx context.Context, p ir.Principal, threadID string, afterSeq int64, limit int) ([]ir.ThreadEvent, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		return nil, ir.Validation("after_sequence must be >= 0")
	}
	q := s.store.Queries()
	th, err := q.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	if th.IdentityID != p.IdentityID {
		s.auditDenial(ctx, p, threadID, "get_events")
		return nil, ir.NewBoundaryViolation("thread", threadID)
	}
	events, err := q.ListEvents(ctx, threadID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return events, nil
}

// GetThread returns one thread owned by the caller's identity.
func (s *Service) GetThread(ctx context.Context, p ir.Principal, threadID string) (ir.Thread, error) {
	if err := p.Validate(); err != nil {
		return ir.Thread{}, err
	}
	th, err := s.store.Queries().GetThread(ctx, threadID)
	if err != nil {
		return ir.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if th.IdentityID != p.IdentityID {
		s.auditDenial(ctx, p, threadID, "get_thread")
		return ir.Thread{}, ir.NewBoundaryViolation("thread", threadID)
	}
	return th, nil
}

// ListFilter narrows ListThreads.
type ListFilter struct {
	Sphere string
	Type   string
	Status ir.ThreadStatus
	Limit  int
	Offset int
}

// ListThreads returns the caller identity's threads, newest first.
func (s *Service) ListThreads(ctx context.Context, p ir.Principal, f ListFilter) ([]ir.Thread, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	threads, err := s.store.Queries().ListThreads(ctx, store.ThreadFilter{
		IdentityID: p.IdentityID,
		Sphere:     f.Sphere,
		Type:       f.Type,
		Status:     f.Status,
		Limit:      f.Limit,
		Offset:     f.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// ArchiveThread transitions a thread to archived and appends a
// thread.archived event. Threads are never deleted.
func (s *Service) ArchiveThread(ctx context.Context, p ir.Principal, threadID, reason string) (ir.Thread, error) {
	if err := p.Validate(); err != nil {
		return ir.Thread{}, err
	}
	unlock := s.locks.Lock(threadID)
	defer unlock()

	var out ir.Thread
	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		th, err := q.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if th.IdentityID != p.IdentityID {
			return ir.NewBoundaryViolation("thread", threadID)
		}
		if th.Classification.Status == ir.ThreadArchived {
			return ir.Validation("thread %s is already archived", threadID)
		}
		maxSeq, maxID, err := q.LatestEvent(ctx, threadID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		ev := ir.ThreadEvent{
			ID:             s.ids.New(),
			ThreadID:       threadID,
			SequenceNumber: maxSeq + 1,
			ParentEventID:  maxID,
			EventType:      ir.EventThreadArchived,
			Payload:        ir.IRObject{"reason": ir.IRString(reason)},
			ActorType:      p.ActorType,
			ActorID:        p.ActorID,
			IdentityID:     p.IdentityID,
			CreatedAt:      now,
		}
		if err := q.InsertEvent(ctx, ev); err != nil {
			return err
		}
		if err := q.TouchThread(ctx, threadID, ev.SequenceNumber, now); err != nil {
			return err
		}
		if err := q.SetThreadStatus(ctx, threadID, ir.ThreadArchived, now); err != nil {
			return err
		}
		if _, err := s.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionThreadArchived,
			ResourceType: audit.ResourceThread,
			ResourceID:   threadID,
			Sphere:       th.Classification.Sphere,
			Details:      ir.IRObject{"reason": ir.IRString(reason), "event_id": ir.IRString(ev.ID)},
		}); err != nil {
			return err
		}
		out, err = q.GetThread(ctx, threadID)
		return err
	})
	if err != nil {
		if ir.IsBoundaryViolation(err) {
			s.auditDenial(ctx, p, threadID, "archive_thread")
		}
		return ir.Thread{}, fmt.Errorf("archive thread: %w", err)
	}
	return out, nil
}

// auditDenial records a refused cross-identity access. The entry is filed
// under the caller's identity; it names the resource id but none of its data.
func (s *Service) auditDenial(ctx context.Context, p ir.Principal, threadID, operation string) {
	_, err := s.trail.LogNow(ctx, p, audit.Record{
		Action:       audit.ActionAccessDenied,
		ResourceType: audit.ResourceThread,
		ResourceID:   threadID,
		Details:      ir.IRObject{"operation": ir.IRString(operation)},
	})
	if err != nil {
		s.logger.Error("failed to audit access denial", "thread_id", threadID, "error", err)
	}
}

func validateEventType(eventType string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ir.Validation("event_type is required")
	}
	switch eventType {
	case ir.EventThreadCreated, ir.EventThreadArchived:
		return ir.Validation("event_type %q is reserved", eventType)
	}
	return nil
}
