package governance

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
	"github.com/roach88/threadkeep/internal/thread"
)

// MinRejectReason is the shortest accepted rejection reason.
const MinRejectReason = 5

// Gate is the checkpoint state machine. It also implements thread.Gate so
// the ledger can block sensitive appends on it.
type Gate struct {
	store  *store.Store
	trail  *audit.Trail
	clock  clock.Clock
	ids    idgen.Generator
	policy *Policy
	tokens func() (string, error)
	logger *slog.Logger
}

var _ thread.Gate = (*Gate)(nil)

// Option configures a Gate.
type Option func(*Gate)

// WithPolicy sets the sensitivity policy. Without one, nothing is gated.
func WithPolicy(p *Policy) Option {
	return func(g *Gate) {
		if p != nil {
			g.policy = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithTokenSource replaces the random grant token generator.
func WithTokenSource(fn func() (string, error)) Option {
	return func(g *Gate) {
		if fn != nil {
			g.tokens = fn
		}
	}
}

// New creates a Gate.
func New(s *store.Store, trail *audit.Trail, clk clock.Clock, ids idgen.Generator, opts ...Option) *Gate {
	g := &Gate{
		store:  s,
		trail:  trail,
		clock:  clk,
		ids:    ids,
		policy: EmptyPolicy(),
		tokens: ir.NewGrantToken,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the active policy.
func (g *Gate) Policy() *Policy { return g.policy }

// CreateRequest is the input to Create.
type CreateRequest struct {
	ThreadID    string
	EventID     string
	Class       ir.CheckpointClass
	Action      string
	Description string
	Payload     ir.IRObject

	// ExpiresAt overrides the policy expiry for Action. Nil uses the policy.
	ExpiresAt *time.Time
}

// Create opens a pending checkpoint.
func (g *Gate) Create(ctx context.Context, p ir.Principal, req CreateRequest) (ir.Checkpoint, error) {
	if err := p.Validate(); err != nil {
		return ir.Checkpoint{}, err
	}
	cp, err := g.newCheckpoint(p, req)
	if err != nil {
		return ir.Checkpoint{}, err
	}

	err = g.store.WithTx(ctx, func(q *store.Queries) error {
		return g.insert(ctx, q, p, cp)
	})
	if err != nil {
		if ir.IsBoundaryViolation(err) {
			g.auditDenial(ctx, p, audit.ResourceThread, req.ThreadID, "create_checkpoint")
		}
		return ir.Checkpoint{}, fmt.Errorf("create checkpoint: %w", err)
	}

	g.logger.Info("checkpoint created",
		"checkpoint_id", cp.ID, "class", cp.Class, "action", cp.Action, "identity_id", cp.IdentityID)
	return cp, nil
}

func (g *Gate) newCheckpoint(p ir.Principal, req CreateRequest) (ir.Checkpoint, error) {
	if !req.Class.Valid() {
		return ir.Checkpoint{}, ir.Validation("unknown checkpoint class %q", req.Class)
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return ir.Checkpoint{}, ir.Validation("checkpoint action is required")
	}
	payload := req.Payload
	if payload == nil {
		payload = ir.IRObject{}
	}
	if _, err := ir.MarshalCanonical(payload); err != nil {
		return ir.Checkpoint{}, ir.Validation("checkpoint payload: %v", err)
	}

	now := g.clock.Now()
	expiresAt := req.ExpiresAt
	if expiresAt == nil {
		if d := g.policy.ExpiryFor(action); d > 0 {
			at := now.Add(d)
			expiresAt = &at
		}
	} else if !expiresAt.After(now) {
		return ir.Checkpoint{}, ir.Validation("expires_at must be in the future")
	}

	return ir.Checkpoint{
		ID:          g.ids.New(),
		IdentityID:  p.IdentityID,
		ThreadID:    req.ThreadID,
		EventID:     req.EventID,
		Class:       req.Class,
		Action:      action,
		Description: req.Description,
		Payload:     payload,
		Status:      ir.CheckpointPending,
		RequestedBy: p.ActorID,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}, nil
}

func (g *Gate) insert(ctx context.Context, q *store.Queries, p ir.Principal, cp ir.Checkpoint) error {
	sphere := ""
	if cp.ThreadID != "" {
		th, err := q.GetThread(ctx, cp.ThreadID)
		if err != nil {
			return err
		}
		if th.IdentityID != p.IdentityID {
			return ir.NewBoundaryViolation("thread", cp.ThreadID)
		}
		sphere = th.Classification.Sphere
	}
	if err := q.InsertCheckpoint(ctx, cp); err != nil {
		return err
	}
	details := ir.IRObject{
		"class":  ir.IRString(cp.Class),
		"action": ir.IRString(cp.Action),
	}
	if cp.ThreadID != "" {
		details["thread_id"] = ir.IRString(cp.ThreadID)
	}
	if cp.ExpiresAt != nil {
		details["expires_at"] = ir.IRString(ir.FormatTime(*cp.ExpiresAt))
	}
	_, err := g.trail.Log(ctx, q, p, audit.Record{
		Action:       audit.ActionCheckpointCreate,
		ResourceType: audit.ResourceCheckpoint,
		ResourceID:   cp.ID,
		Sphere:       sphere,
		Details:      details,
	})
	return err
}

// Approve moves a pending checkpoint to approved and returns the grant that
// authorizes one append of the gated action.
func (g *Gate) Approve(ctx context.Context, p ir.Principal, id, reason string) (ir.Checkpoint, ir.Grant, error) {
	cp, token, err := g.resolve(ctx, p, id, ir.CheckpointApproved, strings.TrimSpace(reason))
	if err != nil {
		return ir.Checkpoint{}, ir.Grant{}, fmt.Errorf("approve checkpoint: %w", err)
	}
	return cp, ir.Grant{
		CheckpointID: cp.ID,
		ThreadID:     cp.ThreadID,
		Action:       cp.Action,
		Token:        token,
		IssuedAt:     *cp.ResolvedAt,
	}, nil
}

// Reject moves a pending checkpoint to rejected. The reason is mandatory.
func (g *Gate) Reject(ctx context.Context, p ir.Principal, id, reason string) (ir.Checkpoint, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < MinRejectReason {
		return ir.Checkpoint{}, ir.Validation("rejection reason must be at least %d characters", MinRejectReason)
	}
	cp, _, err := g.resolve(ctx, p, id, ir.CheckpointRejected, reason)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("reject checkpoint: %w", err)
	}
	return cp, nil
}

// resolve applies a terminal transition. On approval it also returns the
// grant token, which is stored but never exposed on the checkpoint.
func (g *Gate) resolve(ctx context.Context, p ir.Principal, id string, to ir.CheckpointStatus, reason string) (ir.Checkpoint, string, error) {
	if err := p.Validate(); err != nil {
		return ir.Checkpoint{}, "", err
	}
	if err := canResolve(p); err != nil {
		return ir.Checkpoint{}, "", err
	}

	var (
		out   ir.Checkpoint
		token string
	)
	err := g.store.WithTx(ctx, func(q *store.Queries) error {
		cp, err := q.GetCheckpoint(ctx, id)
		if err != nil {
			return err
		}
		if cp.IdentityID != p.IdentityID {
			return ir.NewBoundaryViolation("checkpoint", id)
		}
		if cp.Status.Terminal() {
			return ir.NewInvalidTransition(id, cp.Status, to)
		}

		now := g.clock.Now()
		cp.Status = to
		cp.ResolvedBy = p.ActorID
		cp.ResolutionReason = reason
		cp.ResolvedAt = &now

		res := store.Resolution{Status: to, ResolvedBy: p.ActorID, Reason: reason, ResolvedAt: now}
		if to == ir.CheckpointApproved {
			if res.GrantToken, err = g.tokens(); err != nil {
				return err
			}
		}
		ok, err := q.ResolveCheckpoint(ctx, id, res, &now)
		if err != nil {
			return err
		}
		if !ok {
			// Still pending in storage but past its expiry; the sweeper
			// has not reached it yet.
			return ir.NewInvalidTransition(id, ir.CheckpointExpired, to)
		}

		action := audit.ActionCheckpointApprove
		if to == ir.CheckpointRejected {
			action = audit.ActionCheckpointReject
		}
		details := ir.IRObject{
			"class":  ir.IRString(cp.Class),
			"action": ir.IRString(cp.Action),
		}
		if reason != "" {
			details["reason"] = ir.IRString(reason)
		}
		if _, err := g.trail.Log(ctx, q, p, audit.Record{
			Action:       action,
			ResourceType: audit.ResourceCheckpoint,
			ResourceID:   id,
			Details:      details,
		}); err != nil {
			return err
		}
		out, token = cp, res.GrantToken
		return nil
	})
	if err != nil {
		if ir.IsBoundaryViolation(err) {
			g.auditDenial(ctx, p, audit.ResourceCheckpoint, id, "resolve_checkpoint")
		}
		return ir.Checkpoint{}, "", err
	}

	g.logger.Info("checkpoint resolved", "checkpoint_id", id, "status", to, "resolved_by", p.ActorID)
	return out, token, nil
}

// canResolve allows humans and agents holding ir.RoleApprover.
// The system actor never approves or rejects.
func canResolve(p ir.Principal) error {
	switch {
	case p.ActorType == ir.ActorHuman:
		return nil
	case p.ActorType == ir.ActorAgent && p.HasRole(ir.RoleApprover):
		return nil
	}
	return ir.Validation("actor %s (%s) may not resolve checkpoints", p.ActorID, p.ActorType)
}

// Get returns one checkpoint owned by the caller's identity.
func (g *Gate) Get(ctx context.Context, p ir.Principal, id string) (ir.Checkpoint, error) {
	if err := p.Validate(); err != nil {
		return ir.Checkpoint{}, err
	}
	cp, err := g.store.Queries().GetCheckpoint(ctx, id)
	if err != nil {
		return ir.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	if cp.IdentityID != p.IdentityID {
		g.auditDenial(ctx, p, audit.ResourceCheckpoint, id, "get_checkpoint")
		return ir.Checkpoint{}, ir.NewBoundaryViolation("checkpoint", id)
	}
	return cp, nil
}

// ListPending returns the identity's pending checkpoints, oldest first.
// A non-empty threadID narrows the list to one thread.
func (g *Gate) ListPending(ctx context.Context, p ir.Principal, threadID string) ([]ir.Checkpoint, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cps, err := g.store.Queries().ListCheckpoints(ctx, store.CheckpointFilter{
		IdentityID: p.IdentityID,
		ThreadID:   threadID,
		Status:     ir.CheckpointPending,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending checkpoints: %w", err)
	}
	return cps, nil
}

// SweepExpired moves every pending checkpoint whose expiry has passed to
// expired and returns how many moved. A second sweep with nothing newly due
// changes nothing.
func (g *Gate) SweepExpired(ctx context.Context) (int, error) {
	count := 0
	err := g.store.WithTx(ctx, func(q *store.Queries) error {
		now := g.clock.Now()
		due, err := q.ListDuePending(ctx, now)
		if err != nil {
			return err
		}
		for _, cp := range due {
			ok, err := q.ResolveCheckpoint(ctx, cp.ID, store.Resolution{
				Status:     ir.CheckpointExpired,
				ResolvedBy: "system",
				Reason:     "expired",
				ResolvedAt: now,
			}, nil)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := g.trail.Log(ctx, q, ir.SystemPrincipal(cp.IdentityID), audit.Record{
				Action:       audit.ActionCheckpointExpire,
				ResourceType: audit.ResourceCheckpoint,
				ResourceID:   cp.ID,
				Details: ir.IRObject{
					"class":      ir.IRString(cp.Class),
					"action":     ir.IRString(cp.Action),
					"expires_at": ir.IRString(ir.FormatTime(*cp.ExpiresAt)),
				},
			}); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep expired checkpoints: %w", err)
	}
	if count > 0 {
		g.logger.Info("expired checkpoints swept", "count", count)
	}
	return count, nil
}

// Sensitive reports whether the policy gates eventType.
func (g *Gate) Sensitive(eventType string) bool {
	_, ok := g.policy.Rule(eventType)
	return ok
}

// Block opens a checkpoint for an append the policy gates.
func (g *Gate) Block(ctx context.Context, p ir.Principal, th ir.Thread, eventType string, payload ir.IRObject) (ir.Checkpoint, error) {
	rule, ok := g.policy.Rule(eventType)
	if !ok {
		return ir.Checkpoint{}, ir.Validation("event type %q is not gated", eventType)
	}
	desc := rule.Description
	if desc == "" {
		desc = "append " + eventType
	}
	return g.Create(ctx, p, CreateRequest{
		ThreadID:    th.ID,
		Class:       rule.Class,
		Action:      eventType,
		Description: desc,
		Payload:     payload,
	})
}

// Redeem consumes a grant inside the caller's append transaction.
func (g *Gate) Redeem(ctx context.Context, q *store.Queries, p ir.Principal, threadID, action, token string) error {
	id, err := q.RedeemGrant(ctx, threadID, action, token, g.clock.Now())
	if err != nil {
		return err
	}
	if id == "" {
		return ir.Validation("grant is not valid for %q on thread %s", action, threadID)
	}
	_, err = g.trail.Log(ctx, q, p, audit.Record{
		Action:       audit.ActionGrantRedeemed,
		ResourceType: audit.ResourceCheckpoint,
		ResourceID:   id,
		Details: ir.IRObject{
			"thread_id": ir.IRString(threadID),
			"action":    ir.IRString(action),
		},
	})
	return err
}

func (g *Gate) auditDenial(ctx context.Context, p ir.Principal, resourceType, id, operation string) {
	_, err := g.trail.LogNow(ctx, p, audit.Record{
		Action:       audit.ActionAccessDenied,
		ResourceType: resourceType,
		ResourceID:   id,
		Details:      ir.IRObject{"operation": ir.IRString(operation)},
	})
	if err != nil {
		g.logger.Error("failed to audit access denial", "resource_id", id, "error", err)
	}
}
