// Package session is the memory surface an agent runtime talks to: start a
// conversation with fresh hot memory, feed it messages, and end it,
// optionally archiving everything down the tiers.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/memory/archive"
	"github.com/roach88/threadkeep/internal/memory/contextload"
	"github.com/roach88/threadkeep/internal/memory/hot"
	"github.com/roach88/threadkeep/internal/store"
)

// Service ties conversations to hot memory, the context loader and the
// archiving pipeline.
type Service struct {
	store    *store.Store
	trail    *audit.Trail
	hot      *hot.Manager
	loader   *contextload.Loader
	pipeline *archive.Pipeline
	clock    clock.Clock
	ids      idgen.Generator
	hotCfg   hot.Config
	logger   *slog.Logger
}

// Config wires a Service. Loader and Pipeline may be nil, in which case
// preloading and archiving are rejected.
type Config struct {
	Store    *store.Store
	Trail    *audit.Trail
	Hot      *hot.Manager
	Loader   *contextload.Loader
	Pipeline *archive.Pipeline
	Clock    clock.Clock
	IDs      idgen.Generator
	HotCfg   hot.Config
	Logger   *slog.Logger
}

// New creates a Service. A zero HotCfg means hot.DefaultConfig.
func New(cfg Config) *Service {
	s := &Service{
		store:    cfg.Store,
		trail:    cfg.Trail,
		hot:      cfg.Hot,
		loader:   cfg.Loader,
		pipeline: cfg.Pipeline,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		hotCfg:   cfg.HotCfg,
		logger:   cfg.Logger,
	}
	if s.hotCfg == (hot.Config{}) {
		s.hotCfg = hot.DefaultConfig()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// StartRequest opens a conversation for one agent.
type StartRequest struct {
	AgentID  string
	Owner    ir.Owner
	ThreadID string
	Scope    string

	// Preload assembles a context bundle from warm memory.
	Preload         bool
	Query           string
	IncludeColdRefs bool
}

// Started is the result of Start.
type Started struct {
	Conversation ir.Conversation
	Memory       hot.Memory

	// Context is set only when the request asked for a preload.
	Context *contextload.Bundle
}

// Start records a new active conversation, audits it and initializes the
// agent's hot memory. An agent holds at most one open session.
func (s *Service) Start(ctx context.Context, p ir.Principal, req StartRequest) (Started, error) {
	if err := p.Validate(); err != nil {
		return Started{}, err
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return Started{}, ir.Validation("session: agent_id is required")
	}
	if err := req.Owner.Validate(); err != nil {
		return Started{}, err
	}
	if req.Preload && s.loader == nil {
		return Started{}, fmt.Errorf("session: preload requested but no context loader is configured")
	}
	if _, ok := s.hot.Get(req.AgentID); ok {
		return Started{}, ir.Validation("session: agent %s already has an open session", req.AgentID)
	}

	conv := ir.Conversation{
		ID:         s.ids.New(),
		IdentityID: p.IdentityID,
		Owner:      req.Owner,
		AgentID:    req.AgentID,
		ThreadID:   req.ThreadID,
		Scope:      req.Scope,
		Status:     ir.ConversationActive,
		CreatedAt:  s.clock.Now(),
	}
	if conv.Scope == "" {
		conv.Scope = "default"
	}

	err := s.store.WithTx(ctx, func(q *store.Queries) error {
		if conv.ThreadID != "" {
			th, err := q.GetThread(ctx, conv.ThreadID)
			if err != nil {
				return err
			}
			if th.IdentityID != p.IdentityID {
				return ir.NewBoundaryViolation(audit.ResourceThread, th.ID)
			}
		}
		if err := q.InsertConversation(ctx, conv); err != nil {
			return err
		}
		_, err := s.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionConversationStart,
			ResourceType: audit.ResourceConversation,
			ResourceID:   conv.ID,
			Details: ir.IRObject{
				"agent_id": ir.IRString(req.AgentID),
				"owner":    ir.IRString(req.Owner.Key()),
				"scope":    ir.IRString(conv.Scope),
			},
		})
		return err
	})
	if err != nil {
		if ir.IsBoundaryViolation(err) {
			s.deny(ctx, p, audit.ResourceThread, conv.ThreadID)
		}
		return Started{}, fmt.Errorf("session start: %w", err)
	}

	mem, err := s.hot.Initialize(req.AgentID, conv.ID, req.Owner, s.hotCfg)
	if err != nil {
		return Started{}, fmt.Errorf("session start: %w", err)
	}
	out := Started{Conversation: conv, Memory: mem}

	if req.Preload {
		b, err := s.loader.LoadContext(ctx, p, contextload.Request{
			AgentID:         req.AgentID,
			Owner:           req.Owner,
			Query:           req.Query,
			IncludeColdRefs: req.IncludeColdRefs,
		})
		if err != nil {
			s.hot.Clear(req.AgentID)
			return Started{}, fmt.Errorf("session start: %w", err)
		}
		out.Context = &b
		if out.Memory, err = s.hot.UpdateReasoningState(req.AgentID, ir.IRObject{
			"preloaded_summaries": ir.IRInt(len(b.Summaries)),
			"preloaded_cold_refs": ir.IRInt(len(b.ColdRefs)),
		}); err != nil {
			return Started{}, fmt.Errorf("session start: %w", err)
		}
	}

	s.logger.Info("session started",
		"conversation_id", conv.ID, "agent_id", req.AgentID,
		"owner", req.Owner.Key(), "preload", req.Preload)
	return out, nil
}

// AddMessage appends a message to the agent's hot memory. A zero
// tokenEstimate is estimated from the content.
func (s *Service) AddMessage(ctx context.Context, agentID, role, content string, tokenEstimate int) (hot.Memory, error) {
	mem, err := s.hot.AddMessage(ctx, agentID, role, content, tokenEstimate)
	if err != nil {
		return hot.Memory{}, fmt.Errorf("session add message: %w", err)
	}
	return mem, nil
}

// EndRequest closes an agent's session.
type EndRequest struct {
	AgentID string

	// Archive runs the archiving pipeline over the whole conversation.
	// Without it the hot contents are discarded and the conversation is
	// frozen.
	Archive          bool
	GenerateSummary  bool
	ExtractDecisions bool

	// SnapshotWarm copies the owner's warm memory to cold storage after
	// the conversation is closed.
	SnapshotWarm bool
}

// Ended is the result of End.
type Ended struct {
	Memory       hot.Memory
	Result       *archive.Result
	WarmSnapshot *ir.ColdEntry
}

// End releases the agent's hot memory. When archiving, the hot memory is
// released only after the pipeline succeeds, so a failed archive can be
// retried. A failed warm snapshot is logged and leaves WarmSnapshot nil;
// the conversation is already closed by then.
func (s *Service) End(ctx context.Context, p ir.Principal, req EndRequest) (Ended, error) {
	if err := p.Validate(); err != nil {
		return Ended{}, err
	}
	mem, ok := s.hot.Get(req.AgentID)
	if !ok {
		return Ended{}, ir.NotFound("session", req.AgentID)
	}
	conv, err := s.store.Queries().GetConversation(ctx, mem.ConversationID)
	if err != nil {
		return Ended{}, fmt.Errorf("session end: %w", err)
	}
	if conv.IdentityID != p.IdentityID {
		s.deny(ctx, p, audit.ResourceConversation, conv.ID)
		return Ended{}, ir.NewBoundaryViolation(audit.ResourceConversation, conv.ID)
	}

	if (req.Archive || req.SnapshotWarm) && s.pipeline == nil {
		return Ended{}, fmt.Errorf("session end: archiving requested but no pipeline is configured")
	}

	var out Ended
	if req.Archive {
		res, err := s.pipeline.ArchiveConversation(ctx, p, archive.Request{
			ConversationID:   mem.ConversationID,
			Messages:         transcript(mem),
			GenerateSummary:  req.GenerateSummary,
			ExtractDecisions: req.ExtractDecisions,
		})
		if err != nil {
			return Ended{}, fmt.Errorf("session end: %w", err)
		}
		out.Result = &res
	} else if err := s.freeze(ctx, p, conv.ID); err != nil {
		return Ended{}, fmt.Errorf("session end: %w", err)
	}

	if req.SnapshotWarm {
		entry, err := s.pipeline.ArchiveWarmSnapshot(ctx, p, conv.ID, conv.Owner)
		switch {
		case err == nil:
			out.WarmSnapshot = &entry
		case ir.IsValidation(err):
			s.logger.Debug("no warm memory to snapshot", "owner", conv.Owner.Key())
		default:
			s.logger.Warn("warm snapshot failed", "conversation_id", conv.ID, "owner", conv.Owner.Key(), "error", err)
		}
	}

	final, ok := s.hot.Take(req.AgentID)
	if !ok {
		// Reaped while archiving; the archive already has the contents.
		final = mem
	}
	out.Memory = final
	s.logger.Info("session ended",
		"conversation_id", mem.ConversationID, "agent_id", req.AgentID,
		"archived", req.Archive, "messages", len(final.Messages))
	return out, nil
}

func (s *Service) freeze(ctx context.Context, p ir.Principal, conversationID string) error {
	return s.store.WithTx(ctx, func(q *store.Queries) error {
		ok, err := q.FreezeConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if !ok {
			return ir.Validation("conversation %s is no longer active", conversationID)
		}
		_, err = s.trail.Log(ctx, q, p, audit.Record{
			Action:       audit.ActionConversationFrozen,
			ResourceType: audit.ResourceConversation,
			ResourceID:   conversationID,
		})
		return err
	})
}

func (s *Service) deny(ctx context.Context, p ir.Principal, resource, id string) {
	if _, err := s.trail.LogNow(ctx, p, audit.Record{
		Action:       audit.ActionAccessDenied,
		ResourceType: resource,
		ResourceID:   id,
	}); err != nil {
		s.logger.Error("audit denial failed", "resource", resource, "id", id, "error", err)
	}
	s.logger.Warn("session access denied", "identity_id", p.IdentityID, "resource", resource, "id", id)
}

// transcript drops the overflow marker; the segment it points at is
// gathered by the pipeline itself.
func transcript(mem hot.Memory) []ir.Message {
	msgs := mem.Messages
	if mem.Segments > 0 && len(msgs) > 0 && msgs[0].Role == ir.RoleSystem {
		msgs = msgs[1:]
	}
	return msgs
}
