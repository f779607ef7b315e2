// Package hot holds each agent's working memory: the raw recent messages
// plus reasoning state, bounded by a token and a message budget.
//
// Hot memory is volatile. When a new message would exceed the budget, the
// current contents are handed to an Archiver before the reset, and the reset
// memory starts with a system marker pointing at the archived segment.
package hot

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/keylock"
)

// Default budgets.
const (
	DefaultMaxTokens   = 8000
	DefaultMaxMessages = 200
	DefaultTTL         = 2 * time.Hour
)

// Config bounds one agent's hot memory.
type Config struct {
	MaxTokens   int
	MaxMessages int

	// TTL is how long an idle memory survives Reap. Zero disables expiry.
	TTL time.Duration
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{MaxTokens: DefaultMaxTokens, MaxMessages: DefaultMaxMessages, TTL: DefaultTTL}
}

func (c Config) validate() error {
	if c.MaxTokens <= 0 {
		return ir.Validation("hot: max_tokens must be positive")
	}
	if c.MaxMessages < 2 {
		return ir.Validation("hot: max_messages must be at least 2")
	}
	if c.TTL < 0 {
		return ir.Validation("hot: ttl must not be negative")
	}
	return nil
}

// Memory is a snapshot of one agent's hot memory. Slices and maps are copies.
type Memory struct {
	AgentID        string
	ConversationID string
	Owner          ir.Owner
	Config         Config
	Messages       []ir.Message
	TokenCount     int
	ReasoningState ir.IRObject
	Objectives     []string
	Constraints    []string
	Segments       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (m *Memory) clone() Memory {
	out := *m
	out.Messages = slices.Clone(m.Messages)
	out.ReasoningState = m.ReasoningState.Clone()
	out.Objectives = slices.Clone(m.Objectives)
	out.Constraints = slices.Clone(m.Constraints)
	return out
}

// Segment is the content handed to an Archiver on overflow.
type Segment struct {
	AgentID        string
	ConversationID string
	Owner          ir.Owner

	// Index numbers the segments of one conversation from 1.
	Index    int
	Messages []ir.Message
}

// Archiver stores an overflowing segment durably and returns a reference
// to it. It must not call back into the Manager.
type Archiver interface {
	ArchiveSegment(ctx context.Context, seg Segment) (ref string, err error)
}

// Manager owns the hot memories of all agents on this process.
// Each agent is single-writer; different agents proceed in parallel.
type Manager struct {
	archiver Archiver
	clock    clock.Clock
	logger   *slog.Logger

	locks keylock.Map

	mu       sync.RWMutex
	memories map[string]*Memory
}

// NewManager creates a manager. archiver may be nil, in which case an
// overflow fails instead of archiving.
func NewManager(archiver Archiver, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		archiver: archiver,
		clock:    clk,
		logger:   logger,
		memories: make(map[string]*Memory),
	}
}

// Initialize creates the hot memory for agentID.
func (m *Manager) Initialize(agentID, conversationID string, owner ir.Owner, cfg Config) (Memory, error) {
	if agentID == "" || conversationID == "" {
		return Memory{}, ir.Validation("hot: agent_id and conversation_id are required")
	}
	if err := owner.Validate(); err != nil {
		return Memory{}, err
	}
	if err := cfg.validate(); err != nil {
		return Memory{}, err
	}
	unlock := m.locks.Lock(agentID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[agentID]; ok {
		return Memory{}, ir.Validation("hot: agent %s already has an active memory", agentID)
	}
	now := m.clock.Now()
	mem := &Memory{
		AgentID:        agentID,
		ConversationID: conversationID,
		Owner:          owner,
		Config:         cfg,
		Messages:       []ir.Message{},
		ReasoningState: ir.IRObject{},
		Objectives:     []string{},
		Constraints:    []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.memories[agentID] = mem
	return mem.clone(), nil
}

// EstimateTokens is the fallback estimate used when callers pass zero.
func EstimateTokens(content string) int {
	n := len([]rune(content))
	return (n + 3) / 4
}

// AddMessage appends a message. If it would exceed either budget, the
// current contents are archived and the memory is reset first, so after a
// successful return TokenCount <= MaxTokens and len(Messages) <= MaxMessages.
// If archiving fails nothing changes and the error is returned.
func (m *Manager) AddMessage(ctx context.Context, agentID, role, content string, tokenEstimate int) (Memory, error) {
	if role == "" {
		return Memory{}, ir.Validation("hot: role is required")
	}
	if tokenEstimate <= 0 {
		tokenEstimate = EstimateTokens(content)
	}

	unlock := m.locks.Lock(agentID)
	defer unlock()

	mem, ok := m.lookup(agentID)
	if !ok {
		return Memory{}, ir.NotFound("hot_memory", agentID)
	}
	if tokenEstimate > mem.Config.MaxTokens {
		return Memory{}, ir.Validation("hot: message of %d tokens exceeds max_tokens %d", tokenEstimate, mem.Config.MaxTokens)
	}

	now := m.clock.Now()
	msg := ir.Message{Role: role, Content: content, TokenEstimate: tokenEstimate, CreatedAt: now}

	// Archive outside m.mu: only this agent's lock is held.
	work := mem.clone()
	if work.TokenCount+tokenEstimate > work.Config.MaxTokens || len(work.Messages)+1 > work.Config.MaxMessages {
		if err := m.overflow(ctx, &work, now); err != nil {
			return Memory{}, err
		}
	}
	if work.TokenCount+tokenEstimate > work.Config.MaxTokens {
		// The marker itself does not fit next to this message.
		work.Messages = []ir.Message{}
		work.TokenCount = 0
	}
	work.Messages = append(work.Messages, msg)
	work.TokenCount += tokenEstimate
	work.UpdatedAt = now

	if err := m.commit(&work); err != nil {
		return Memory{}, err
	}
	return work.clone(), nil
}

// commit stores work unless the memory was removed meanwhile by Reap.
func (m *Manager) commit(work *Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[work.AgentID]; !ok {
		return ir.NotFound("hot_memory", work.AgentID)
	}
	m.memories[work.AgentID] = work
	return nil
}

func (m *Manager) overflow(ctx context.Context, mem *Memory, now time.Time) error {
	if !slices.ContainsFunc(mem.Messages, func(msg ir.Message) bool { return msg.Role != ir.RoleSystem }) {
		mem.Messages = []ir.Message{}
		mem.TokenCount = 0
		return nil
	}
	if m.archiver == nil {
		return fmt.Errorf("hot: agent %s is over budget and no archiver is configured", mem.AgentID)
	}
	seg := Segment{
		AgentID:        mem.AgentID,
		ConversationID: mem.ConversationID,
		Owner:          mem.Owner,
		Index:          mem.Segments + 1,
		Messages:       slices.Clone(mem.Messages),
	}
	ref, err := m.archiver.ArchiveSegment(ctx, seg)
	if err != nil {
		return fmt.Errorf("hot: archive overflow for agent %s: %w", mem.AgentID, err)
	}

	marker := ir.Message{
		Role:      ir.RoleSystem,
		Content:   fmt.Sprintf("[%d earlier messages archived to %s]", len(seg.Messages), ref),
		CreatedAt: now,
	}
	marker.TokenEstimate = EstimateTokens(marker.Content)

	mem.Segments = seg.Index
	mem.Messages = []ir.Message{marker}
	mem.TokenCount = marker.TokenEstimate
	m.logger.Info("hot memory archived on overflow",
		"agent_id", mem.AgentID, "conversation_id", mem.ConversationID,
		"messages", len(seg.Messages), "segment", seg.Index, "ref", ref)
	return nil
}

// UpdateReasoningState merges state into the reasoning state.
func (m *Manager) UpdateReasoningState(agentID string, state ir.IRObject) (Memory, error) {
	return m.update(agentID, func(mem *Memory) {
		for k, v := range state.Clone() {
			mem.ReasoningState[k] = v
		}
	})
}

// SetObjectives replaces the objectives.
func (m *Manager) SetObjectives(agentID string, objectives []string) (Memory, error) {
	return m.update(agentID, func(mem *Memory) { mem.Objectives = slices.Clone(objectives) })
}

// SetConstraints replaces the constraints.
func (m *Manager) SetConstraints(agentID string, constraints []string) (Memory, error) {
	return m.update(agentID, func(mem *Memory) { mem.Constraints = slices.Clone(constraints) })
}

func (m *Manager) update(agentID string, fn func(*Memory)) (Memory, error) {
	unlock := m.locks.Lock(agentID)
	defer unlock()

	mem, ok := m.lookup(agentID)
	if !ok {
		return Memory{}, ir.NotFound("hot_memory", agentID)
	}
	work := mem.clone()
	fn(&work)
	work.UpdatedAt = m.clock.Now()

	if err := m.commit(&work); err != nil {
		return Memory{}, err
	}
	return work.clone(), nil
}

// Get returns a snapshot of agentID's memory.
func (m *Manager) Get(agentID string) (Memory, bool) {
	mem, ok := m.lookup(agentID)
	if !ok {
		return Memory{}, false
	}
	return mem.clone(), true
}

// Clear drops agentID's memory without archiving it.
func (m *Manager) Clear(agentID string) bool {
	unlock := m.locks.Lock(agentID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.memories[agentID]
	delete(m.memories, agentID)
	return ok
}

// Take removes agentID's memory and returns its final contents, for a
// caller that archives them.
func (m *Manager) Take(agentID string) (Memory, bool) {
	unlock := m.locks.Lock(agentID)
	defer unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memories[agentID]
	if !ok {
		return Memory{}, false
	}
	delete(m.memories, agentID)
	return mem.clone(), true
}

// Reap removes every memory idle for longer than its TTL and returns them.
func (m *Manager) Reap(now time.Time) []Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Memory
	for id, mem := range m.memories {
		if mem.Config.TTL > 0 && !now.Before(mem.UpdatedAt.Add(mem.Config.TTL)) {
			out = append(out, mem.clone())
			delete(m.memories, id)
		}
	}
	slices.SortFunc(out, func(a, b Memory) int {
		if a.AgentID < b.AgentID {
			return -1
		}
		if a.AgentID > b.AgentID {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of live memories.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memories)
}

func (m *Manager) lookup(agentID string) (*Memory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.memories[agentID]
	return mem, ok
}
