package ir

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ActorType distinguishes who performed an operation.
type ActorType string

const (
	ActorHuman  ActorType = "human"
	ActorAgent  ActorType = "agent"
	ActorSystem ActorType = "system"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	switch a {
	case ActorHuman, ActorAgent, ActorSystem:
		return true
	}
	return false
}

// RoleApprover lets a non-human actor resolve checkpoints.
const RoleApprover = "checkpoint:resolve"

// Principal is supplied by the identity collaborator on every call.
// The core enforces identity boundaries; it never issues credentials.
type Principal struct {
	IdentityID string    `json:"identity_id"`
	ActorID    string    `json:"actor_id"`
	ActorType  ActorType `json:"actor_type"`
	Roles      []string  `json:"roles,omitempty"`
}

// Validate checks that the principal carries everything audit needs.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.IdentityID) == "" {
		return Validation("principal: identity_id is required")
	}
	if strings.TrimSpace(p.ActorID) == "" {
		return Validation("principal: actor_id is required")
	}
	if !p.ActorType.Valid() {
		return Validation("principal: unknown actor_type %q", p.ActorType)
	}
	return nil
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// SystemPrincipal is the actor used for system-initiated transitions (expiry sweeps).
func SystemPrincipal(identityID string) Principal {
	return Principal{IdentityID: identityID, ActorID: "system", ActorType: ActorSystem}
}

// OwnerType discriminates memory owners.
type OwnerType int

const (
	OwnerAgent OwnerType = iota + 1
	OwnerUser
)

// String implements fmt.Stringer.
func (t OwnerType) String() string {
	switch t {
	case OwnerAgent:
		return "agent"
	case OwnerUser:
		return "user"
	}
	return fmt.Sprintf("OwnerType(%d)", int(t))
}

// ParseOwnerType is the inverse of OwnerType.String.
func ParseOwnerType(s string) (OwnerType, error) {
	switch s {
	case "agent":
		return OwnerAgent, nil
	case "user":
		return OwnerUser, nil
	}
	return 0, Validation("unknown owner type %q (want agent or user)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t OwnerType) MarshalText() ([]byte, error) {
	switch t {
	case OwnerAgent, OwnerUser:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("invalid owner type %d", int(t))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *OwnerType) UnmarshalText(b []byte) error {
	v, err := ParseOwnerType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Owner identifies who a warm or cold memory belongs to.
// Two owners never share memories, even for the same source conversation.
type Owner struct {
	ID   string    `json:"owner_id"`
	Type OwnerType `json:"owner_type"`
}

// Key is the stable map/cache key for the owner.
func (o Owner) Key() string {
	return o.Type.String() + ":" + o.ID
}

// Validate checks the owner is addressable.
func (o Owner) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return Validation("owner: id is required")
	}
	if _, err := o.Type.MarshalText(); err != nil {
		return Validation("owner: %v", err)
	}
	return nil
}

// AgentOwner and UserOwner are shorthands for Owner literals.
func AgentOwner(id string) Owner { return Owner{ID: id, Type: OwnerAgent} }
func UserOwner(id string) Owner  { return Owner{ID: id, Type: OwnerUser} }

// ThreadStatus is the lifecycle state of a thread. Threads are never deleted.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadPaused   ThreadStatus = "paused"
	ThreadArchived ThreadStatus = "archived"
)

// Classification groups threads for listing and policy.
type Classification struct {
	Sphere     string       `json:"sphere"`
	Type       string       `json:"type"`
	Status     ThreadStatus `json:"status"`
	Visibility string       `json:"visibility"`
}

// Thread is an identity-owned append-only event log.
type Thread struct {
	ID             string         `json:"id"`
	IdentityID     string         `json:"identity_id"`
	CreatedBy      string         `json:"created_by"`
	FoundingIntent string         `json:"founding_intent"`
	Classification Classification `json:"classification"`
	ParentThreadID string         `json:"parent_thread_id,omitempty"`
	EventCount     int64          `json:"event_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Well-known event types written by the core itself.
const (
	EventThreadCreated  = "thread.created"
	EventThreadArchived = "thread.archived"
	EventCorrection     = "thread.correction"
)

// ThreadEvent is an immutable fact in a thread. Sequence numbers start at 1
// and have no gaps; corrections are new events pointing at the corrected one.
type ThreadEvent struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	SequenceNumber int64     `json:"sequence_number"`
	ParentEventID  string    `json:"parent_event_id,omitempty"`
	EventType      string    `json:"event_type"`
	Payload        IRObject  `json:"payload"`
	ActorType      ActorType `json:"actor_type"`
	ActorID        string    `json:"actor_id"`
	IdentityID     string    `json:"identity_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// CheckpointClass is the governance category of a gated action.
type CheckpointClass string

const (
	ClassGovernance  CheckpointClass = "governance"
	ClassCost        CheckpointClass = "cost"
	ClassIdentity    CheckpointClass = "identity"
	ClassSensitive   CheckpointClass = "sensitive"
	ClassCrossSphere CheckpointClass = "cross_sphere"
)

// Valid reports whether c is a known class.
func (c CheckpointClass) Valid() bool {
	switch c {
	case ClassGovernance, ClassCost, ClassIdentity, ClassSensitive, ClassCrossSphere:
		return true
	}
	return false
}

// CheckpointStatus is the checkpoint state machine.
// pending -> approved | rejected | expired; all three are terminal.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s CheckpointStatus) Terminal() bool {
	return s == CheckpointApproved || s == CheckpointRejected || s == CheckpointExpired
}

// Checkpoint is one governance gate instance.
type Checkpoint struct {
	ID               string           `json:"id"`
	IdentityID       string           `json:"identity_id"`
	ThreadID         string           `json:"thread_id,omitempty"`
	EventID          string           `json:"event_id,omitempty"`
	Class            CheckpointClass  `json:"class"`
	Action           string           `json:"action"`
	Description      string           `json:"description"`
	Payload          IRObject         `json:"payload"`
	Status           CheckpointStatus `json:"status"`
	RequestedBy      string           `json:"requested_by"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolutionReason string           `json:"resolution_reason,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Grant is the capability returned by an approval. It authorizes exactly one
// append of the gated action to the linked thread.
type Grant struct {
	CheckpointID string    `json:"checkpoint_id"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Action       string    `json:"action"`
	Token        string    `json:"token"`
	IssuedAt     time.Time `json:"issued_at"`
}

// AuditEntry is an immutable record of a state-changing operation.
type AuditEntry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	IdentityID   string    `json:"identity_id"`
	ActorType    ActorType `json:"actor_type"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Sphere       string    `json:"sphere,omitempty"`
	Details      IRObject  `json:"details,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
}

// ConversationStatus is the lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationFrozen   ConversationStatus = "frozen"
)

// Conversation is the unit the memory tiers operate over.
type Conversation struct {
	ID         string             `json:"id"`
	IdentityID string             `json:"identity_id"`
	Owner      Owner              `json:"owner"`
	AgentID    string             `json:"agent_id"`
	ThreadID   string             `json:"thread_id,omitempty"`
	Scope      string             `json:"scope"`
	Status     ConversationStatus `json:"status"`
	Artifacts  []string           `json:"artifacts,omitempty"`
	SummaryID  string             `json:"summary_id,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	ArchivedAt *time.Time         `json:"archived_at,omitempty"`
}

// ColdEntryType names what a cold entry archives.
type ColdEntryType string

const (
	ColdConversationFull ColdEntryType = "conversation_full"
	ColdHotOverflow      ColdEntryType = "hot_overflow"
	ColdWarmSnapshot     ColdEntryType = "warm_snapshot"
)

// ColdEntry is an immutable archival record. Only AccessCount and
// LastAccessedAt change after creation.
type ColdEntry struct {
	ID              string        `json:"id"`
	Type            ColdEntryType `json:"entry_type"`
	ReferenceID     string        `json:"reference_id"`
	StorageLocation string        `json:"storage_location"`
	ConversationID  string        `json:"conversation_id"`
	Owner           Owner         `json:"owner"`
	CreatedAt       time.Time     `json:"created_at"`
	ArchivedAt      time.Time     `json:"archived_at"`
	Checksum        string        `json:"checksum"`
	AccessCount     int64         `json:"access_count"`
	LastAccessedAt  *time.Time    `json:"last_accessed_at,omitempty"`
}

// Message is one raw conversational turn held in hot memory.
type Message struct {
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	TokenEstimate int       `json:"token_estimate"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message roles. RoleSystem is also used for archival markers.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)
