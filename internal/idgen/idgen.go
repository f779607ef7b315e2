// Package idgen generates identifiers for threads, events, checkpoints and
// audit entries.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique string identifiers.
type Generator interface {
	New() string
}

// UUIDv7 generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// New returns a hyphenated UUIDv7. Panics if the system entropy source fails.
func (UUIDv7) New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ULID generates lexically sortable identifiers. Used for cold access
// references, which are handed to callers and compared as strings.
type ULID struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewULID creates a ULID generator. now may be nil.
func NewULID(now func() time.Time) *ULID {
	if now == nil {
		now = time.Now
	}
	return &ULID{entropy: ulid.Monotonic(rand.Reader, 0), now: now}
}

// New returns the next ULID.
func (g *ULID) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// Fixed returns predetermined identifiers in order.
//
// Panics once all identifiers are consumed so a misconfigured test fails fast.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// New returns the next predetermined id.
func (g *Fixed) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("idgen.Fixed: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Sequential returns prefix-0001, prefix-0002, ... and never runs out.
// Scenario replays use it so golden output is byte-stable.
type Sequential struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequential creates a sequential generator.
func NewSequential(prefix string) *Sequential {
	return &Sequential{prefix: prefix}
}

// New returns the next id.
func (g *Sequential) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *Sequential) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
