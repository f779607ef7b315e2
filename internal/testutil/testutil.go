// Package testutil holds fixtures shared by package tests and the scenario
// harness: a temp-dir store, a pinned clock and deterministic ids.
package testutil

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/threadkeep/internal/audit"
	"github.com/roach88/threadkeep/internal/clock"
	"github.com/roach88/threadkeep/internal/idgen"
	"github.com/roach88/threadkeep/internal/ir"
	"github.com/roach88/threadkeep/internal/store"
)

// Epoch is the start time of every Env clock.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Env is the common wiring for a test: store, clock, ids and audit trail.
type Env struct {
	Store  *store.Store
	Clock  *clock.Manual
	IDs    *idgen.Sequential
	Trail  *audit.Trail
	Logger *slog.Logger
}

// NewEnv opens a fresh store under t.TempDir() and closes it on cleanup.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	s := OpenStore(t)
	clk := clock.NewManual(Epoch)
	ids := idgen.NewSequential("id")
	return &Env{
		Store:  s,
		Clock:  clk,
		IDs:    ids,
		Trail:  audit.New(s, clk, ids),
		Logger: DiscardLogger(),
	}
}

// OpenStore opens a SQLite store in a temp dir.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// DiscardLogger returns a logger that writes nowhere.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Human returns a human principal acting for identity.
func Human(identity, actor string) ir.Principal {
	return ir.Principal{IdentityID: identity, ActorID: actor, ActorType: ir.ActorHuman}
}

// Agent returns an agent principal acting for identity.
func Agent(identity, actor string, roles ...string) ir.Principal {
	return ir.Principal{IdentityID: identity, ActorID: actor, ActorType: ir.ActorAgent, Roles: roles}
}
