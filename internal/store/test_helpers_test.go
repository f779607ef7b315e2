package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/threadkeep/internal/ir"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore opens a fresh store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testThread(id, identity string) ir.Thread {
	return ir.Thread{
		ID:             id,
		IdentityID:     identity,
		CreatedBy:      "alice",
		FoundingIntent: "plan the offsite",
		Classification: ir.Classification{Sphere: "work", Type: "project", Status: ir.ThreadActive, Visibility: "private"},
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}

func testEvent(id, threadID string, seq int64) ir.ThreadEvent {
	return ir.ThreadEvent{
		ID:             id,
		ThreadID:       threadID,
		SequenceNumber: seq,
		EventType:      "note.added",
		Payload:        ir.IRObject{"text": ir.IRString("hello")},
		ActorType:      ir.ActorHuman,
		ActorID:        "alice",
		IdentityID:     "id-1",
		CreatedAt:      baseTime.Add(time.Duration(seq) * time.Second),
	}
}

func testCheckpoint(id string, expiresAt *time.Time) ir.Checkpoint {
	return ir.Checkpoint{
		ID:          id,
		IdentityID:  "id-1",
		ThreadID:    "th-1",
		Class:       ir.ClassCost,
		Action:      "payment.send",
		Description: "pay the venue",
		Payload:     ir.IRObject{"amount": ir.IRInt(500)},
		Status:      ir.CheckpointPending,
		RequestedBy: "agent-7",
		ExpiresAt:   expiresAt,
		CreatedAt:   baseTime,
	}
}
