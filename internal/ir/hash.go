package ir

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed values.
// The version suffix leaves room for algorithm migration.
const (
	DomainColdEntryID  = "threadkeep/cold-entry-id/v1"
	DomainColdChecksum = "threadkeep/cold-checksum/v1"
	DomainBlob         = "threadkeep/blob/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ColdEntryID derives the id of a cold archive entry from what it archives.
// Archiving the same reference for the same owner twice yields the same id,
// which is what makes cold writes idempotent.
func ColdEntryID(entryType ColdEntryType, referenceID string, owner Owner) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"entry_type":   IRString(entryType),
		"reference_id": IRString(referenceID),
		"owner_id":     IRString(owner.ID),
		"owner_type":   IRString(owner.Type.String()),
	})
	if err != nil {
		return "", fmt.Errorf("ColdEntryID: failed to marshal: %w", err)
	}
	return "cold_" + hashWithDomain(DomainColdEntryID, canonical)[:32], nil
}

// ColdChecksum covers every immutable field of a cold entry. Access counters
// and last-accessed time are deliberately outside the checksum.
func ColdChecksum(e ColdEntry) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"id":               IRString(e.ID),
		"entry_type":       IRString(e.Type),
		"reference_id":     IRString(e.ReferenceID),
		"storage_location": IRString(e.StorageLocation),
		"conversation_id":  IRString(e.ConversationID),
		"owner_id":         IRString(e.Owner.ID),
		"owner_type":       IRString(e.Owner.Type.String()),
		"created_at":       IRString(FormatTime(e.CreatedAt)),
		"archived_at":      IRString(FormatTime(e.ArchivedAt)),
	})
	if err != nil {
		return "", fmt.Errorf("ColdChecksum: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainColdChecksum, canonical), nil
}

// BlobDigest is the short content key archived blobs are stored under.
func BlobDigest(data []byte) string {
	return hashWithDomain(DomainBlob, data)[:16]
}

// NewGrantToken returns a random approval token. It is derived from nothing
// a reader of the checkpoint can see.
func NewGrantToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("NewGrantToken: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
