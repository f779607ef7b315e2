package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestColdEntryIDDeterministic(t *testing.T) {
	owner := AgentOwner("agent-1")
	a, err := ColdEntryID(ColdConversationFull, "conv-1", owner)
	require.NoError(t, err)
	b, err := ColdEntryID(ColdConversationFull, "conv-1", owner)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "cold_"))
	assert.Len(t, a, len("cold_")+32)
}

func TestColdEntryIDSeparatesOwners(t *testing.T) {
	agent, err := ColdEntryID(ColdConversationFull, "conv-1", AgentOwner("same"))
	require.NoError(t, err)
	user, err := ColdEntryID(ColdConversationFull, "conv-1", UserOwner("same"))
	require.NoError(t, err)
	overflow, err := ColdEntryID(ColdHotOverflow, "conv-1", AgentOwner("same"))
	require.NoError(t, err)

	assert.NotEqual(t, agent, user)
	assert.NotEqual(t, agent, overflow)
}

func TestColdChecksumCoversImmutableFields(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	entry := ColdEntry{
		ID:              "cold_x",
		Type:            ColdConversationFull,
		ReferenceID:     "conv-1",
		StorageLocation: "blob/ab/abcd",
		ConversationID:  "conv-1",
		Owner:           AgentOwner("a"),
		CreatedAt:       now,
		ArchivedAt:      now,
	}
	sum, err := ColdChecksum(entry)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	// Access counters are outside the checksum.
	accessed := entry
	accessed.AccessCount = 10
	accessed.LastAccessedAt = &now
	same, err := ColdChecksum(accessed)
	require.NoError(t, err)
	assert.Equal(t, sum, same)

	tampered := entry
	tampered.StorageLocation = "blob/ff/ffff"
	other, err := ColdChecksum(tampered)
	require.NoError(t, err)
	assert.NotEqual(t, sum, other)
}

func TestNewGrantToken(t *testing.T) {
	tok, err := NewGrantToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	_, err = hex.DecodeString(tok)
	require.NoError(t, err)

	other, err := NewGrantToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestBlobDigest(t *testing.T) {
	d := BlobDigest([]byte(`{"messages":[]}`))
	assert.Len(t, d, 16)
	assert.Equal(t, d, BlobDigest([]byte(`{"messages":[]}`)))
	assert.NotEqual(t, d, BlobDigest([]byte(`{"messages":[1]}`)))

	plain := sha256.Sum256([]byte(`{"messages":[]}`))
	assert.NotEqual(t, hex.EncodeToString(plain[:8]), d, "digest is domain separated")
}
