package idgen

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7{}.New()

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)
}

func TestUUIDv7_Concurrent(t *testing.T) {
	gen := UUIDv7{}
	const goroutines = 100

	ids := make(chan string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.New()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "id %s generated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

func TestULID_MonotonicWithinMillisecond(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gen := NewULID(func() time.Time { return at })

	prev := gen.New()
	for i := 0; i < 100; i++ {
		next := gen.New()
		assert.Less(t, prev, next)
		prev = next
	}

	parsed, err := ulid.Parse(prev)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(at), parsed.Time())
}

func TestFixed(t *testing.T) {
	gen := NewFixed("a", "b")
	assert.Equal(t, "a", gen.New())
	assert.Equal(t, "b", gen.New())
	assert.Panics(t, func() { gen.New() })
}

func TestSequential(t *testing.T) {
	gen := NewSequential("evt")
	assert.Equal(t, "evt-0001", gen.New())
	assert.Equal(t, "evt-0002", gen.New())
	gen.Reset()
	assert.Equal(t, "evt-0001", gen.New())
}
