package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"fs": fs, "memory": NewMemory()}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			loc, err := s.Put(ctx, "conversations/c-1/full.json", []byte(`{"a":1}`))
			require.NoError(t, err)
			assert.Contains(t, loc, "conversations/c-1/full.json")

			got, err := s.Get(ctx, loc)
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(got))
		})
	}
}

func TestPutIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			loc1, err := s.Put(ctx, "k", []byte("same"))
			require.NoError(t, err)
			loc2, err := s.Put(ctx, "k", []byte("same"))
			require.NoError(t, err)
			assert.Equal(t, loc1, loc2)

			_, err = s.Put(ctx, "k", []byte("different"))
			assert.ErrorIs(t, err, ErrConflict)

			got, err := s.Get(ctx, loc1)
			require.NoError(t, err)
			assert.Equal(t, "same", string(got))
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(ctx, "file://nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = NewMemory().Get(ctx, "mem://nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = fs.Get(ctx, "mem://nope")
	assert.Error(t, err, "wrong scheme")
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"a", "a/b", "cold_1.json", "x-y/z_1"} {
		assert.NoError(t, ValidateKey(key), key)
	}
	for _, key := range []string{"", "/abs", "../up", "a/../b", "a//b", "a b", ".hidden"} {
		assert.Error(t, ValidateKey(key), key)
	}
}
