package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("framework: grounded theory\n")
	art, err := store.Put(content, KindRawText, "analyze_documents", nil)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(content), art.Hash)
	assert.Equal(t, KindRawText, art.Kind)
	assert.Equal(t, int64(len(content)), art.Size)

	got, err := store.Get(art.Hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	meta, err := store.Stat(art.Hash)
	require.NoError(t, err)
	assert.Equal(t, "analyze_documents", meta.ProducingStage)
}

func TestStorePutIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("same bytes")
	first, err := store.Put(content, KindRawText, "a", nil)
	require.NoError(t, err)
	second, err := store.Put(content, KindRawText, "b", nil)
	require.NoError(t, err)

	// Identity is content, so the original record wins.
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, "a", second.ProducingStage)
}

func TestStoreHashCollisionHardFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	content := []byte("original")
	art, err := store.Put(content, KindRawText, "a", nil)
	require.NoError(t, err)

	// Simulate corruption: different bytes under the same address.
	blob := filepath.Join(dir, art.Hash[:2], art.Hash)
	require.NoError(t, os.WriteFile(blob, []byte("tampered"), 0o644))

	_, err = store.Put(content, KindRawText, "a", nil)
	assert.ErrorIs(t, err, ErrHashCollision)
}

func TestStoreGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	missing := HashBytes([]byte("never stored"))
	_, err = store.Get(missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Has(missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	art, err := store.Put([]byte("pristine"), KindTabular, "", nil)
	require.NoError(t, err)

	ok, err := store.Verify(art.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	blob := filepath.Join(dir, art.Hash[:2], art.Hash)
	require.NoError(t, os.WriteFile(blob, []byte("flipped"), 0o644))

	ok, err = store.Verify(art.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreGarbageCollect(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	kept, err := store.Put([]byte("referenced by a manifest"), KindRawText, "", nil)
	require.NoError(t, err)
	doomed, err := store.Put([]byte("orphan"), KindLog, "", nil)
	require.NoError(t, err)

	removed, err := store.GarbageCollect(map[string]bool{kept.Hash: true})
	require.NoError(t, err)
	assert.Equal(t, []string{doomed.Hash}, removed)

	ok, err := store.Has(kept.Hash)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Has(doomed.Hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"valid", HashBytes([]byte("x")), false},
		{"too short", "abc123", true},
		{"not hex", string(make([]byte, 64)), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHash(tt.hash)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
