package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicable-dev/researchpipe/internal/artifact"
)

func newStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func storeObjectCount(t *testing.T, store *artifact.Store) int {
	t.Helper()
	count := 0
	shards, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(store.Root(), shard.Name()))
		require.NoError(t, err)
		for _, e := range entries {
			if filepath.Ext(e.Name()) != ".json" {
				count++
			}
		}
	}
	return count
}

func TestCommitPublishesAllOutputs(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "execute_metrics")
	require.NoError(t, err)

	require.NoError(t, ws.Stage([]byte(`{"mean":20}`), artifact.KindRawText, []string{artifact.HashBytes([]byte("input"))}))
	require.NoError(t, ws.Stage([]byte("<svg/>"), artifact.KindBinary, nil))

	committed, err := ws.Commit(store)
	require.NoError(t, err)
	require.Len(t, committed, 2)
	for _, art := range committed {
		assert.Equal(t, "execute_metrics", art.ProducingStage)
		content, err := store.Get(art.Hash)
		require.NoError(t, err)
		assert.Equal(t, artifact.HashBytes(content), art.Hash)
	}
}

func TestDiscardLeavesNoTrace(t *testing.T) {
	store := newStore(t)
	base := t.TempDir()
	ws, err := Open(base, "generate_metrics_code")
	require.NoError(t, err)

	require.NoError(t, ws.Stage([]byte("half-finished output"), artifact.KindRawText, nil))
	require.NoError(t, os.WriteFile(filepath.Join(ws.ScratchDir(), "leftover.txt"), []byte("x"), 0o644))

	require.NoError(t, ws.Discard())

	assert.Zero(t, storeObjectCount(t, store))
	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace directory must be deleted on discard")
}

func TestCommitFailureRollsBackEverything(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "execute_stats")
	require.NoError(t, err)

	require.NoError(t, ws.Stage([]byte("first output"), artifact.KindRawText, nil))
	// An invalid kind fails inside the store, after the first object has
	// already been written.
	require.NoError(t, ws.Stage([]byte("second output"), artifact.Kind("bogus"), nil))

	_, err = ws.Commit(store)
	require.Error(t, err)

	assert.Zero(t, storeObjectCount(t, store), "partial commit must leave the store untouched")

	has, err := store.Has(artifact.HashBytes([]byte("first output")))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCommitRollbackKeepsPreexistingObjects(t *testing.T) {
	store := newStore(t)
	shared := []byte("shared dataset")
	_, err := store.Put(shared, artifact.KindRawText, "analyze_documents", nil)
	require.NoError(t, err)

	ws, err := Open(t.TempDir(), "execute_stats")
	require.NoError(t, err)
	require.NoError(t, ws.Stage(shared, artifact.KindRawText, nil))
	require.NoError(t, ws.Stage([]byte("doomed"), artifact.Kind("bogus"), nil))

	_, err = ws.Commit(store)
	require.Error(t, err)

	has, err := store.Has(artifact.HashBytes(shared))
	require.NoError(t, err)
	assert.True(t, has, "rollback must not delete objects that predate the commit")
}

func TestScratchFilesAreNotOutputsUntilStaged(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "execute_metrics")
	require.NoError(t, err)

	path := filepath.Join(ws.ScratchDir(), "mean.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mean":20}`), 0o644))

	require.NoError(t, ws.Stage([]byte("log line"), artifact.KindLog, nil))
	_, err = ws.Commit(store)
	require.NoError(t, err)

	has, err := store.Has(artifact.HashBytes([]byte(`{"mean":20}`)))
	require.NoError(t, err)
	assert.False(t, has, "unstaged scratch files must not reach the store")
}

func TestStageFile(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "execute_metrics")
	require.NoError(t, err)

	path := filepath.Join(ws.ScratchDir(), "plot.svg")
	require.NoError(t, os.WriteFile(path, []byte("<svg/>"), 0o644))
	require.NoError(t, ws.StageFile(path, artifact.KindBinary, nil))

	committed, err := ws.Commit(store)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, artifact.HashBytes([]byte("<svg/>")), committed[0].Hash)
}

func TestClosedWorkspaceRejectsFurtherUse(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "synthesize")
	require.NoError(t, err)
	require.NoError(t, ws.Stage([]byte("report"), artifact.KindRawText, nil))

	_, err = ws.Commit(store)
	require.NoError(t, err)

	assert.ErrorIs(t, ws.Stage([]byte("more"), artifact.KindRawText, nil), ErrClosed)
	_, err = ws.Commit(store)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, ws.Discard())
}

func TestCommitWithNothingStagedFails(t *testing.T) {
	store := newStore(t)
	ws, err := Open(t.TempDir(), "synthesize")
	require.NoError(t, err)
	_, err = ws.Commit(store)
	require.Error(t, err)
	require.NoError(t, ws.Discard())
}
