package worktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
)

func TestAddFileStagesEntryAndPendingChange(t *testing.T) {
	idx := New(nil)
	id := objid.Of([]byte("content"))
	require.NoError(t, idx.AddFile("/a.txt", id, false))

	entries := idx.Entries()
	entry, ok := entries["a.txt"]
	require.True(t, ok)
	assert.Equal(t, "a.txt", entry.Name, "full repository path, not a basename")
	assert.Equal(t, id, entry.Id)
	assert.Equal(t, objects.KindBlob, entry.Kind)
	assert.EqualValues(t, 0o644, entry.Mode)

	changes := idx.PendingChangesSnapshot()
	require.Len(t, changes, 1)
	assert.Equal(t, objects.ChangeUpsert, changes[0].Kind)
	assert.Equal(t, "a.txt", changes[0].Path)
}

func TestAddFileExecutableSetsMode(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.AddFile("run.sh", objid.Of([]byte("x")), true))
	entry, ok := idx.Entries()["run.sh"]
	require.True(t, ok)
	assert.EqualValues(t, 0o755, entry.Mode)
}

func TestAddFileRejectsEmptyPath(t *testing.T) {
	idx := New(nil)
	err := idx.AddFile("/", objid.Of([]byte("x")), false)
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestMkdirStagesDirectoryEntry(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Mkdir("dir"))

	entry, ok := idx.Entries()["dir"]
	require.True(t, ok)
	assert.Equal(t, "dir", entry.Name)
	assert.Equal(t, objects.KindTree, entry.Kind)
	assert.Equal(t, objid.Zero, entry.Id)
}

func TestDeleteRemovesEntryAndDescendants(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.Mkdir("dir"))
	require.NoError(t, idx.AddFile("dir/x.txt", objid.Of([]byte("x")), false))
	require.NoError(t, idx.AddFile("dir/y.txt", objid.Of([]byte("y")), false))
	require.NoError(t, idx.AddFile("other.txt", objid.Of([]byte("o")), false))

	require.NoError(t, idx.Delete("dir"))

	entries := idx.Entries()
	assert.NotContains(t, entries, "dir")
	assert.NotContains(t, entries, "dir/x.txt")
	assert.NotContains(t, entries, "dir/y.txt")
	assert.Contains(t, entries, "other.txt")

	changes := idx.PendingChangesSnapshot()
	var deletePaths []string
	for _, c := range changes {
		if c.Kind == objects.ChangeDelete {
			deletePaths = append(deletePaths, c.Path)
		}
	}
	assert.Equal(t, []string{"dir"}, deletePaths, "a single Delete change covers the whole subtree")
}

func TestDeleteRejectsEmptyPath(t *testing.T) {
	idx := New(nil)
	err := idx.Delete("")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestPendingChangesSnapshotIsSortedAndNonDestructive(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.AddFile("z.txt", objid.Of([]byte("z")), false))
	require.NoError(t, idx.AddFile("a.txt", objid.Of([]byte("a")), false))

	first := idx.PendingChangesSnapshot()
	require.Len(t, first, 2)
	assert.Equal(t, "a.txt", first[0].Path)
	assert.Equal(t, "z.txt", first[1].Path)

	second := idx.PendingChangesSnapshot()
	assert.Equal(t, first, second, "snapshot must not clear the overlay")
}

func TestClearPendingChanges(t *testing.T) {
	idx := New(nil)
	require.NoError(t, idx.AddFile("a.txt", objid.Of([]byte("a")), false))
	require.Len(t, idx.PendingChangesSnapshot(), 1)

	idx.ClearPendingChanges()
	assert.Empty(t, idx.PendingChangesSnapshot())

	// Entries staged before the clear remain in the index itself.
	assert.Contains(t, idx.Entries(), "a.txt")
}

func TestNewSeedsFromExistingTreeState(t *testing.T) {
	seed := map[string]objects.TreeEntry{
		"existing.txt": {Name: "existing.txt", Id: objid.Of([]byte("e")), Kind: objects.KindBlob, Mode: 0o644},
	}
	idx := New(seed)
	assert.Contains(t, idx.Entries(), "existing.txt")
	assert.Empty(t, idx.PendingChangesSnapshot(), "reopening at head seeds entries but not pending changes")

	// Mutating the caller's map afterward must not affect the index.
	seed["existing.txt"] = objects.TreeEntry{Name: "mutated"}
	entry := idx.Entries()["existing.txt"]
	assert.Equal(t, "existing.txt", entry.Name)
}

func TestBatchMarker(t *testing.T) {
	idx := New(nil)
	assert.False(t, idx.InBatch())
	idx.BeginBatch()
	assert.True(t, idx.InBatch())
	idx.EndBatch()
	assert.False(t, idx.InBatch())
}
