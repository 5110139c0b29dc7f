package commitpipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsvn/pkg/objects"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/objid"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

func newTestPipeline(t *testing.T, snapshotInterval uint64) (*Pipeline, *objectstore.Store, *revstore.Store, *worktree.Index) {
	t.Helper()
	objs, err := objectstore.Open(t.TempDir())
	require.NoError(t, err)
	revs, err := revstore.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, CreateGenesis(objs, revs))
	index := worktree.New(nil)
	p := New(objs, revs, index, nil, snapshotInterval, nil)
	return p, objs, revs, index
}

func TestCreateGenesisIsIdempotent(t *testing.T) {
	objs, err := objectstore.Open(t.TempDir())
	require.NoError(t, err)
	revs, err := revstore.Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, CreateGenesis(objs, revs))
	require.NoError(t, CreateGenesis(objs, revs))

	head, err := revs.HeadRev()
	require.NoError(t, err)
	assert.Zero(t, head)

	c, err := revs.GetCommit(0)
	require.NoError(t, err)
	assert.True(t, c.IsInitial())
}

func TestCommitAdvancesHeadAndPersistsDelta(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)

	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev, err := p.Commit("alice", "add a.txt", 1700000000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)

	head, err := revs.HeadRev()
	require.NoError(t, err)
	assert.EqualValues(t, 1, head)

	c, err := revs.GetCommit(1)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Author)
	assert.Equal(t, "add a.txt", c.Message)
	assert.False(t, c.IsInitial())

	delta, err := revs.GetDeltaTree(1)
	require.NoError(t, err)
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, "a.txt", delta.Changes[0].Path)

	assert.Empty(t, index.PendingChangesSnapshot(), "commit clears the pending overlay")
}

func TestCommitTakesFullSnapshotAtInterval(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 2)

	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	_, err := p.Commit("alice", "r1", 1700000000, 0)
	require.NoError(t, err)
	assert.False(t, revs.HasSnapshot(1), "rev 1 is not a multiple of the interval")

	require.NoError(t, index.AddFile("b.txt", objid.Of([]byte("b")), false))
	rev2, err := p.Commit("alice", "r2", 1700000001, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rev2)
	assert.True(t, revs.HasSnapshot(2), "rev 2 is a multiple of the configured interval")

	snap, ok, err := revs.GetSnapshot(2)
	require.NoError(t, err)
	require.True(t, ok)
	names := map[string]bool{}
	for _, e := range snap.Entries {
		names[e.Name] = true
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["b.txt"])
}

func TestCommitChainsParents(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)

	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev1, err := p.Commit("alice", "r1", 1700000000, 0)
	require.NoError(t, err)

	c0, err := revs.GetCommit(0)
	require.NoError(t, err)
	c1, err := revs.GetCommit(rev1)
	require.NoError(t, err)
	require.Len(t, c1.Parents, 1)
	assert.Equal(t, c0.Id(), c1.Parents[0])
}

func TestSetRevpropLogRewritesCommit(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)

	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev, err := p.Commit("alice", "original message", 1700000000, 0)
	require.NoError(t, err)

	original, err := revs.GetCommit(rev)
	require.NoError(t, err)
	originalId := original.Id()

	require.NoError(t, p.SetRevprop(rev, "bob", RevpropLog, "edited message"))

	updated, err := revs.GetCommit(rev)
	require.NoError(t, err)
	assert.Equal(t, "edited message", updated.Message)
	assert.NotEqual(t, originalId, updated.Id(), "rewriting svn:log changes the commit's ObjectId")
}

func TestSetRevpropAuthorAndDate(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)
	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev, err := p.Commit("alice", "msg", 1700000000, 0)
	require.NoError(t, err)

	require.NoError(t, p.SetRevprop(rev, "bob", RevpropAuthor, "carol"))
	c, err := revs.GetCommit(rev)
	require.NoError(t, err)
	assert.Equal(t, "carol", c.Author)

	require.NoError(t, p.SetRevprop(rev, "bob", RevpropDate, "2024-01-02T03:04:05Z"))
	c, err = revs.GetCommit(rev)
	require.NoError(t, err)
	assert.EqualValues(t, 1704164645, c.TimestampSecs)
}

func TestSetRevpropCustomNameGoesToSidecar(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)
	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev, err := p.Commit("alice", "msg", 1700000000, 0)
	require.NoError(t, err)

	originalId, err := revs.GetCommit(rev)
	require.NoError(t, err)

	require.NoError(t, p.SetRevprop(rev, "bob", "custom:ticket", "JIRA-1"))

	props, err := revs.GetRevprops(rev)
	require.NoError(t, err)
	assert.Equal(t, "JIRA-1", props["custom:ticket"])

	unchanged, err := revs.GetCommit(rev)
	require.NoError(t, err)
	assert.Equal(t, originalId.Id(), unchanged.Id(), "custom revprops never touch the commit encoding")
}

func TestSetRevpropEmptyValueDeletesCustomProp(t *testing.T) {
	p, _, revs, index := newTestPipeline(t, 0)
	require.NoError(t, index.AddFile("a.txt", objid.Of([]byte("a")), false))
	rev, err := p.Commit("alice", "msg", 1700000000, 0)
	require.NoError(t, err)

	require.NoError(t, p.SetRevprop(rev, "bob", "custom:ticket", "JIRA-1"))
	require.NoError(t, p.SetRevprop(rev, "bob", "custom:ticket", ""))

	props, err := revs.GetRevprops(rev)
	require.NoError(t, err)
	assert.NotContains(t, props, "custom:ticket")
}

func TestEntriesSliceSetsFullPathAsName(t *testing.T) {
	entries := map[string]objects.TreeEntry{
		"dir/file.txt": {Name: "file.txt", Id: objid.Of([]byte("x")), Kind: objects.KindBlob, Mode: 0o644},
	}
	out := entriesSlice(entries)
	require.Len(t, out, 1)
	assert.Equal(t, "dir/file.txt", out[0].Name)
}
