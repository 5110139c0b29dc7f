package revstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
)

func TestHeadRevDefaultsToZero(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rev, err := s.HeadRev()
	require.NoError(t, err)
	assert.Zero(t, rev)
}

func TestSetHeadRevRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SetHeadRev(42))
	rev, err := s.HeadRev()
	require.NoError(t, err)
	assert.EqualValues(t, 42, rev)

	require.NoError(t, s.SetHeadRev(43))
	rev, err = s.HeadRev()
	require.NoError(t, err)
	assert.EqualValues(t, 43, rev)
}

func TestShouldSnapshot(t *testing.T) {
	assert.True(t, ShouldSnapshot(0, 0))
	assert.True(t, ShouldSnapshot(1000, 0), "default interval falls back to SnapshotInterval")
	assert.False(t, ShouldSnapshot(999, 0))

	assert.True(t, ShouldSnapshot(0, 50))
	assert.True(t, ShouldSnapshot(50, 50))
	assert.False(t, ShouldSnapshot(49, 50))
	assert.True(t, ShouldSnapshot(100, 50))
}

func TestCommitRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := &objects.Commit{
		TreeId:        objid.Of([]byte("tree")),
		Author:        "alice",
		Message:       "first commit",
		TimestampSecs: 1700000000,
	}
	require.NoError(t, s.PutCommit(1, c))

	got, err := s.GetCommit(1)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, c.Id(), got.Id())
}

func TestGetCommitMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetCommit(7)
	assert.ErrorIs(t, err, ErrRevisionMissing)
}

func TestDeltaTreeRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	d := &objects.DeltaTree{
		ParentRev:         0,
		TotalEntriesAfter: 1,
		Changes: []objects.TreeChange{
			{Kind: objects.ChangeUpsert, Path: "a.txt", Entry: objects.TreeEntry{Name: "a.txt", Id: objid.Of([]byte("a")), Kind: objects.KindBlob, Mode: 0o644}},
		},
	}
	require.NoError(t, s.PutDeltaTree(1, d))

	got, err := s.GetDeltaTree(1)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestGetDeltaTreeMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.GetDeltaTree(7)
	assert.ErrorIs(t, err, ErrRevisionMissing)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.False(t, s.HasSnapshot(5))
	_, ok, err := s.GetSnapshot(5)
	require.NoError(t, err)
	assert.False(t, ok)

	tree := objects.NewTree([]objects.TreeEntry{
		{Name: "a.txt", Id: objid.Of([]byte("a")), Kind: objects.KindBlob, Mode: 0o644},
	})
	require.NoError(t, s.PutSnapshot(5, tree))

	assert.True(t, s.HasSnapshot(5))
	got, ok, err := s.GetSnapshot(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tree.Entries, got.Entries)
}

func TestRevpropsDefaultsToEmptyMap(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	props, err := s.GetRevprops(3)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestRevpropsRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	props := map[string]string{"svn:log": "message", "custom:key": "value"}
	require.NoError(t, s.PutRevprops(3, props))

	got, err := s.GetRevprops(3)
	require.NoError(t, err)
	assert.Equal(t, props, got)
}

func TestResolveTreeId(t *testing.T) {
	tree := objects.NewTree(nil)
	isTree, isDelta := ResolveTreeId(tree.Encode())
	assert.True(t, isTree)
	assert.False(t, isDelta)

	delta := &objects.DeltaTree{}
	isTree, isDelta = ResolveTreeId(delta.Encode())
	assert.False(t, isTree)
	assert.True(t, isDelta)

	isTree, isDelta = ResolveTreeId(nil)
	assert.False(t, isTree)
	assert.False(t, isDelta)

	isTree, isDelta = ResolveTreeId([]byte{0xFF})
	assert.False(t, isTree)
	assert.False(t, isDelta)
}

func TestObjectIdOfRaw(t *testing.T) {
	raw := []byte("some canonical encoding")
	assert.Equal(t, objid.Of(raw), ObjectIdOfRaw(raw))
}
