package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsvn/pkg/objects"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	return repo
}

func TestOpenCreatesGenesisAndUUID(t *testing.T) {
	repo := openTestRepo(t)
	assert.NotEmpty(t, repo.UUID)

	head, err := repo.Revs.HeadRev()
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestOpenReusesExistingUUID(t *testing.T) {
	root := t.TempDir()
	repo1, err := Open(root, Options{})
	require.NoError(t, err)
	uuid1 := repo1.UUID
	repo1.Close()

	repo2, err := Open(root, Options{})
	require.NoError(t, err)
	defer repo2.Close()
	assert.Equal(t, uuid1, repo2.UUID)
}

func TestAddFileMkdirCommitAndGetFile(t *testing.T) {
	repo := openTestRepo(t)

	require.NoError(t, repo.Mkdir("docs"))
	require.NoError(t, repo.AddFile("docs/readme.txt", []byte("hello"), false))
	rev, err := repo.Commit("alice", "add docs", 1700000000, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rev)

	data, err := repo.GetFile(rev, "docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestGetFileMissingPath(t *testing.T) {
	repo := openTestRepo(t)
	rev, err := repo.Commit("alice", "empty", 1700000000, 0)
	require.NoError(t, err)

	_, err = repo.GetFile(rev, "nope.txt")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestGetFileOnDirectory(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.Mkdir("dir"))
	rev, err := repo.Commit("alice", "mkdir", 1700000000, 0)
	require.NoError(t, err)

	_, err = repo.GetFile(rev, "dir")
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestDeleteStagesRemoval(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.AddFile("a.txt", []byte("a"), false))
	rev1, err := repo.Commit("alice", "add a", 1700000000, 0)
	require.NoError(t, err)

	require.NoError(t, repo.Delete("a.txt"))
	rev2, err := repo.Commit("alice", "remove a", 1700000001, 0)
	require.NoError(t, err)

	_, err = repo.GetFile(rev2, "a.txt")
	assert.ErrorIs(t, err, ErrPathNotFound)

	// The earlier revision still sees the file.
	data, err := repo.GetFile(rev1, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}

func TestSetRevpropLog(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.AddFile("a.txt", []byte("a"), false))
	rev, err := repo.Commit("alice", "original", 1700000000, 0)
	require.NoError(t, err)

	require.NoError(t, repo.SetRevprop(rev, "bob", "svn:log", "amended"))
	c, err := repo.Revs.GetCommit(rev)
	require.NoError(t, err)
	assert.Equal(t, "amended", c.Message)
}

func TestBackendRevisionSummaryAndData(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.AddFile("a.txt", []byte("hello world"), false))
	rev, err := repo.Commit("alice", "add a", 1700000000, 0)
	require.NoError(t, err)

	summary, err := repo.RevisionSummary(rev)
	require.NoError(t, err)
	assert.EqualValues(t, rev, summary.Rev)
	assert.Equal(t, "alice", summary.Author)
	assert.Equal(t, 1, summary.ChangeCount)

	data, err := repo.RevisionData(rev)
	require.NoError(t, err)
	assert.Equal(t, "alice", data.Author)
	require.Len(t, data.Objects, 1)
	assert.Equal(t, []byte("hello world"), data.Objects[0].Data)
	assert.NotEqual(t, [32]byte{}, data.ContentHash)
}

func TestBackendGetObject(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.AddFile("a.txt", []byte("payload"), false))
	rev, err := repo.Commit("alice", "add a", 1700000000, 0)
	require.NoError(t, err)

	state, err := repo.TreeAt(rev)
	require.NoError(t, err)
	entry, ok := state["a.txt"]
	require.True(t, ok)
	require.Equal(t, objects.KindBlob, entry.Kind)

	data, ok := repo.GetObject(entry.Id)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)

	_, ok = repo.GetObject(objects.NewBlob([]byte("never stored"), false).Id())
	assert.False(t, ok)
}

func TestReopenRestoresWorkingTreeFromHead(t *testing.T) {
	root := t.TempDir()
	repo1, err := Open(root, Options{})
	require.NoError(t, err)
	require.NoError(t, repo1.AddFile("a.txt", []byte("a"), false))
	_, err = repo1.Commit("alice", "add a", 1700000000, 0)
	require.NoError(t, err)
	repo1.Close()

	repo2, err := Open(root, Options{})
	require.NoError(t, err)
	defer repo2.Close()

	entries := repo2.Index.Entries()
	assert.Contains(t, entries, "a.txt")
}
