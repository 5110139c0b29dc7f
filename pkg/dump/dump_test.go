package dump

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"dsvn/pkg/commitpipeline"
	"dsvn/pkg/hooks"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/reconstruct"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

type testRepo struct {
	objs  *objectstore.Store
	revs  *revstore.Store
	index *worktree.Index
	pipe  *commitpipeline.Pipeline
	recon *reconstruct.Reconstructor
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	objs, err := objectstore.Open(dir)
	require.NoError(t, err)
	revs, err := revstore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, commitpipeline.CreateGenesis(objs, revs))
	idx := worktree.New(nil)
	hookMgr := hooks.New(dir, nil)
	pipe := commitpipeline.New(objs, revs, idx, hookMgr, 0, nil)
	recon := reconstruct.New(revs, 0)
	return &testRepo{objs: objs, revs: revs, index: idx, pipe: pipe, recon: recon}
}

func TestEmitLoadRoundTrip(t *testing.T) {
	src := newTestRepo(t)

	idA, err := src.objs.Put([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, src.index.AddFile("/trunk/a.txt", idA, false))
	require.NoError(t, src.index.Mkdir("/trunk/bin"))
	idB, err := src.objs.Put([]byte("#!/bin/sh\necho hi\n"))
	require.NoError(t, err)
	require.NoError(t, src.index.AddFile("/trunk/bin/run.sh", idB, true))
	rev1, err := src.pipe.Commit("alice", "initial import", 1700000000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rev1)

	idC, err := src.objs.Put([]byte("v2 contents"))
	require.NoError(t, err)
	require.NoError(t, src.index.AddFile("/trunk/a.txt", idC, false))
	rev2, err := src.pipe.Commit("bob", "update a.txt", 1700000100, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rev2)

	var buf bytes.Buffer
	require.NoError(t, Emit(&buf, src.revs, src.objs, src.recon, "repo-uuid-1234", 0, rev2, DefaultVersion, false))

	dst := newTestRepo(t)
	uuid, err := Load(&buf, dst.index, dst.objs, dst.pipe)
	require.NoError(t, err)
	require.Equal(t, "repo-uuid-1234", uuid)

	dstHead, err := dst.revs.HeadRev()
	require.NoError(t, err)
	assert := require.New(t)
	assert.Equal(rev2, dstHead)

	srcState, err := src.recon.TreeAt(rev2)
	require.NoError(t, err)
	dstState, err := dst.recon.TreeAt(dstHead)
	require.NoError(t, err)

	require.Len(t, dstState, len(srcState))
	for path, entry := range srcState {
		got, ok := dstState[path]
		require.True(t, ok, "missing path %s in loaded repo", path)
		require.Equal(t, entry.Kind, got.Kind)
		require.Equal(t, entry.Mode, got.Mode)
	}

	srcCommit, err := src.revs.GetCommit(rev1)
	require.NoError(t, err)
	dstCommit, err := dst.revs.GetCommit(rev1)
	require.NoError(t, err)
	require.Equal(t, srcCommit.Author, dstCommit.Author)
	require.Equal(t, srcCommit.Message, dstCommit.Message)
}

func TestEmitLoadDeleteRoundTrip(t *testing.T) {
	src := newTestRepo(t)

	idA, err := src.objs.Put([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, src.index.Mkdir("/d"))
	require.NoError(t, src.index.AddFile("/d/x", idA, false))
	require.NoError(t, src.index.AddFile("/d/y", idA, false))
	_, err = src.pipe.Commit("alice", "add dir", 1700000000, 0)
	require.NoError(t, err)

	require.NoError(t, src.index.Delete("/d"))
	head, err := src.pipe.Commit("alice", "delete dir", 1700000200, 0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Emit(&buf, src.revs, src.objs, src.recon, "uuid", 0, head, DefaultVersion, false))

	dst := newTestRepo(t)
	_, err = Load(&buf, dst.index, dst.objs, dst.pipe)
	require.NoError(t, err)

	state, err := dst.recon.TreeAt(head)
	require.NoError(t, err)
	require.Empty(t, state)
}
