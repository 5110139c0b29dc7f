package objectstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsvn/pkg/objid"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("hello, dsvn")
	id, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, objid.Of(data), id)

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.True(t, s.Has(id))
}

func TestPutDedups(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data := []byte("identical bytes")
	id1, err := s.Put(data)
	require.NoError(t, err)
	id2, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(objid.Of([]byte("never stored")))
	assert.ErrorIs(t, err, ErrObjectMissing)
	assert.False(t, s.Has(objid.Of([]byte("never stored"))))
}

func TestPutWithIdIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id := objid.Of([]byte("blob payload"))
	require.NoError(t, s.PutWithId(id, []byte("blob payload")))
	require.NoError(t, s.PutWithId(id, []byte("blob payload")))

	got, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob payload"), got)
}

func TestCleanupStaleTemp(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	shardDir := filepath.Join(dir, "objects", "ab")
	require.NoError(t, os.MkdirAll(shardDir, 0o755))
	stale := filepath.Join(shardDir, ".tmp-leftover")
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0o644))

	require.NoError(t, s.CleanupStaleTemp())
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}
