// Package objectstore implements a content-addressed object store: a
// write-once, sharded filesystem store keyed by ObjectId, with atomic
// tmp-then-rename writes so a crash mid-write never leaves a corrupt
// object visible under its final name.
package objectstore

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"dsvn/pkg/objid"
)

// ErrObjectMissing is returned by Get when an ObjectId is not present.
var ErrObjectMissing = errors.New("objectstore: object missing")

// Store is the content-addressed object store.
type Store struct {
	baseDir string
}

// Open creates (if needed) and returns a Store rooted at baseDir/objects.
func Open(baseDir string) (*Store, error) {
	objectsDir := filepath.Join(baseDir, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "objectstore: mkdir")
	}
	return &Store{baseDir: baseDir}, nil
}

// path returns the sharded on-disk path for id: objects/<hex[:2]>/<hex[2:]>.
func (s *Store) path(id objid.ObjectId) string {
	hex := id.String()
	return filepath.Join(s.baseDir, "objects", hex[:2], hex[2:])
}

// Put stores data under its content address, computed fresh from data
// (callers never get to choose the key). If an object with that address
// already exists, the write is skipped (content-addressing dedup).
func (s *Store) Put(data []byte) (objid.ObjectId, error) {
	id := objid.Of(data)
	if s.Has(id) {
		return id, nil
	}
	if err := s.putAt(id, data); err != nil {
		return objid.ObjectId{}, err
	}
	return id, nil
}

// PutWithId stores data under an id the caller already holds (the commit
// pipeline and the replication engine use it for Trees, DeltaTrees,
// Commits and fetched objects). The caller asserts id == objid.Of(data);
// the store does not recompute or check it.
func (s *Store) PutWithId(id objid.ObjectId, data []byte) error {
	if s.Has(id) {
		return nil
	}
	return s.putAt(id, data)
}

func (s *Store) putAt(id objid.ObjectId, data []byte) error {
	objPath := s.path(id)
	dir := filepath.Dir(objPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "objectstore: mkdir shard")
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "objectstore: create temp")
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "objectstore: write temp")
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "objectstore: sync temp")
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "objectstore: close temp")
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "objectstore: rename")
	}
	return nil
}

// Get retrieves the raw bytes stored under id.
func (s *Store) Get(id objid.ObjectId) ([]byte, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrObjectMissing
		}
		return nil, errors.Wrap(err, "objectstore: open")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "objectstore: read")
	}
	return data, nil
}

// Has reports whether id is present in the store.
func (s *Store) Has(id objid.ObjectId) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// CleanupStaleTemp removes leftover .tmp-* files from interrupted writes.
// It removes every .tmp-* file whatever its age, so a Put running at the
// same time in this process loses its temp file and fails at rename;
// repository.Open calls it at startup, before any writes.
func (s *Store) CleanupStaleTemp() error {
	objectsDir := filepath.Join(s.baseDir, "objects")
	shards, err := os.ReadDir(objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "objectstore: read shards")
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(objectsDir, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if len(e.Name()) >= 5 && e.Name()[:5] == ".tmp-" {
				os.Remove(filepath.Join(shardDir, e.Name()))
			}
		}
	}
	return nil
}
