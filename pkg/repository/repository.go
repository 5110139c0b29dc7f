// Package repository wires together the object store, revision store,
// tree reconstructor, working-tree index, hooks, commit pipeline, and
// replication engine into one user-facing, per-repository handle. There
// is no process-wide singleton: each Repository owns its own commit lock
// (via its Pipeline) and its own LRU cache, so hosting many repositories
// in one server process never serializes unrelated commits.
package repository

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dsvn/pkg/commitpipeline"
	"dsvn/pkg/config"
	"dsvn/pkg/dump"
	"dsvn/pkg/hooks"
	"dsvn/pkg/objects"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/objid"
	"dsvn/pkg/reconstruct"
	"dsvn/pkg/replication"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

// ErrPathNotFound is returned by GetFile when the path does not exist in
// the requested revision's tree.
var ErrPathNotFound = errors.New("repository: path not found")

// ErrNotAFile is returned by GetFile when the path names a directory.
var ErrNotAFile = errors.New("repository: path is a directory")

// Repository is a single opened repository: its on-disk root plus every
// layer needed to stage, commit, reconstruct, replicate, and dump/load it.
type Repository struct {
	Root   string
	UUID   string
	Config *config.Config

	Objs  *objectstore.Store
	Revs  *revstore.Store
	Index *worktree.Index
	Hooks *hooks.Manager

	Pipeline *commitpipeline.Pipeline
	Recon    *reconstruct.Reconstructor
	Repl     *replication.Engine

	log *logrus.Entry
}

// Options configures Open.
type Options struct {
	CacheSize int // reconstructor LRU capacity; 0 uses config.yaml's cache_size
	Log       *logrus.Entry
}

func uuidFilePath(root string) string { return filepath.Join(root, "uuid") }

// Open opens (creating if necessary) the repository rooted at root: lays
// out the on-disk directories, assigns a UUID on first open, creates the
// always-empty rev 0 commit, and reconstructs the working-tree index from
// the current head so staging can resume where it left off.
func Open(root string, opts Options) (*Repository, error) {
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "repository: mkdir root")
	}

	objs, err := objectstore.Open(root)
	if err != nil {
		return nil, err
	}
	if err := objs.CleanupStaleTemp(); err != nil {
		return nil, err
	}

	revs, err := revstore.Open(root)
	if err != nil {
		return nil, err
	}

	repoUUID, err := loadOrCreateUUID(root)
	if err != nil {
		return nil, err
	}

	if err := commitpipeline.CreateGenesis(objs, revs); err != nil {
		return nil, errors.Wrap(err, "repository: create genesis")
	}

	cfg, err := config.LoadFile(filepath.Join(root, "config.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "repository: load config.yaml")
	}
	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = cfg.CacheSize
	}

	recon := reconstruct.New(revs, cacheSize)

	headRev, err := revs.HeadRev()
	if err != nil {
		return nil, err
	}
	state, err := recon.TreeAt(headRev)
	if err != nil {
		return nil, errors.Wrap(err, "repository: reconstruct head tree")
	}
	index := worktree.New(map[string]objects.TreeEntry(state))

	hookMgr := hooks.New(root, opts.Log)
	if err := hookMgr.EnsureHooksDir(); err != nil {
		return nil, err
	}

	pipeline := commitpipeline.New(objs, revs, index, hookMgr, cfg.SnapshotInterval, opts.Log)
	replEngine := replication.New(root, objs, revs, index, pipeline, uint64(cfg.ReplBatchSize), opts.Log)

	return &Repository{
		Root:     root,
		UUID:     repoUUID,
		Config:   cfg,
		Objs:     objs,
		Revs:     revs,
		Index:    index,
		Hooks:    hookMgr,
		Pipeline: pipeline,
		Recon:    recon,
		Repl:     replEngine,
		log:      opts.Log,
	}, nil
}

func loadOrCreateUUID(root string) (string, error) {
	data, err := os.ReadFile(uuidFilePath(root))
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "repository: read uuid")
	}
	id := uuid.NewString()
	if err := os.WriteFile(uuidFilePath(root), []byte(id), 0o644); err != nil {
		return "", errors.Wrap(err, "repository: write uuid")
	}
	return id, nil
}

// Close releases the repository's background resources (the replication
// engine's worker pool).
func (r *Repository) Close() {
	r.Repl.Close()
}

// Commit drains pending staging operations into a new revision. See
// commitpipeline.Pipeline.Commit for the full ten-step sequence.
func (r *Repository) Commit(author, message string, timestampSecs int64, tzOffsetMinutes int32) (uint64, error) {
	return r.Pipeline.Commit(author, message, timestampSecs, tzOffsetMinutes)
}

// AddFile stages a file write. The caller supplies the blob bytes, which
// this stores in the object store before recording the staging change.
func (r *Repository) AddFile(path string, data []byte, executable bool) error {
	id, err := r.Objs.Put(data)
	if err != nil {
		return err
	}
	return r.Index.AddFile(path, id, executable)
}

// Mkdir stages a directory creation.
func (r *Repository) Mkdir(path string) error {
	return r.Index.Mkdir(path)
}

// Delete stages removal of path (and, for a directory, every descendant).
func (r *Repository) Delete(path string) error {
	return r.Index.Delete(path)
}

// TreeAt reconstructs the full path→TreeEntry mapping at rev.
func (r *Repository) TreeAt(rev uint64) (reconstruct.TreeState, error) {
	return r.Recon.TreeAt(rev)
}

// GetFile reconstructs rev's tree and returns the blob bytes at path.
func (r *Repository) GetFile(rev uint64, path string) ([]byte, error) {
	state, err := r.Recon.TreeAt(rev)
	if err != nil {
		return nil, err
	}
	entry, ok := state[normalizeReadPath(path)]
	if !ok {
		return nil, ErrPathNotFound
	}
	if entry.Kind != objects.KindBlob {
		return nil, ErrNotAFile
	}
	return r.Objs.Get(entry.Id)
}

func normalizeReadPath(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

// SetRevprop mutates a revision property.
func (r *Repository) SetRevprop(rev uint64, author, name, value string) error {
	return r.Pipeline.SetRevprop(rev, author, name, value)
}

// EmitDump writes revisions [fromRev, toRev] in Subversion dump format.
func (r *Repository) EmitDump(w io.Writer, fromRev, toRev uint64, version int, incremental bool) error {
	return dump.Emit(w, r.Revs, r.Objs, r.Recon, r.UUID, fromRev, toRev, version, incremental)
}

// LoadDump replays a Subversion dump stream into this repository.
func (r *Repository) LoadDump(rd io.Reader) (loadedUUID string, err error) {
	return dump.Load(rd, r.Index, r.Objs, r.Pipeline)
}

// InitSync binds this repository as a pull destination of the source
// reachable through client.
func (r *Repository) InitSync(client replication.SourceClient, sourceURL string) (*replication.SyncState, error) {
	return r.Repl.Init(client, sourceURL)
}

// Pull fetches and applies every revision missing from this destination.
func (r *Repository) Pull(client replication.SourceClient) (*replication.ReplicationLogEntry, error) {
	return r.Repl.Pull(client)
}

// RepoUUID implements syncserver.Backend.
func (r *Repository) RepoUUID() string { return r.UUID }

// RepoRoot implements syncserver.Backend.
func (r *Repository) RepoRoot() string { return r.Root }

// HeadRev implements syncserver.Backend.
func (r *Repository) HeadRev() (uint64, error) { return r.Revs.HeadRev() }

// RevisionSummary implements syncserver.Backend, answering /sync/revs.
func (r *Repository) RevisionSummary(rev uint64) (replication.RevisionSummary, error) {
	c, err := r.Revs.GetCommit(rev)
	if err != nil {
		return replication.RevisionSummary{}, err
	}
	d, err := r.Revs.GetDeltaTree(rev)
	if err != nil {
		return replication.RevisionSummary{}, err
	}
	return replication.RevisionSummary{
		Rev:         rev,
		Author:      c.Author,
		Message:     c.Message,
		Timestamp:   c.TimestampSecs,
		ChangeCount: len(d.Changes),
	}, nil
}

// RevisionData implements syncserver.Backend, answering /sync/delta: the
// full commit metadata, delta tree, every blob the delta's upserts
// reference, and the custom revprops, with a content hash covering the
// objects so the puller can verify transport integrity.
func (r *Repository) RevisionData(rev uint64) (replication.RevisionData, error) {
	c, err := r.Revs.GetCommit(rev)
	if err != nil {
		return replication.RevisionData{}, err
	}
	d, err := r.Revs.GetDeltaTree(rev)
	if err != nil {
		return replication.RevisionData{}, err
	}
	props, err := r.Revs.GetRevprops(rev)
	if err != nil {
		return replication.RevisionData{}, err
	}

	var objs []replication.ObjectEntry
	for _, change := range d.Changes {
		if change.Kind != objects.ChangeUpsert || change.Entry.Kind != objects.KindBlob {
			continue
		}
		data, err := r.Objs.Get(change.Entry.Id)
		if err != nil {
			return replication.RevisionData{}, errors.Wrapf(err, "repository: load blob for rev %d", rev)
		}
		objs = append(objs, replication.ObjectEntry{Id: change.Entry.Id, Data: data})
	}

	return replication.RevisionData{
		Revision:    rev,
		Author:      c.Author,
		Message:     c.Message,
		Timestamp:   c.TimestampSecs,
		DeltaTree:   d,
		Objects:     objs,
		Properties:  props,
		ContentHash: replication.ComputeContentHash(objs),
	}, nil
}

// GetObject implements syncserver.Backend, answering /sync/objects.
func (r *Repository) GetObject(id objid.ObjectId) ([]byte, bool) {
	if !r.Objs.Has(id) {
		return nil, false
	}
	data, err := r.Objs.Get(id)
	if err != nil {
		return nil, false
	}
	return data, true
}

// ObjectId is re-exported for callers that only import pkg/repository.
type ObjectId = objid.ObjectId
