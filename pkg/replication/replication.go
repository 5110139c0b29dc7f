package replication

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dsvn/pkg/commitpipeline"
	"dsvn/pkg/objects"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/objid"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

// ProtocolVersion is the replication protocol version this engine speaks.
const ProtocolVersion = 1

// BatchSize bounds how many revisions a single Delta fetch covers.
const BatchSize = 100

// ErrUpToDate is returned by Pull when the destination already has every
// revision the source currently holds.
var ErrUpToDate = errors.New("replication: up to date")

// ErrContentHashMismatch is returned when a RevisionData's declared
// content_hash does not match the recomputed digest over its objects.
var ErrContentHashMismatch = errors.New("replication: content hash mismatch")

// ErrNotASyncDestination is returned by Pull when no SyncState exists.
var ErrNotASyncDestination = errors.New("replication: repository is not a sync destination")

// ErrDestinationNotEmpty is returned by Init when the destination is not
// bound to a source and already has committed history.
var ErrDestinationNotEmpty = errors.New("replication: destination is not empty")

// RepositoryInfo mirrors the /sync/info response.
type RepositoryInfo struct {
	UUID            string
	HeadRev         uint64
	ProtocolVersion uint32
	Capabilities    []string
}

// RevisionSummary mirrors one /sync/revs element.
type RevisionSummary struct {
	Rev         uint64
	Author      string
	Message     string
	Timestamp   int64
	ChangeCount int
}

// ObjectEntry is one (id, bytes) pair inside a RevisionData.
type ObjectEntry struct {
	Id   objid.ObjectId
	Data []byte
}

// RevisionData is the full per-revision transfer unit exchanged over
// /sync/delta: commit metadata, delta tree, referenced blob objects,
// custom revprops, and a content hash covering the objects.
type RevisionData struct {
	Revision    uint64
	Author      string
	Message     string
	Timestamp   int64
	DeltaTree   *objects.DeltaTree
	Objects     []ObjectEntry
	Properties  map[string]string
	ContentHash [32]byte
}

// ComputeContentHash is SHA-256 of concat(id.bytes || len_u64_le(data) ||
// data) for every (id, data) pair, in the order given.
func ComputeContentHash(objs []ObjectEntry) [32]byte {
	h := sha256.New()
	var lenBuf [8]byte
	for _, o := range objs {
		h.Write(o.Id[:])
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(o.Data)))
		h.Write(lenBuf[:])
		h.Write(o.Data)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SourceClient is the peer-facing half of the replication protocol: the
// calls a pull makes against the remote /sync/* endpoints. The HTTP
// implementation lives in pkg/syncserver's client half; Engine is
// transport-agnostic so it can be driven by an in-process fake in tests.
type SourceClient interface {
	Info() (RepositoryInfo, error)
	Revs(from, to uint64) ([]RevisionSummary, error)
	Delta(from, to uint64) ([]RevisionData, error)
	FetchObjects(ids []objid.ObjectId) (map[objid.ObjectId][]byte, error)
}

// Engine drives init/pull against a destination repository's storage.
type Engine struct {
	repoRoot  string
	objs      *objectstore.Store
	revs      *revstore.Store
	index     *worktree.Index
	pipeline  *commitpipeline.Pipeline
	pool      *pond.WorkerPool
	batchSize uint64
	log       *logrus.Entry
}

// New builds a replication Engine for a destination repository. A
// batchSize of 0 uses BatchSize; pkg/config's repl_batch_size overrides it
// when set.
func New(repoRoot string, objs *objectstore.Store, revs *revstore.Store, index *worktree.Index, pipeline *commitpipeline.Pipeline, batchSize uint64, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if batchSize == 0 {
		batchSize = BatchSize
	}
	return &Engine{
		repoRoot:  repoRoot,
		objs:      objs,
		revs:      revs,
		index:     index,
		pipeline:  pipeline,
		pool:      pond.New(8, 0),
		batchSize: batchSize,
		log:       log,
	}
}

// Close releases the engine's worker pool.
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// Init binds this (destination) repository to a source: fetches source
// info, verifies the destination is either empty or already bound to the
// same source_uuid, persists SyncState, and records the svn:sync-* revprops
// on revision 0 so an `svn log -r0 --with-all-revprops` style inspection of
// the destination reflects the binding the way a synced SVN mirror would.
func (e *Engine) Init(client SourceClient, sourceURL string) (*SyncState, error) {
	info, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "replication: fetch source info")
	}

	existing, err := LoadSyncState(e.repoRoot)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := existing.VerifySource(info.UUID); err != nil {
			return nil, err
		}
		existing.SourceHeadRev = info.HeadRev
		if err := existing.Save(e.repoRoot); err != nil {
			return nil, err
		}
		if err := e.setSyncRevprops(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	headRev, err := e.revs.HeadRev()
	if err != nil {
		return nil, err
	}
	if headRev != 0 {
		return nil, ErrDestinationNotEmpty
	}

	state := NewSyncState(info.UUID, sourceURL)
	state.SourceHeadRev = info.HeadRev
	if err := state.Save(e.repoRoot); err != nil {
		return nil, err
	}
	if err := e.setSyncRevprops(state); err != nil {
		return nil, err
	}
	return state, nil
}

// setSyncRevprops writes the svn:sync-* well-known revprops onto revision
// 0, reflecting the current SyncState. SyncLock and SyncCurrentlyCopying
// are left untouched once set elsewhere (Pull does not take either lock
// today, so they stay empty), and are only seeded to empty the first time.
func (e *Engine) setSyncRevprops(state *SyncState) error {
	props, err := e.revs.GetRevprops(0)
	if err != nil {
		return err
	}
	props[SyncFromURL] = state.SourceURL
	props[SyncFromUUID] = state.SourceUUID
	props[SyncLastMergedRev] = strconv.FormatUint(state.LastSyncedRev, 10)
	if _, ok := props[SyncLock]; !ok {
		props[SyncLock] = ""
	}
	if _, ok := props[SyncCurrentlyCopying]; !ok {
		props[SyncCurrentlyCopying] = ""
	}
	return e.revs.PutRevprops(0, props)
}

// Pull fetches and applies every revision the destination is missing, in
// batches of at most the engine's batch size (BatchSize unless
// configured otherwise), resuming from the last persisted
// checkpoint. Returns ErrUpToDate (not an operational failure) when
// nothing new is available.
func (e *Engine) Pull(client SourceClient) (*ReplicationLogEntry, error) {
	start := time.Now()

	state, err := LoadSyncState(e.repoRoot)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrNotASyncDestination
	}

	info, err := client.Info()
	if err != nil {
		return nil, errors.Wrap(err, "replication: fetch source info")
	}
	if err := state.VerifySource(info.UUID); err != nil {
		return nil, err
	}
	state.SourceHeadRev = info.HeadRev

	from := state.EffectiveStartRev() + 1
	to := info.HeadRev
	if from > to {
		return nil, ErrUpToDate
	}

	state.SyncInProgress = true
	if err := state.Save(e.repoRoot); err != nil {
		return nil, err
	}

	var objectsTransferred, bytesTransferred uint64

	for batchStart := from; batchStart <= to; batchStart += e.batchSize {
		batchEnd := batchStart + e.batchSize - 1
		if batchEnd > to {
			batchEnd = to
		}

		records, err := client.Delta(batchStart, batchEnd)
		if err != nil {
			state.SyncInProgress = false
			_ = state.Save(e.repoRoot)
			return nil, errors.Wrapf(err, "replication: fetch delta %d..%d", batchStart, batchEnd)
		}

		for _, rd := range records {
			if ComputeContentHash(rd.Objects) != rd.ContentHash {
				state.SyncInProgress = false
				_ = state.Save(e.repoRoot)
				return nil, errors.Wrapf(ErrContentHashMismatch, "revision %d", rd.Revision)
			}

			written, transferred, err := e.storeObjects(rd.Objects)
			if err != nil {
				state.SyncInProgress = false
				_ = state.Save(e.repoRoot)
				return nil, err
			}
			objectsTransferred += written
			bytesTransferred += transferred

			if rd.DeltaTree != nil {
				for _, change := range rd.DeltaTree.Changes {
					e.applyChange(change)
				}
			}

			rev, err := e.pipeline.Commit(rd.Author, rd.Message, rd.Timestamp, 0)
			if err != nil {
				state.SyncInProgress = false
				_ = state.Save(e.repoRoot)
				return nil, errors.Wrapf(err, "replication: committing pulled revision %d", rd.Revision)
			}
			if len(rd.Properties) > 0 {
				if err := e.revs.PutRevprops(rev, rd.Properties); err != nil {
					return nil, err
				}
			}
		}

		checkpoint := batchEnd
		state.CheckpointRev = &checkpoint
		if err := state.Save(e.repoRoot); err != nil {
			return nil, err
		}
	}

	state.LastSyncedRev = to
	state.TotalSyncedRevisions += to - from + 1
	state.LastSyncTimestamp = time.Now().Unix()
	state.SyncInProgress = false
	state.CheckpointRev = nil
	if err := state.Save(e.repoRoot); err != nil {
		return nil, err
	}
	if err := e.setSyncRevprops(state); err != nil {
		return nil, err
	}

	entry := ReplicationLogEntry{
		FromRev:            from,
		ToRev:              to,
		Timestamp:          time.Now().Unix(),
		ObjectsTransferred: objectsTransferred,
		BytesTransferred:   bytesTransferred,
		DurationMs:         uint64(time.Since(start).Milliseconds()),
		Success:            true,
	}
	if err := NewReplicationLog(e.repoRoot).Append(entry); err != nil {
		e.log.WithError(err).Warn("replication: failed to append log entry")
	}
	e.log.WithFields(logrus.Fields{"from": from, "to": to, "objects": objectsTransferred}).Info("pull complete")
	return &entry, nil
}

// storeObjects writes any objects the destination does not already have,
// fanning out across the engine's worker pool.
func (e *Engine) storeObjects(objs []ObjectEntry) (written uint64, bytes uint64, err error) {
	var mu sync.Mutex
	var firstErr error
	group := e.pool.Group()
	for _, o := range objs {
		o := o
		group.Submit(func() {
			if e.objs.Has(o.Id) {
				return
			}
			if putErr := e.objs.PutWithId(o.Id, o.Data); putErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = putErr
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			written++
			bytes += uint64(len(o.Data))
			mu.Unlock()
		})
	}
	group.Wait()
	if firstErr != nil {
		return 0, 0, errors.Wrap(firstErr, "replication: storing transferred object")
	}
	return written, bytes, nil
}

func (e *Engine) applyChange(c objects.TreeChange) {
	switch c.Kind {
	case objects.ChangeUpsert:
		if c.Entry.Kind == objects.KindTree {
			e.index.Mkdir("/" + c.Path)
		} else {
			e.index.AddFile("/"+c.Path, c.Entry.Id, c.Entry.Mode&0o111 != 0)
		}
	case objects.ChangeDelete:
		e.index.Delete("/" + c.Path)
	}
}

// FetchObjects is the repair path: fetch specific object bytes from the
// source, skipping anything already present locally. Used by
// `dsvnadmin verify --fetch-missing` to repair objects a corrupted or
// incomplete local store is missing.
func (e *Engine) FetchObjects(client SourceClient, ids []objid.ObjectId) error {
	var missing []objid.ObjectId
	for _, id := range ids {
		if !e.objs.Has(id) {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	fetched, err := client.FetchObjects(missing)
	if err != nil {
		return errors.Wrap(err, "replication: fetch_objects")
	}
	for _, id := range missing {
		data, ok := fetched[id]
		if !ok {
			continue
		}
		if err := e.objs.PutWithId(id, data); err != nil {
			return err
		}
	}
	return nil
}
