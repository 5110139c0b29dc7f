// Package worktree implements the working-tree index: a transactional
// path→TreeEntry index for the staged (uncommitted) tree, with a
// pending_changes overlay recording what has changed since the previous
// commit, and add_file/mkdir/delete staging operations.
package worktree

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
)

// ErrEmptyPath is returned by staging operations given an empty path.
var ErrEmptyPath = errors.New("worktree: empty path")

// Index is the transactional staged-tree index. A single Index is owned
// by one repository and mutated by one stager/committer pair at a time;
// the mutex guards entries, pendingChanges, and inBatch against that
// concurrent access.
type Index struct {
	mu sync.Mutex

	entries        map[string]objects.TreeEntry
	pendingChanges map[string]objects.TreeChange

	inBatch bool
}

// New builds an empty Index, or one seeded from an already-reconstructed
// tree (entries) when reopening a repository at its current head.
func New(entries map[string]objects.TreeEntry) *Index {
	cp := make(map[string]objects.TreeEntry, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &Index{
		entries:        cp,
		pendingChanges: make(map[string]objects.TreeChange),
	}
}

func normalizePath(path string) (string, error) {
	p := strings.TrimPrefix(path, "/")
	if p == "" {
		return "", ErrEmptyPath
	}
	return p, nil
}

// AddFile stages an upsert of a file entry. contentId is the ObjectId of
// a Blob already written (or about to be written) to the object store;
// the caller computes it from the blob bytes via objid.Of.
func (idx *Index) AddFile(path string, contentId objid.ObjectId, executable bool) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	mode := uint32(0o644)
	if executable {
		mode = 0o755
	}
	entry := objects.TreeEntry{Name: p, Id: contentId, Kind: objects.KindBlob, Mode: mode}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[p] = entry
	idx.pendingChanges[p] = objects.TreeChange{Kind: objects.ChangeUpsert, Path: p, Entry: entry}
	return nil
}

// Mkdir stages an upsert of a directory entry. Directory TreeEntry ids are
// always zero (snapshot Trees record them as staged); they carry no blob
// content of their own.
func (idx *Index) Mkdir(path string) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}
	entry := objects.TreeEntry{Name: p, Id: objid.Zero, Kind: objects.KindTree, Mode: 0o755}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[p] = entry
	idx.pendingChanges[p] = objects.TreeChange{Kind: objects.ChangeUpsert, Path: p, Entry: entry}
	return nil
}

// Delete stages removal of path and, if it names a directory, every
// descendant entry. The pending_changes overlay records a single Delete
// at path regardless of how many descendants are removed.
func (idx *Index) Delete(path string) error {
	p, err := normalizePath(path)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.entries, p)
	prefix := p + "/"
	for k := range idx.entries {
		if strings.HasPrefix(k, prefix) {
			delete(idx.entries, k)
		}
	}
	for k := range idx.pendingChanges {
		if strings.HasPrefix(k, prefix) {
			delete(idx.pendingChanges, k)
		}
	}
	idx.pendingChanges[p] = objects.TreeChange{Kind: objects.ChangeDelete, Path: p}
	return nil
}

// Entries returns a snapshot copy of the full staged path→entry mapping.
func (idx *Index) Entries() map[string]objects.TreeEntry {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cp := make(map[string]objects.TreeEntry, len(idx.entries))
	for k, v := range idx.entries {
		cp[k] = v
	}
	return cp
}

// PendingChangesSnapshot returns the accumulated TreeChanges since the
// last commit without clearing the overlay, sorted by path for a
// deterministic DeltaTree encoding. The commit pipeline must not discard
// pending_changes until the pre-commit hook has accepted the commit: if
// the hook rejects, the staged tree is preserved for a retry.
func (idx *Index) PendingChangesSnapshot() []objects.TreeChange {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	changes := make([]objects.TreeChange, 0, len(idx.pendingChanges))
	for _, c := range idx.pendingChanges {
		changes = append(changes, c)
	}

	for i := 1; i < len(changes); i++ {
		for j := i; j > 0 && changes[j-1].Path > changes[j].Path; j-- {
			changes[j-1], changes[j] = changes[j], changes[j-1]
		}
	}
	return changes
}

// ClearPendingChanges empties the overlay once a commit has durably
// persisted its DeltaTree.
func (idx *Index) ClearPendingChanges() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.pendingChanges = make(map[string]objects.TreeChange)
}

// BeginBatch marks the index as inside a bulk-ingest batch (dump.Load sets
// it). Staging ops behave identically and only InBatch reads the marker:
// commits made inside a batch still write and sync their files one
// revision at a time, not as one disk transaction.
func (idx *Index) BeginBatch() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.inBatch = true
}

// EndBatch clears the batch marker.
func (idx *Index) EndBatch() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.inBatch = false
}

// InBatch reports whether a batch transaction is currently open.
func (idx *Index) InBatch() bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.inBatch
}

