// Package revstore persists the per-revision state of a repository: the
// dense Commit/DeltaTree stores, the sparse Snapshot and Revprop stores,
// and the single `head` pointer.
package revstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
)

// ErrRevisionMissing is returned when a rev has no Commit/DeltaTree on disk.
var ErrRevisionMissing = errors.New("revstore: revision missing")

// SnapshotInterval is N in "snapshot exists at rev 0 and every rev mod N == 0".
const SnapshotInterval = 1000

// Store is the on-disk revision store rooted at a repository directory.
type Store struct {
	root string
}

// Open ensures the revstore's subdirectories exist under root and returns
// a handle to them. It does not itself create the uuid file or rev 0;
// that is the repository layer's job (repository.Open).
func Open(root string) (*Store, error) {
	for _, sub := range []string{"commits", "trees", "tree_deltas", "revprops", "refs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "revstore: mkdir %s", sub)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) headPath() string       { return filepath.Join(s.root, "refs", "head") }
func (s *Store) commitPath(r uint64) string {
	return filepath.Join(s.root, "commits", strconv.FormatUint(r, 10)+".bin")
}
func (s *Store) treePath(r uint64) string {
	return filepath.Join(s.root, "trees", strconv.FormatUint(r, 10)+".bin")
}
func (s *Store) deltaPath(r uint64) string {
	return filepath.Join(s.root, "tree_deltas", strconv.FormatUint(r, 10)+".bin")
}
func (s *Store) revpropsPath(r uint64) string {
	return filepath.Join(s.root, "revprops", strconv.FormatUint(r, 10)+".json")
}

// atomicWrite writes data to path via a temp file in the same directory,
// synced then renamed, so readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "revstore: create temp")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "revstore: write temp")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "revstore: sync temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "revstore: close temp")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "revstore: rename")
	}
	return nil
}

// HeadRev reads the current head revision. Returns 0 if the head file does
// not yet exist (repository freshly opened before rev 0 was ever written).
func (s *Store) HeadRev() (uint64, error) {
	data, err := os.ReadFile(s.headPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "revstore: read head")
	}
	text := strings.TrimSpace(string(data))
	rev, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "revstore: parse head")
	}
	return rev, nil
}

// SetHeadRev persists nr as the new head revision via tmp-then-rename.
func (s *Store) SetHeadRev(nr uint64) error {
	return atomicWrite(s.headPath(), []byte(strconv.FormatUint(nr, 10)))
}

// ShouldSnapshot reports whether rev nr must carry a full Tree snapshot
// under the given interval (pkg/config's snapshot_interval, defaulting to
// SnapshotInterval when the caller has none configured).
func ShouldSnapshot(nr, interval uint64) bool {
	if interval == 0 {
		interval = SnapshotInterval
	}
	return nr%interval == 0
}

// PutCommit persists the Commit for rev.
func (s *Store) PutCommit(rev uint64, c *objects.Commit) error {
	return atomicWrite(s.commitPath(rev), c.Encode())
}

// GetCommit loads the Commit for rev.
func (s *Store) GetCommit(rev uint64) (*objects.Commit, error) {
	data, err := os.ReadFile(s.commitPath(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRevisionMissing
		}
		return nil, errors.Wrap(err, "revstore: read commit")
	}
	c, err := objects.DecodeCommit(data)
	if err != nil {
		return nil, errors.Wrapf(err, "revstore: decode commit %d", rev)
	}
	return c, nil
}

// PutDeltaTree persists the DeltaTree for rev.
func (s *Store) PutDeltaTree(rev uint64, d *objects.DeltaTree) error {
	return atomicWrite(s.deltaPath(rev), d.Encode())
}

// GetDeltaTree loads the DeltaTree for rev.
func (s *Store) GetDeltaTree(rev uint64) (*objects.DeltaTree, error) {
	data, err := os.ReadFile(s.deltaPath(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRevisionMissing
		}
		return nil, errors.Wrap(err, "revstore: read delta")
	}
	d, err := objects.DecodeDeltaTree(data)
	if err != nil {
		return nil, errors.Wrapf(err, "revstore: decode delta %d", rev)
	}
	return d, nil
}

// PutSnapshot persists a full Tree snapshot for rev.
func (s *Store) PutSnapshot(rev uint64, t *objects.Tree) error {
	return atomicWrite(s.treePath(rev), t.Encode())
}

// GetSnapshot loads the Tree snapshot for rev, if one was taken there.
func (s *Store) GetSnapshot(rev uint64) (*objects.Tree, bool, error) {
	data, err := os.ReadFile(s.treePath(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "revstore: read snapshot")
	}
	t, err := objects.DecodeTree(data)
	if err != nil {
		return nil, false, errors.Wrapf(err, "revstore: decode snapshot %d", rev)
	}
	return t, true, nil
}

// HasSnapshot reports whether a full Tree snapshot exists for rev.
func (s *Store) HasSnapshot(rev uint64) bool {
	_, err := os.Stat(s.treePath(rev))
	return err == nil
}

// PutRevprops persists the custom side-car revprops for rev as JSON.
func (s *Store) PutRevprops(rev uint64, props map[string]string) error {
	data, err := json.Marshal(props)
	if err != nil {
		return errors.Wrap(err, "revstore: marshal revprops")
	}
	return atomicWrite(s.revpropsPath(rev), data)
}

// GetRevprops loads the side-car revprops for rev, or an empty map if none
// were ever set.
func (s *Store) GetRevprops(rev uint64) (map[string]string, error) {
	data, err := os.ReadFile(s.revpropsPath(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, errors.Wrap(err, "revstore: read revprops")
	}
	var props map[string]string
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, errors.Wrap(err, "revstore: unmarshal revprops")
	}
	return props, nil
}

// ResolveTreeId takes the raw bytes of the object a commit's tree_id
// references and reports whether it is a full Tree encoding or a DeltaTree encoding, by
// inspecting the canonical encoding's leading tag byte. A commit's tree_id
// can point at either kind, so callers must branch on it rather than
// assume uniformity.
func ResolveTreeId(raw []byte) (isTree bool, isDelta bool) {
	if len(raw) == 0 {
		return false, false
	}
	switch raw[0] {
	case objects.TagTree():
		return true, false
	case objects.TagDeltaTree():
		return false, true
	default:
		return false, false
	}
}

// ObjectIdOfRaw is a convenience for callers, such as the verify walk, that
// already hold the raw object bytes behind a tree_id and need its address
// for logging or cross-checking against the expected digest.
func ObjectIdOfRaw(raw []byte) objid.ObjectId {
	return objid.Of(raw)
}
