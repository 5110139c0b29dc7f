// Package reconstruct implements tree_at(rev): walking the delta chain
// back to the nearest snapshot (or revision 0) and replaying TreeChanges
// forward, with an LRU cache of fully-reconstructed trees.
package reconstruct

import (
	"strings"

	"github.com/pkg/errors"

	"dsvn/pkg/objects"
	"dsvn/pkg/revstore"
)

// DefaultCacheSize is the default LRU capacity.
const DefaultCacheSize = 64

// TreeState is a fully-reconstructed mapping from path to TreeEntry.
type TreeState map[string]objects.TreeEntry

// Clone returns an independent copy, since cached/returned states must
// never alias a mutable working copy.
func (s TreeState) Clone() TreeState {
	cp := make(TreeState, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// apply mutates s in place per a single TreeChange.
func (s TreeState) apply(c objects.TreeChange) {
	switch c.Kind {
	case objects.ChangeUpsert:
		s[c.Path] = c.Entry
	case objects.ChangeDelete:
		delete(s, c.Path)
		prefix := c.Path + "/"
		for k := range s {
			if strings.HasPrefix(k, prefix) {
				delete(s, k)
			}
		}
	}
}

// Reconstructor answers tree_at(rev) queries against a revision store.
type Reconstructor struct {
	revs  *revstore.Store
	cache *lruCache[TreeState]
}

// New builds a Reconstructor with the given LRU cache size.
func New(revs *revstore.Store, cacheSize int) *Reconstructor {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	return &Reconstructor{revs: revs, cache: newLRUCache[TreeState](cacheSize)}
}

func treeToState(t *objects.Tree) TreeState {
	state := make(TreeState, len(t.Entries))
	for _, e := range t.Entries {
		state[e.Name] = e
	}
	return state
}

type chainFrame struct {
	rev   uint64
	delta *objects.DeltaTree
}

// TreeAt returns the reconstructed path→TreeEntry mapping at rev, per the
// seven-step algorithm: cache hit, snapshot hit, or a delta-chain walk back
// to the nearest base followed by forward replay.
func (r *Reconstructor) TreeAt(rev uint64) (TreeState, error) {
	if rev == 0 {
		return TreeState{}, nil
	}

	if cached, ok := r.cache.Get(rev); ok {
		return cached.Clone(), nil
	}

	if snap, ok, err := r.revs.GetSnapshot(rev); err != nil {
		return nil, err
	} else if ok {
		state := treeToState(snap)
		r.cache.Put(rev, state.Clone())
		return state, nil
	}

	var stack []chainFrame
	cur := rev
	for {
		delta, err := r.revs.GetDeltaTree(cur)
		if err != nil {
			return nil, errors.Wrapf(err, "reconstruct: loading delta at rev %d", cur)
		}
		stack = append(stack, chainFrame{rev: cur, delta: delta})
		if len(stack) > int(revstore.SnapshotInterval)+1 {
			return nil, errors.Errorf("reconstruct: delta chain exceeded %d hops without reaching a base", revstore.SnapshotInterval)
		}
		cur = delta.ParentRev
		if cur == 0 {
			break
		}
		if r.revs.HasSnapshot(cur) {
			break
		}
		if _, ok := r.cache.Get(cur); ok {
			break
		}
	}

	var base TreeState
	switch {
	case cur == 0:
		base = TreeState{}
	default:
		if cached, ok := r.cache.Get(cur); ok {
			base = cached.Clone()
		} else {
			snap, ok, err := r.revs.GetSnapshot(cur)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.Errorf("reconstruct: expected snapshot at rev %d", cur)
			}
			base = treeToState(snap)
		}
	}

	// Stack was built walking backward from rev toward base, so the last
	// pushed frame is the oldest (closest to base); apply oldest first.
	for i := len(stack) - 1; i >= 0; i-- {
		frame := stack[i]
		for _, change := range frame.delta.Changes {
			base.apply(change)
		}
		r.cache.Put(frame.rev, base.Clone())
	}

	return base, nil
}
