// Package commitpipeline orchestrates commit(): stage drain, pre-commit
// hook, snapshot-or-delta tree_id assignment, atomic revision persistence,
// post-commit hook, and out-of-band revprop mutation.
package commitpipeline

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dsvn/pkg/hooks"
	"dsvn/pkg/objects"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/objid"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

const (
	RevpropLog    = "svn:log"
	RevpropAuthor = "svn:author"
	RevpropDate   = "svn:date"
)

// Pipeline owns the exclusive, process-wide commit lock for one repository
// and wires together the object store, revision store, working-tree
// index, and hook manager to execute commit() and revprop mutation.
type Pipeline struct {
	mu sync.Mutex

	objs             *objectstore.Store
	revs             *revstore.Store
	index            *worktree.Index
	hooks            *hooks.Manager
	snapshotInterval uint64
	log              *logrus.Entry
}

// New builds a Pipeline for one repository instance. There is no
// module-global singleton: each Repository owns its own Pipeline (and
// therefore its own commit lock), so hosting many repositories in one
// process never serializes unrelated commits. snapshotInterval of 0 uses
// revstore.SnapshotInterval; pkg/config's snapshot_interval overrides it
// when set.
func New(objs *objectstore.Store, revs *revstore.Store, index *worktree.Index, hookMgr *hooks.Manager, snapshotInterval uint64, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{objs: objs, revs: revs, index: index, hooks: hookMgr, snapshotInterval: snapshotInterval, log: log}
}

// CreateGenesis writes the always-empty rev 0 commit if it does not
// already exist. Rev 0 has no parents and is not produced by Commit().
func CreateGenesis(objs *objectstore.Store, revs *revstore.Store) error {
	if _, err := revs.GetCommit(0); err == nil {
		return nil
	} else if !errors.Is(err, revstore.ErrRevisionMissing) {
		return err
	}

	tree := objects.NewTree(nil)
	if err := objs.PutWithId(tree.Id(), tree.Encode()); err != nil {
		return errors.Wrap(err, "commitpipeline: store genesis tree")
	}
	if err := revs.PutSnapshot(0, tree); err != nil {
		return errors.Wrap(err, "commitpipeline: persist genesis snapshot")
	}

	c := &objects.Commit{TreeId: tree.Id()}
	if err := objs.PutWithId(c.Id(), c.Encode()); err != nil {
		return errors.Wrap(err, "commitpipeline: store genesis commit object")
	}
	if err := revs.PutCommit(0, c); err != nil {
		return errors.Wrap(err, "commitpipeline: persist genesis commit")
	}
	if err := revs.PutDeltaTree(0, &objects.DeltaTree{}); err != nil {
		return errors.Wrap(err, "commitpipeline: persist genesis delta")
	}
	return revs.SetHeadRev(0)
}

func changeAction(c objects.TreeChange) string {
	if c.Kind == objects.ChangeDelete {
		return "D"
	}
	return "A"
}

func formatDate(timestampSecs int64) string {
	return time.Unix(timestampSecs, 0).UTC().Format(time.RFC3339)
}

// Commit executes the ten-step commit sequence under the pipeline's
// exclusive commit lock and returns the newly assigned revision.
func (p *Pipeline) Commit(author, message string, timestampSecs int64, tzOffsetMinutes int32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitLocked(author, message, timestampSecs, tzOffsetMinutes)
}

// BeginBatch acquires the commit lock and holds it open across a run of
// back-to-back CommitLocked calls, so a bulk ingest (dump load) acquires the
// lock once per batch instead of once per revision; each commit still
// writes and syncs its own revision files. Callers
// must call EndBatch exactly once to release it, even on error.
func (p *Pipeline) BeginBatch() {
	p.mu.Lock()
}

// EndBatch releases the lock acquired by BeginBatch.
func (p *Pipeline) EndBatch() {
	p.mu.Unlock()
}

// CommitLocked runs the same ten-step sequence as Commit without taking
// p.mu itself; callers must already hold it, via BeginBatch, for the
// duration of the batch.
func (p *Pipeline) CommitLocked(author, message string, timestampSecs int64, tzOffsetMinutes int32) (uint64, error) {
	return p.commitLocked(author, message, timestampSecs, tzOffsetMinutes)
}

func (p *Pipeline) commitLocked(author, message string, timestampSecs int64, tzOffsetMinutes int32) (uint64, error) {
	headRev, err := p.revs.HeadRev()
	if err != nil {
		return 0, err
	}
	nr := headRev + 1

	changes := p.index.PendingChangesSnapshot()
	entries := p.index.Entries()
	delta := &objects.DeltaTree{
		ParentRev:         headRev,
		Changes:           changes,
		TotalEntriesAfter: uint64(len(entries)),
	}

	files := make([]hooks.FileAction, 0, len(changes))
	for _, c := range changes {
		files = append(files, hooks.FileAction{Action: changeAction(c), Path: c.Path})
	}
	date := formatDate(timestampSecs)
	if p.hooks != nil {
		if err := p.hooks.RunPreCommit(nr, author, message, date, files); err != nil {
			return 0, err
		}
	}

	var treeId objid.ObjectId
	if revstore.ShouldSnapshot(nr, p.snapshotInterval) {
		tree := objects.NewTree(entriesSlice(entries))
		if err := p.objs.PutWithId(tree.Id(), tree.Encode()); err != nil {
			return 0, errors.Wrap(err, "commitpipeline: store snapshot tree")
		}
		if err := p.revs.PutSnapshot(nr, tree); err != nil {
			return 0, errors.Wrap(err, "commitpipeline: persist snapshot")
		}
		treeId = tree.Id()
	} else {
		if err := p.objs.PutWithId(delta.Id(), delta.Encode()); err != nil {
			return 0, errors.Wrap(err, "commitpipeline: store delta object")
		}
		treeId = delta.Id()
	}

	parentCommit, err := p.revs.GetCommit(headRev)
	if err != nil {
		return 0, errors.Wrapf(err, "commitpipeline: loading parent commit %d", headRev)
	}

	c := &objects.Commit{
		TreeId:          treeId,
		Parents:         []objid.ObjectId{parentCommit.Id()},
		Author:          author,
		Message:         message,
		TimestampSecs:   timestampSecs,
		TzOffsetMinutes: tzOffsetMinutes,
	}
	if err := p.objs.PutWithId(c.Id(), c.Encode()); err != nil {
		return 0, errors.Wrap(err, "commitpipeline: store commit object")
	}
	if err := p.revs.PutCommit(nr, c); err != nil {
		return 0, errors.Wrap(err, "commitpipeline: persist commit")
	}
	if err := p.revs.PutDeltaTree(nr, delta); err != nil {
		return 0, errors.Wrap(err, "commitpipeline: persist delta")
	}
	if err := p.revs.SetHeadRev(nr); err != nil {
		return 0, errors.Wrap(err, "commitpipeline: advance head")
	}

	p.index.ClearPendingChanges()

	if p.hooks != nil {
		p.hooks.RunPostCommit(nr, author, message, date)
	}

	p.log.WithFields(logrus.Fields{"rev": nr, "author": author, "changes": len(changes)}).Info("commit")
	return nr, nil
}

// entriesSlice flattens the staged path→entry map into a Tree's entry
// list. The working-tree index stores flat path→entry mappings with no
// directory hierarchy to assemble, so each TreeEntry's Name is set to its
// full repository path here.
func entriesSlice(entries map[string]objects.TreeEntry) []objects.TreeEntry {
	out := make([]objects.TreeEntry, 0, len(entries))
	for path, e := range entries {
		e.Name = path
		out = append(out, e)
	}
	return out
}

// SetRevprop mutates a revision property. For the three well-known
// properties embedded in the Commit record (svn:log, svn:author,
// svn:date), this rewrites the Commit and therefore changes its
// ObjectId — an explicit, documented departure from commit immutability.
// All other names are stored in the side-car revprops file untouched by
// this rewrite.
// The mutation is gated on the pre-revprop-change hook and followed by
// the post-revprop-change notification hook.
func (p *Pipeline) SetRevprop(rev uint64, author, name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	action := "M"
	if value == "" {
		action = "D"
	}
	if p.hooks != nil {
		if err := p.hooks.RunPreRevpropChange(rev, author, name, action, value); err != nil {
			return err
		}
	}

	switch name {
	case RevpropLog, RevpropAuthor, RevpropDate:
		c, err := p.revs.GetCommit(rev)
		if err != nil {
			return err
		}
		switch name {
		case RevpropLog:
			c.Message = value
		case RevpropAuthor:
			c.Author = value
		case RevpropDate:
			t, err := time.Parse(time.RFC3339, value)
			if err != nil {
				return errors.Wrap(err, "commitpipeline: parse svn:date")
			}
			c.TimestampSecs = t.Unix()
		}
		if err := p.objs.PutWithId(c.Id(), c.Encode()); err != nil {
			return errors.Wrap(err, "commitpipeline: store rewritten commit object")
		}
		if err := p.revs.PutCommit(rev, c); err != nil {
			return errors.Wrap(err, "commitpipeline: persist rewritten commit")
		}
	default:
		props, err := p.revs.GetRevprops(rev)
		if err != nil {
			return err
		}
		if value == "" {
			delete(props, name)
		} else {
			props[name] = value
		}
		if err := p.revs.PutRevprops(rev, props); err != nil {
			return err
		}
	}

	if p.hooks != nil {
		p.hooks.RunPostRevpropChange(rev, author, name, action)
	}
	return nil
}
