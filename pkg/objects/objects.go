// Package objects implements the core object model: Blob, Tree, Commit,
// TreeChange and DeltaTree, plus their canonical binary encoding.
//
// The canonical encoding is deliberately distinct from whatever a generic
// serializer (JSON, gob) would produce: deterministic field order, fixed
// width little-endian integers, and length-prefixed bytes/strings. Content
// addressing only works if two peers independently encoding the same
// logical object compute the same ObjectId.
package objects

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"dsvn/pkg/objid"
)

// ErrCorruptObject is returned when decode fails on truncated or
// malformed input.
var ErrCorruptObject = errors.New("corrupt object")

// EntryKind discriminates what a TreeEntry's ObjectId points at.
type EntryKind uint8

const (
	KindBlob EntryKind = 1
	KindTree EntryKind = 2
)

// TagTree returns the leading byte of a canonically-encoded Tree.
func TagTree() byte { return tagTree }

// TagCommit returns the leading byte of a canonically-encoded Commit.
func TagCommit() byte { return tagCommit }

// TagDeltaTree returns the leading byte of a canonically-encoded DeltaTree.
func TagDeltaTree() byte { return tagDeltaTree }

func (k EntryKind) String() string {
	switch k {
	case KindBlob:
		return "blob"
	case KindTree:
		return "tree"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// object type tags, used only for Tree/Commit/DeltaTree framing. Blob has
// no tag: its canonical encoding is its raw bytes, and its ObjectId is
// computed from that data alone.
const (
	tagTree      = 0x10
	tagCommit    = 0x20
	tagDeltaTree = 0x30
)

// Blob is a file payload. Its ObjectId is SHA-256 of Data alone; Executable
// is tracked by the referencing TreeEntry, never by the Blob itself, so
// identical bytes dedup across executable/non-executable modes.
type Blob struct {
	Data       []byte
	Executable bool
}

// NewBlob constructs a Blob.
func NewBlob(data []byte, executable bool) *Blob {
	return &Blob{Data: data, Executable: executable}
}

// Encode returns the canonical wire bytes of the blob: the raw data.
func (b *Blob) Encode() []byte {
	return b.Data
}

// DecodeBlob reconstructs a Blob from its canonical bytes. executable is
// supplied by the caller (from the referencing TreeEntry) since it is not
// part of the blob's own encoding.
func DecodeBlob(data []byte, executable bool) *Blob {
	cp := make([]byte, len(data))
	copy(cp, data)
	return &Blob{Data: cp, Executable: executable}
}

// Id returns the content address of the blob (digest of Data only).
func (b *Blob) Id() objid.ObjectId {
	return objid.Of(b.Data)
}

// TreeEntry references a child object (Blob or Tree) by name.
type TreeEntry struct {
	Name string
	Id   objid.ObjectId
	Kind EntryKind
	Mode uint32
}

// Tree is an ordered mapping from name to TreeEntry (snapshot trees built
// by the commit pipeline use full repository paths as names). Entries are
// always stored sorted by Name so the canonical encoding is deterministic.
type Tree struct {
	Entries []TreeEntry
}

// NewTree builds a Tree from entries, sorting them by name.
func NewTree(entries []TreeEntry) *Tree {
	cp := make([]TreeEntry, len(entries))
	copy(cp, entries)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Name < cp[j].Name })
	return &Tree{Entries: cp}
}

// Get looks up an entry by name.
func (t *Tree) Get(name string) (TreeEntry, bool) {
	i := sort.Search(len(t.Entries), func(i int) bool { return t.Entries[i].Name >= name })
	if i < len(t.Entries) && t.Entries[i].Name == name {
		return t.Entries[i], true
	}
	return TreeEntry{}, false
}

// Encode serializes the tree to its canonical binary form.
//
// Layout: tag(1) | count(u32 LE) | count * { namelen(u32 LE) name
// kind(1) mode(u32 LE) id(32) }.
func (t *Tree) Encode() []byte {
	size := 1 + 4
	for _, e := range t.Entries {
		size += 4 + len(e.Name) + 1 + 4 + objid.Size
	}
	buf := make([]byte, 0, size)
	buf = append(buf, tagTree)
	buf = appendU32(buf, uint32(len(t.Entries)))
	for _, e := range t.Entries {
		buf = appendU32(buf, uint32(len(e.Name)))
		buf = append(buf, e.Name...)
		buf = append(buf, byte(e.Kind))
		buf = appendU32(buf, e.Mode)
		buf = append(buf, e.Id[:]...)
	}
	return buf
}

// DecodeTree parses canonical tree bytes.
func DecodeTree(data []byte) (*Tree, error) {
	if len(data) < 5 {
		return nil, errors.Wrap(ErrCorruptObject, "tree: truncated header")
	}
	pos := 0
	if data[pos] != tagTree {
		return nil, errors.Wrap(ErrCorruptObject, "tree: bad tag")
	}
	pos++
	count, pos, err := readU32(data, pos)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptObject, "tree: count")
	}
	entries := make([]TreeEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		nameLen, p, err := readU32(data, pos)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptObject, "tree: name length")
		}
		pos = p
		if pos+int(nameLen) > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "tree: name")
		}
		name := string(data[pos : pos+int(nameLen)])
		pos += int(nameLen)

		if pos+1 > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "tree: kind")
		}
		kind := EntryKind(data[pos])
		pos++

		mode, p, err := readU32(data, pos)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptObject, "tree: mode")
		}
		pos = p

		if pos+objid.Size > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "tree: id")
		}
		id, _ := objid.FromBytes(data[pos : pos+objid.Size])
		pos += objid.Size

		entries = append(entries, TreeEntry{Name: name, Id: id, Kind: kind, Mode: mode})
	}
	if pos != len(data) {
		return nil, errors.Wrap(ErrCorruptObject, "tree: trailing data")
	}
	return &Tree{Entries: entries}, nil
}

// Id returns the content address of the tree's canonical encoding.
func (t *Tree) Id() objid.ObjectId {
	return objid.Of(t.Encode())
}

// Commit is a single revision's metadata.
type Commit struct {
	TreeId          objid.ObjectId
	Parents         []objid.ObjectId
	Author          string
	Message         string
	TimestampSecs   int64
	TzOffsetMinutes int32
}

// Encode serializes the commit to its canonical binary form.
//
// Layout: tag(1) | tree_id(32) | parent_count(u32 LE) | parents(32 each) |
// author_len(u32 LE) author | message_len(u32 LE) message |
// timestamp(i64 LE) | tz_offset(i32 LE).
func (c *Commit) Encode() []byte {
	size := 1 + objid.Size + 4 + len(c.Parents)*objid.Size + 4 + len(c.Author) + 4 + len(c.Message) + 8 + 4
	buf := make([]byte, 0, size)
	buf = append(buf, tagCommit)
	buf = append(buf, c.TreeId[:]...)
	buf = appendU32(buf, uint32(len(c.Parents)))
	for _, p := range c.Parents {
		buf = append(buf, p[:]...)
	}
	buf = appendU32(buf, uint32(len(c.Author)))
	buf = append(buf, c.Author...)
	buf = appendU32(buf, uint32(len(c.Message)))
	buf = append(buf, c.Message...)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(c.TimestampSecs))
	buf = append(buf, ts...)
	tz := make([]byte, 4)
	binary.LittleEndian.PutUint32(tz, uint32(c.TzOffsetMinutes))
	buf = append(buf, tz...)
	return buf
}

// DecodeCommit parses canonical commit bytes.
func DecodeCommit(data []byte) (*Commit, error) {
	pos := 0
	if len(data) < 1+objid.Size+4 {
		return nil, errors.Wrap(ErrCorruptObject, "commit: truncated header")
	}
	if data[pos] != tagCommit {
		return nil, errors.Wrap(ErrCorruptObject, "commit: bad tag")
	}
	pos++
	treeId, _ := objid.FromBytes(data[pos : pos+objid.Size])
	pos += objid.Size

	parentCount, pos2, err := readU32(data, pos)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptObject, "commit: parent count")
	}
	pos = pos2
	parents := make([]objid.ObjectId, 0, parentCount)
	for i := uint32(0); i < parentCount; i++ {
		if pos+objid.Size > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "commit: parent")
		}
		id, _ := objid.FromBytes(data[pos : pos+objid.Size])
		parents = append(parents, id)
		pos += objid.Size
	}

	authorLen, pos3, err := readU32(data, pos)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptObject, "commit: author length")
	}
	pos = pos3
	if pos+int(authorLen) > len(data) {
		return nil, errors.Wrap(ErrCorruptObject, "commit: author")
	}
	author := string(data[pos : pos+int(authorLen)])
	pos += int(authorLen)

	msgLen, pos4, err := readU32(data, pos)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptObject, "commit: message length")
	}
	pos = pos4
	if pos+int(msgLen) > len(data) {
		return nil, errors.Wrap(ErrCorruptObject, "commit: message")
	}
	message := string(data[pos : pos+int(msgLen)])
	pos += int(msgLen)

	if pos+8+4 != len(data) {
		return nil, errors.Wrap(ErrCorruptObject, "commit: trailing data")
	}
	timestamp := int64(binary.LittleEndian.Uint64(data[pos : pos+8]))
	pos += 8
	tzOffset := int32(binary.LittleEndian.Uint32(data[pos : pos+4]))

	return &Commit{
		TreeId:          treeId,
		Parents:         parents,
		Author:          author,
		Message:         message,
		TimestampSecs:   timestamp,
		TzOffsetMinutes: tzOffset,
	}, nil
}

// Id returns the content address of the commit's canonical encoding.
func (c *Commit) Id() objid.ObjectId {
	return objid.Of(c.Encode())
}

// IsInitial reports whether this is the root commit (no parents).
func (c *Commit) IsInitial() bool {
	return len(c.Parents) == 0
}

// ChangeKind distinguishes TreeChange variants.
type ChangeKind uint8

const (
	ChangeUpsert ChangeKind = 1
	ChangeDelete ChangeKind = 2
)

// TreeChange is a single recorded mutation against a path. Upsert carries
// the new entry; Delete carries only the path (and implicitly removes
// every descendant when the path names a directory).
type TreeChange struct {
	Kind  ChangeKind
	Path  string
	Entry TreeEntry // valid only when Kind == ChangeUpsert
}

// DeltaTree is the full set of changes transforming the tree at ParentRev
// into the tree at the revision owning this delta.
type DeltaTree struct {
	ParentRev         uint64
	Changes           []TreeChange
	TotalEntriesAfter uint64
}

// Encode serializes the delta tree to its canonical binary form.
func (d *DeltaTree) Encode() []byte {
	buf := make([]byte, 0, 64+len(d.Changes)*32)
	buf = append(buf, tagDeltaTree)
	parentBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(parentBuf, d.ParentRev)
	buf = append(buf, parentBuf...)
	totalBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(totalBuf, d.TotalEntriesAfter)
	buf = append(buf, totalBuf...)
	buf = appendU32(buf, uint32(len(d.Changes)))
	for _, c := range d.Changes {
		buf = append(buf, byte(c.Kind))
		buf = appendU32(buf, uint32(len(c.Path)))
		buf = append(buf, c.Path...)
		if c.Kind == ChangeUpsert {
			buf = appendU32(buf, uint32(len(c.Entry.Name)))
			buf = append(buf, c.Entry.Name...)
			buf = append(buf, byte(c.Entry.Kind))
			buf = appendU32(buf, c.Entry.Mode)
			buf = append(buf, c.Entry.Id[:]...)
		}
	}
	return buf
}

// DecodeDeltaTree parses canonical delta-tree bytes.
func DecodeDeltaTree(data []byte) (*DeltaTree, error) {
	pos := 0
	if len(data) < 1+8+8+4 {
		return nil, errors.Wrap(ErrCorruptObject, "delta: truncated header")
	}
	if data[pos] != tagDeltaTree {
		return nil, errors.Wrap(ErrCorruptObject, "delta: bad tag")
	}
	pos++
	parentRev := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	totalAfter := binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	count, pos2, err := readU32(data, pos)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptObject, "delta: count")
	}
	pos = pos2

	changes := make([]TreeChange, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+1 > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "delta: kind")
		}
		kind := ChangeKind(data[pos])
		pos++

		pathLen, p, err := readU32(data, pos)
		if err != nil {
			return nil, errors.Wrap(ErrCorruptObject, "delta: path length")
		}
		pos = p
		if pos+int(pathLen) > len(data) {
			return nil, errors.Wrap(ErrCorruptObject, "delta: path")
		}
		path := string(data[pos : pos+int(pathLen)])
		pos += int(pathLen)

		change := TreeChange{Kind: kind, Path: path}
		if kind == ChangeUpsert {
			nameLen, p2, err := readU32(data, pos)
			if err != nil {
				return nil, errors.Wrap(ErrCorruptObject, "delta: entry name length")
			}
			pos = p2
			if pos+int(nameLen) > len(data) {
				return nil, errors.Wrap(ErrCorruptObject, "delta: entry name")
			}
			name := string(data[pos : pos+int(nameLen)])
			pos += int(nameLen)

			if pos+1 > len(data) {
				return nil, errors.Wrap(ErrCorruptObject, "delta: entry kind")
			}
			ekind := EntryKind(data[pos])
			pos++

			mode, p3, err := readU32(data, pos)
			if err != nil {
				return nil, errors.Wrap(ErrCorruptObject, "delta: entry mode")
			}
			pos = p3

			if pos+objid.Size > len(data) {
				return nil, errors.Wrap(ErrCorruptObject, "delta: entry id")
			}
			id, _ := objid.FromBytes(data[pos : pos+objid.Size])
			pos += objid.Size

			change.Entry = TreeEntry{Name: name, Id: id, Kind: ekind, Mode: mode}
		}
		changes = append(changes, change)
	}
	if pos != len(data) {
		return nil, errors.Wrap(ErrCorruptObject, "delta: trailing data")
	}
	return &DeltaTree{ParentRev: parentRev, Changes: changes, TotalEntriesAfter: totalAfter}, nil
}

// Id returns the content address of the delta tree's canonical encoding.
func (d *DeltaTree) Id() objid.ObjectId {
	return objid.Of(d.Encode())
}

func appendU32(buf []byte, v uint32) []byte {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, v)
	return append(buf, tmp...)
}

func readU32(data []byte, pos int) (uint32, int, error) {
	if pos+4 > len(data) {
		return 0, 0, ErrCorruptObject
	}
	return binary.LittleEndian.Uint32(data[pos : pos+4]), pos + 4, nil
}
