package syncserver

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"dsvn/pkg/objects"
	"dsvn/pkg/objid"
	"dsvn/pkg/replication"
)

// Binary framing for /sync/delta and /sync/objects. Both endpoints carry
// ObjectId-keyed payloads too irregular for JSON to round-trip cleanly
// (raw blob bytes, 32-byte ids), so they get length-prefixed binary
// framing rather than a generic serializer: /sync/delta uses the
// little-endian integers pkg/dump and pkg/objects use for their own
// canonical encodings, while the /sync/objects stream uses big-endian
// u32 lengths.

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64(w io.Writer, v int64) error {
	return writeU64(w, uint64(v))
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	if err := writeU32(w, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func readI64(r io.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// encodeRevisionData writes one RevisionData record:
//
//	revision(8) author_len(4) author message_len(4) message timestamp(8)
//	delta_len(4) delta_bytes object_count(4) { id(32) data_len(4) data }*
//	prop_count(4) { key_len(4) key val_len(4) val }* content_hash(32)
func encodeRevisionData(w io.Writer, rd replication.RevisionData) error {
	if err := writeU64(w, rd.Revision); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, []byte(rd.Author)); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, []byte(rd.Message)); err != nil {
		return err
	}
	if err := writeI64(w, rd.Timestamp); err != nil {
		return err
	}
	var deltaBytes []byte
	if rd.DeltaTree != nil {
		deltaBytes = rd.DeltaTree.Encode()
	}
	if err := writeLenPrefixed(w, deltaBytes); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(rd.Objects))); err != nil {
		return err
	}
	for _, o := range rd.Objects {
		if _, err := w.Write(o.Id[:]); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, o.Data); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(rd.Properties))); err != nil {
		return err
	}
	for k, v := range rd.Properties {
		if err := writeLenPrefixed(w, []byte(k)); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, []byte(v)); err != nil {
			return err
		}
	}
	if _, err := w.Write(rd.ContentHash[:]); err != nil {
		return err
	}
	return nil
}

func decodeRevisionData(r io.Reader) (replication.RevisionData, error) {
	var rd replication.RevisionData

	rev, err := readU64(r)
	if err != nil {
		return rd, err
	}
	rd.Revision = rev

	author, err := readLenPrefixed(r)
	if err != nil {
		return rd, err
	}
	rd.Author = string(author)

	message, err := readLenPrefixed(r)
	if err != nil {
		return rd, err
	}
	rd.Message = string(message)

	ts, err := readI64(r)
	if err != nil {
		return rd, err
	}
	rd.Timestamp = ts

	deltaBytes, err := readLenPrefixed(r)
	if err != nil {
		return rd, err
	}
	if len(deltaBytes) > 0 {
		dt, err := objects.DecodeDeltaTree(deltaBytes)
		if err != nil {
			return rd, errors.Wrap(err, "syncserver: decode delta tree")
		}
		rd.DeltaTree = dt
	}

	objCount, err := readU32(r)
	if err != nil {
		return rd, err
	}
	rd.Objects = make([]replication.ObjectEntry, 0, objCount)
	for i := uint32(0); i < objCount; i++ {
		var idBytes [objid.Size]byte
		if _, err := io.ReadFull(r, idBytes[:]); err != nil {
			return rd, err
		}
		data, err := readLenPrefixed(r)
		if err != nil {
			return rd, err
		}
		rd.Objects = append(rd.Objects, replication.ObjectEntry{Id: objid.ObjectId(idBytes), Data: data})
	}

	propCount, err := readU32(r)
	if err != nil {
		return rd, err
	}
	if propCount > 0 {
		rd.Properties = make(map[string]string, propCount)
		for i := uint32(0); i < propCount; i++ {
			k, err := readLenPrefixed(r)
			if err != nil {
				return rd, err
			}
			v, err := readLenPrefixed(r)
			if err != nil {
				return rd, err
			}
			rd.Properties[string(k)] = string(v)
		}
	}

	if _, err := io.ReadFull(r, rd.ContentHash[:]); err != nil {
		return rd, err
	}
	return rd, nil
}

// missingObjectLen is the big-endian u32 length sentinel marking an
// object the source does not have.
const missingObjectLen = 0xFFFFFFFF

func writeObjectsStream(w io.Writer, ids []objid.ObjectId, lookup func(objid.ObjectId) ([]byte, bool)) error {
	for _, id := range ids {
		if _, err := w.Write(id[:]); err != nil {
			return err
		}
		data, ok := lookup(id)
		if !ok {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], missingObjectLen)
			if _, err := w.Write(b[:]); err != nil {
				return err
			}
			continue
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(data)))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func readObjectsStream(r io.Reader) (map[objid.ObjectId][]byte, error) {
	out := make(map[objid.ObjectId][]byte)
	for {
		var idBytes [objid.Size]byte
		_, err := io.ReadFull(r, idBytes[:])
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errors.Wrap(err, "syncserver: truncated object length")
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == missingObjectLen {
			continue
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Wrap(err, "syncserver: truncated object body")
		}
		out[objid.ObjectId(idBytes)] = data
	}
}
