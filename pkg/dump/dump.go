// Package dump implements the Subversion dump-file codec: an
// ASCII-header + binary-body stream, emitted from and loaded into the
// revision store, object store, working-tree index, and commit pipeline.
package dump

import (
	"bufio"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dsvn/pkg/commitpipeline"
	"dsvn/pkg/objects"
	"dsvn/pkg/objectstore"
	"dsvn/pkg/reconstruct"
	"dsvn/pkg/revstore"
	"dsvn/pkg/worktree"
)

// DefaultVersion is the dump format version emitted when the caller does
// not request version 2 explicitly.
const DefaultVersion = 3

const (
	propExecutable = "svn:executable"
	propLog        = "svn:log"
	propAuthor     = "svn:author"
	propDate       = "svn:date"
)

// ErrTruncated is returned by Load when the stream ends mid-record.
var ErrTruncated = errors.New("dump: truncated stream")

// propsEnd is the fixed terminator every props_block ends with, counted
// toward its own Prop-content-length even when there are no properties.
const propsEnd = "PROPS-END\n"

type kv struct{ key, value string }

func encodeProps(ordered []kv) []byte {
	var b strings.Builder
	for _, p := range ordered {
		fmt.Fprintf(&b, "K %d\n%s\n", len(p.key), p.key)
		fmt.Fprintf(&b, "V %d\n%s\n", len(p.value), p.value)
	}
	b.WriteString(propsEnd)
	return []byte(b.String())
}

func svnDate(timestampSecs int64) string {
	return time.Unix(timestampSecs, 0).UTC().Format("2006-01-02T15:04:05.000000Z")
}

// Emit writes revisions [fromRev, toRev] in the Subversion dump format to
// w. uuid is included as a top-level header unless incremental is true,
// since incremental dumps omit the UUID line.
func Emit(w io.Writer, revs *revstore.Store, objs *objectstore.Store, recon *reconstruct.Reconstructor, uuid string, fromRev, toRev uint64, version int, incremental bool) error {
	if version != 2 && version != 3 {
		version = DefaultVersion
	}
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "SVN-fs-dump-format-version: %d\n\n", version)
	if !incremental {
		fmt.Fprintf(bw, "UUID: %s\n\n", uuid)
	}

	for rev := fromRev; rev <= toRev; rev++ {
		commit, err := revs.GetCommit(rev)
		if err != nil {
			return errors.Wrapf(err, "dump: loading commit %d", rev)
		}

		revProps := encodeProps([]kv{
			{propLog, commit.Message},
			{propAuthor, commit.Author},
			{propDate, svnDate(commit.TimestampSecs)},
		})
		fmt.Fprintf(bw, "Revision-number: %d\n", rev)
		fmt.Fprintf(bw, "Prop-content-length: %d\n", len(revProps))
		fmt.Fprintf(bw, "Content-length: %d\n\n", len(revProps))
		bw.Write(revProps)
		bw.WriteByte('\n')

		if rev == 0 {
			continue
		}

		delta, err := revs.GetDeltaTree(rev)
		if err != nil {
			return errors.Wrapf(err, "dump: loading delta %d", rev)
		}

		var prior reconstruct.TreeState
		if recon != nil {
			prior, err = recon.TreeAt(rev - 1)
			if err != nil {
				return errors.Wrapf(err, "dump: reconstructing prior tree for %d", rev)
			}
		}

		changes := append([]objects.TreeChange(nil), delta.Changes...)
		sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

		for _, change := range changes {
			if err := emitNode(bw, objs, change, prior); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

func emitNode(bw *bufio.Writer, objs *objectstore.Store, change objects.TreeChange, prior reconstruct.TreeState) error {
	if change.Kind == objects.ChangeDelete {
		fmt.Fprintf(bw, "Node-path: %s\n", change.Path)
		fmt.Fprintf(bw, "Node-action: delete\n\n")
		return nil
	}

	_, existedBefore := prior[change.Path]
	action := "add"
	if existedBefore {
		action = "change"
	}

	if change.Entry.Kind == objects.KindTree {
		fmt.Fprintf(bw, "Node-path: %s\n", change.Path)
		fmt.Fprintf(bw, "Node-kind: dir\n")
		fmt.Fprintf(bw, "Node-action: %s\n", action)
		props := encodeProps(nil)
		md5sum := md5.Sum(nil)
		fmt.Fprintf(bw, "Prop-content-length: %d\n", len(props))
		fmt.Fprintf(bw, "Text-content-length: 0\n")
		fmt.Fprintf(bw, "Text-content-md5: %x\n", md5sum)
		fmt.Fprintf(bw, "Content-length: %d\n\n", len(props))
		bw.Write(props)
		bw.WriteByte('\n')
		return nil
	}

	data, err := objs.Get(change.Entry.Id)
	if err != nil {
		return errors.Wrapf(err, "dump: loading blob %s", change.Entry.Id)
	}

	var nodeProps []kv
	if change.Entry.Mode&0o111 != 0 {
		nodeProps = append(nodeProps, kv{propExecutable, "*"})
	}
	props := encodeProps(nodeProps)
	md5sum := md5.Sum(data)

	fmt.Fprintf(bw, "Node-path: %s\n", change.Path)
	fmt.Fprintf(bw, "Node-kind: file\n")
	fmt.Fprintf(bw, "Node-action: %s\n", action)
	fmt.Fprintf(bw, "Prop-content-length: %d\n", len(props))
	fmt.Fprintf(bw, "Text-content-length: %d\n", len(data))
	fmt.Fprintf(bw, "Text-content-md5: %x\n", md5sum)
	fmt.Fprintf(bw, "Content-length: %d\n\n", len(props)+len(data))
	bw.Write(props)
	bw.Write(data)
	bw.WriteByte('\n')
	return nil
}

// lineReader is a bufio.Reader with one line of lookahead, since the
// loader needs to peek the next header line to decide whether a revision
// or node block continues without consuming it.
type lineReader struct {
	br      *bufio.Reader
	pending *string
	atEOF   bool
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReader(r)}
}

func (lr *lineReader) fill() error {
	if lr.pending != nil || lr.atEOF {
		return nil
	}
	line, err := lr.br.ReadString('\n')
	if err != nil {
		if err != io.EOF {
			return err
		}
		if line == "" {
			lr.atEOF = true
			return io.EOF
		}
	}
	trimmed := strings.TrimRight(line, "\n")
	lr.pending = &trimmed
	return nil
}

// peek returns the next line without consuming it.
func (lr *lineReader) peek() (string, error) {
	if err := lr.fill(); err != nil {
		return "", err
	}
	return *lr.pending, nil
}

// next returns and consumes the next line.
func (lr *lineReader) next() (string, error) {
	if err := lr.fill(); err != nil {
		return "", err
	}
	line := *lr.pending
	lr.pending = nil
	return line, nil
}

func (lr *lineReader) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if lr.pending != nil {
		return nil, errors.New("dump: readFull called with a pending peeked line")
	}
	if _, err := io.ReadFull(lr.br, buf); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	return buf, nil
}

// Load reads a Subversion dump stream and replays it through idx and
// pipeline: every node becomes a staging call, and each revision's nodes
// are followed by a commit using that revision's svn:log/svn:author/
// svn:date properties. The whole stream runs inside one BeginBatch/EndBatch
// bracket, so loading a dump with many revisions takes the pipeline's
// commit lock once rather than once per revision; each revision is still
// persisted as its own commit. Returns the
// repository UUID read from the stream header, if present.
func Load(r io.Reader, idx *worktree.Index, objs *objectstore.Store, pipeline *commitpipeline.Pipeline) (uuid string, err error) {
	lr := newLineReader(r)

	idx.BeginBatch()
	pipeline.BeginBatch()
	defer pipeline.EndBatch()
	defer idx.EndBatch()

	line, err := lr.next()
	if err != nil {
		return "", errors.Wrap(err, "dump: reading format header")
	}
	if !strings.HasPrefix(line, "SVN-fs-dump-format-version:") {
		return "", errors.New("dump: missing format version header")
	}
	if _, err := lr.next(); err != nil && err != io.EOF {
		return "", err
	}

	if line, peekErr := lr.peek(); peekErr == nil && strings.HasPrefix(line, "UUID:") {
		lr.next()
		uuid = strings.TrimSpace(strings.TrimPrefix(line, "UUID:"))
		lr.next()
	}

	for {
		line, err = lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return uuid, err
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "Revision-number:") {
			return uuid, errors.Errorf("dump: expected Revision-number, got %q", line)
		}
		revNum, _ := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "Revision-number:")), 10, 64)

		headers, err := readHeaderBlock(lr)
		if err != nil {
			return uuid, err
		}
		propLen := headerInt(headers, "Prop-content-length")
		contentLen := headerInt(headers, "Content-length")
		readLen := contentLen
		if readLen == 0 {
			readLen = propLen
		}
		body, err := lr.readFull(readLen)
		if err != nil {
			return uuid, err
		}
		lr.next() // blank line after props block

		props := parseProps(body[:min(propLen, len(body))])
		author := props[propAuthor]
		message := props[propLog]
		timestamp := parseSVNDate(props[propDate])

		if err := loadNodes(lr, idx, objs); err != nil {
			return uuid, err
		}

		// Revision 0 is the always-empty genesis commit created when the
		// destination repository was initialized, not produced by Commit();
		// skip it here the same way CreateGenesis is not called from Commit.
		if revNum == 0 {
			continue
		}

		if _, err := pipeline.CommitLocked(author, message, timestamp, 0); err != nil {
			return uuid, errors.Wrapf(err, "dump: committing loaded revision")
		}
	}

	return uuid, nil
}

func loadNodes(lr *lineReader, idx *worktree.Index, objs *objectstore.Store) error {
	for {
		line, err := lr.peek()
		if err != nil {
			return nil
		}
		if !strings.HasPrefix(line, "Node-path:") {
			return nil
		}
		lr.next()
		path := strings.TrimSpace(strings.TrimPrefix(line, "Node-path:"))

		headers, err := readHeaderBlock(lr)
		if err != nil {
			return err
		}

		action := headers["Node-action"]
		kind := headers["Node-kind"]

		if action == "delete" {
			if err := idx.Delete("/" + path); err != nil {
				return err
			}
			continue
		}

		propLen := headerInt(headers, "Prop-content-length")
		contentLen := headerInt(headers, "Content-length")
		textLen := headerInt(headers, "Text-content-length")
		readLen := contentLen
		if readLen == 0 {
			readLen = propLen + textLen
		}

		var props map[string]string
		var text []byte
		if readLen > 0 {
			body, err := lr.readFull(readLen)
			if err != nil {
				return err
			}
			if propLen > 0 && propLen <= len(body) {
				props = parseProps(body[:propLen])
			}
			if textLen > 0 && propLen+textLen <= len(body) {
				text = body[propLen : propLen+textLen]
			}
			lr.next()
		}

		if kind == "dir" {
			if err := idx.Mkdir("/" + path); err != nil {
				return err
			}
			continue
		}

		executable := props[propExecutable] != ""
		id, err := objs.Put(text)
		if err != nil {
			return errors.Wrapf(err, "dump: storing blob for %s", path)
		}
		if err := idx.AddFile("/"+path, id, executable); err != nil {
			return err
		}
	}
}

func readHeaderBlock(lr *lineReader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := lr.next()
		if err != nil {
			if err == io.EOF {
				return headers, nil
			}
			return nil, err
		}
		if strings.TrimSpace(line) == "" {
			return headers, nil
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			continue
		}
		headers[line[:idx]] = strings.TrimSpace(line[idx+2:])
	}
}

func headerInt(headers map[string]string, key string) int {
	n, _ := strconv.Atoi(headers[key])
	return n
}

func parseProps(data []byte) map[string]string {
	props := make(map[string]string)
	lines := strings.Split(string(data), "\n")
	i := 0
	for i < len(lines) {
		line := lines[i]
		if line == "PROPS-END" {
			break
		}
		if strings.HasPrefix(line, "K ") {
			klen, _ := strconv.Atoi(strings.TrimSpace(line[2:]))
			i++
			if i >= len(lines) {
				break
			}
			key := truncate(lines[i], klen)
			i++
			if i >= len(lines) || !strings.HasPrefix(lines[i], "V ") {
				break
			}
			vlen, _ := strconv.Atoi(strings.TrimSpace(lines[i][2:]))
			i++
			if i >= len(lines) {
				break
			}
			value := truncate(lines[i], vlen)
			props[key] = value
		}
		i++
	}
	return props
}

func truncate(s string, n int) string {
	if n < len(s) {
		return s[:n]
	}
	return s
}

func parseSVNDate(s string) int64 {
	if s == "" {
		return 0
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000000Z", s); err == nil {
		return t.Unix()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix()
	}
	return 0
}

