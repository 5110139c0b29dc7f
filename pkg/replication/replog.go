package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ReplicationLogEntry records one completed (or failed) pull operation.
type ReplicationLogEntry struct {
	FromRev            uint64 `json:"from_rev"`
	ToRev              uint64 `json:"to_rev"`
	Timestamp          int64  `json:"timestamp"`
	ObjectsTransferred uint64 `json:"objects_transferred"`
	BytesTransferred   uint64 `json:"bytes_transferred"`
	DurationMs         uint64 `json:"duration_ms"`
	Success            bool   `json:"success"`
	Error              string `json:"error,omitempty"`
}

// ReplicationLog manages the `repl-log/<from>_<to>.json` side-car files.
type ReplicationLog struct {
	logDir string
}

// NewReplicationLog builds a ReplicationLog rooted at repoRoot/repl-log.
func NewReplicationLog(repoRoot string) *ReplicationLog {
	return &ReplicationLog{logDir: filepath.Join(repoRoot, "repl-log")}
}

// EnsureDir creates the log directory if missing.
func (l *ReplicationLog) EnsureDir() error {
	return os.MkdirAll(l.logDir, 0o755)
}

// Append writes one entry as `<from>_<to>.json`.
func (l *ReplicationLog) Append(entry ReplicationLogEntry) error {
	if err := l.EnsureDir(); err != nil {
		return errors.Wrap(err, "replication: ensure repl-log dir")
	}
	name := fmt.Sprintf("%d_%d.json", entry.FromRev, entry.ToRev)
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.Wrap(err, "replication: marshal log entry")
	}
	return os.WriteFile(filepath.Join(l.logDir, name), data, 0o644)
}

// Query returns log entries overlapping [fromRev, toRev], sorted by
// FromRev.
func (l *ReplicationLog) Query(fromRev, toRev uint64) ([]ReplicationLogEntry, error) {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "replication: read repl-log dir")
	}

	var out []ReplicationLogEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.logDir, e.Name()))
		if err != nil {
			continue
		}
		var entry ReplicationLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.ToRev >= fromRev && entry.FromRev <= toRev {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromRev < out[j].FromRev })
	return out, nil
}

// All returns every log entry.
func (l *ReplicationLog) All() ([]ReplicationLogEntry, error) {
	return l.Query(0, ^uint64(0))
}

// Latest returns the most recent entry, or (nil, nil) if none exist.
func (l *ReplicationLog) Latest() (*ReplicationLogEntry, error) {
	entries, err := l.All()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

// CleanupBefore removes entries entirely older than rev, returning the
// count removed.
func (l *ReplicationLog) CleanupBefore(rev uint64) (uint64, error) {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "replication: read repl-log dir")
	}

	var removed uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.logDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry ReplicationLogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if entry.ToRev < rev {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
