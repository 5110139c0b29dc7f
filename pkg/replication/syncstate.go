// Package replication implements the source→destination pull engine:
// SyncState persistence, the replication log, object deduplication,
// content-hash verification, and the fetch_objects repair path.
package replication

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrSyncUUIDMismatch is returned when a source's UUID no longer matches
// the one recorded in SyncState.
var ErrSyncUUIDMismatch = errors.New("replication: source uuid mismatch")

// Well-known SVN-compatible sync property names, set as revprops on
// revision 0 of the destination when a pull relationship is established.
const (
	SyncFromURL         = "svn:sync-from-url"
	SyncFromUUID        = "svn:sync-from-uuid"
	SyncLastMergedRev   = "svn:sync-last-merged-rev"
	SyncLock            = "svn:sync-lock"
	SyncCurrentlyCopying = "svn:sync-currently-copying"
)

// SyncState is the destination-side record of a source→destination sync
// relationship, persisted at `sync-state.json`.
type SyncState struct {
	SourceUUID           string `json:"source_uuid"`
	SourceURL             string `json:"source_url"`
	LastSyncedRev         uint64 `json:"last_synced_rev"`
	SourceHeadRev         uint64 `json:"source_head_rev"`
	LastSyncTimestamp     int64  `json:"last_sync_timestamp"`
	TotalSyncedRevisions  uint64 `json:"total_synced_revisions"`
	SyncInProgress        bool   `json:"sync_in_progress"`
	ProtocolVersion       uint32 `json:"protocol_version"`
	CheckpointRev         *uint64 `json:"checkpoint_rev,omitempty"`
}

// NewSyncState builds the initial SyncState recorded by init.
func NewSyncState(sourceUUID, sourceURL string) *SyncState {
	return &SyncState{
		SourceUUID:      sourceUUID,
		SourceURL:       sourceURL,
		ProtocolVersion: ProtocolVersion,
	}
}

func stateFilePath(repoRoot string) string {
	return filepath.Join(repoRoot, "sync-state.json")
}

// LoadSyncState loads the SyncState at repoRoot, or (nil, nil) if this
// repository is not a sync destination.
func LoadSyncState(repoRoot string) (*SyncState, error) {
	data, err := os.ReadFile(stateFilePath(repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "replication: read sync state")
	}
	var s SyncState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "replication: parse sync state")
	}
	return &s, nil
}

// Save persists the SyncState via tmp-then-rename.
func (s *SyncState) Save(repoRoot string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "replication: marshal sync state")
	}
	path := stateFilePath(repoRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "replication: write sync state")
	}
	return os.Rename(tmp, path)
}

// RemoveSyncState deletes the SyncState and the replication log directory.
func RemoveSyncState(repoRoot string) error {
	if err := os.Remove(stateFilePath(repoRoot)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "replication: remove sync state")
	}
	if err := os.RemoveAll(filepath.Join(repoRoot, "repl-log")); err != nil {
		return errors.Wrap(err, "replication: remove repl-log")
	}
	return nil
}

// EffectiveStartRev is checkpoint_rev if set, else last_synced_rev.
func (s *SyncState) EffectiveStartRev() uint64 {
	if s.CheckpointRev != nil {
		return *s.CheckpointRev
	}
	return s.LastSyncedRev
}

// VerifySource checks uuid against the recorded source_uuid.
func (s *SyncState) VerifySource(uuid string) error {
	if s.SourceUUID != uuid {
		return errors.Wrapf(ErrSyncUUIDMismatch, "expected %s, got %s", s.SourceUUID, uuid)
	}
	return nil
}

// SyncConfig is the repository's replication posture, served/updated via
// the /sync/config endpoint and persisted at `sync-config.json`.
type SyncConfig struct {
	Enabled           bool     `json:"enabled"`
	CacheDir          string   `json:"cache_dir,omitempty"`
	MaxCacheAgeHours  uint32   `json:"max_cache_age_hours"`
	RequireAuth       bool     `json:"require_auth"`
	AllowedSources    []string `json:"allowed_sources"`
}

// DefaultSyncConfig is the out-of-the-box replication posture: enabled,
// no auth required, 30-day cache age, wildcard source allowlist.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		Enabled:          true,
		MaxCacheAgeHours: 720,
		RequireAuth:      false,
		AllowedSources:   []string{"*"},
	}
}

func configFilePath(repoRoot string) string {
	return filepath.Join(repoRoot, "sync-config.json")
}

// LoadSyncConfig loads sync-config.json, or the default if absent.
func LoadSyncConfig(repoRoot string) (*SyncConfig, error) {
	data, err := os.ReadFile(configFilePath(repoRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSyncConfig(), nil
		}
		return nil, errors.Wrap(err, "replication: read sync config")
	}
	var c SyncConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "replication: parse sync config")
	}
	return &c, nil
}

// Save persists the SyncConfig via tmp-then-rename.
func (c *SyncConfig) Save(repoRoot string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "replication: marshal sync config")
	}
	path := configFilePath(repoRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "replication: write sync config")
	}
	return os.Rename(tmp, path)
}
