// Package syncserver exposes a repository's /sync/* endpoints over HTTP
// so another dsvn repository can pull from it, and provides the
// HTTP-backed replication.SourceClient a puller drives against them.
package syncserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"dsvn/pkg/objid"
	"dsvn/pkg/reconstruct"
	"dsvn/pkg/replication"
)

// MaxDeltaRange bounds a single /sync/delta request.
const MaxDeltaRange = 500

// MaxObjectsPerRequest bounds a single /sync/objects request.
const MaxObjectsPerRequest = 1000

// Backend is the subset of a repository.Repository the server reads from.
// Kept narrow so the server can be driven by a fake in tests without
// constructing a full repository.
type Backend interface {
	RepoUUID() string
	RepoRoot() string
	HeadRev() (uint64, error)
	RevisionSummary(rev uint64) (replication.RevisionSummary, error)
	RevisionData(rev uint64) (replication.RevisionData, error)
	GetObject(id objid.ObjectId) ([]byte, bool)
}

// Server serves one repository's /sync/* surface.
type Server struct {
	addr   string
	repo   Backend
	http   *http.Server
	log    *logrus.Entry
}

// NewServer builds a Server bound to addr, serving repo.
func NewServer(repo Backend, addr string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{addr: addr, repo: repo, log: log}
}

// Start builds the route table and blocks serving until Shutdown is
// called or a fatal listener error occurs.
func (s *Server) Start() error {
	router := httprouter.New()
	router.GET("/sync/info", s.handleInfo)
	router.GET("/sync/revs", s.handleRevs)
	router.GET("/sync/delta", s.handleDelta)
	router.GET("/sync/objects", s.handleObjects)
	router.GET("/sync/config", s.handleGetConfig)
	router.POST("/sync/config", s.handlePostConfig)

	s.http = &http.Server{
		Addr:         s.addr,
		Handler:      requestLogger(s.log, router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.log.WithField("addr", s.addr).Info("syncserver: starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"query":    r.URL.RawQuery,
			"duration": time.Since(start),
		}).Debug("syncserver: request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseU64Query(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errors.Errorf("missing %q query parameter", name)
	}
	return strconv.ParseUint(raw, 10, 64)
}

// syncInfoResponse mirrors replication.RepositoryInfo over JSON.
type syncInfoResponse struct {
	UUID            string   `json:"uuid"`
	HeadRev         uint64   `json:"head_rev"`
	ProtocolVersion uint32   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	head, err := s.repo.HeadRev()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, syncInfoResponse{
		UUID:            s.repo.RepoUUID(),
		HeadRev:         head,
		ProtocolVersion: replication.ProtocolVersion,
		Capabilities:    []string{"delta", "objects"},
	})
}

func (s *Server) handleRevs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	from, err := parseU64Query(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseU64Query(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if from > to {
		writeError(w, http.StatusBadRequest, errors.New("from must be <= to"))
		return
	}

	summaries := make([]replication.RevisionSummary, 0, to-from+1)
	for rev := from; rev <= to; rev++ {
		rs, err := s.repo.RevisionSummary(rev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, errors.Wrapf(err, "revision %d", rev))
			return
		}
		summaries = append(summaries, rs)
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	from, err := parseU64Query(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseU64Query(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if from > to {
		writeError(w, http.StatusBadRequest, errors.New("from must be <= to"))
		return
	}
	if to-from+1 > MaxDeltaRange {
		writeError(w, http.StatusBadRequest, errors.Errorf("range exceeds %d revisions", MaxDeltaRange))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	for rev := from; rev <= to; rev++ {
		rd, err := s.repo.RevisionData(rev)
		if err != nil {
			s.log.WithError(err).WithField("rev", rev).Error("syncserver: revision data")
			return
		}
		if err := encodeRevisionData(w, rd); err != nil {
			s.log.WithError(err).Error("syncserver: write revision data")
			return
		}
	}
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	raw := r.URL.Query()["id"]
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("missing id query parameter"))
		return
	}
	if len(raw) > MaxObjectsPerRequest {
		writeError(w, http.StatusBadRequest, errors.Errorf("exceeds %d objects per request", MaxObjectsPerRequest))
		return
	}
	ids := make([]objid.ObjectId, 0, len(raw))
	for _, hex := range raw {
		id, err := objid.FromHex(hex)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrapf(err, "invalid id %q", hex))
			return
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return objid.Less(ids[i], ids[j]) })

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	lookup := func(id objid.ObjectId) ([]byte, bool) { return s.repo.GetObject(id) }
	if err := writeObjectsStream(w, ids, lookup); err != nil {
		s.log.WithError(err).Error("syncserver: write objects stream")
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg, err := replication.LoadSyncConfig(s.repo.RepoRoot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var cfg replication.SyncConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Save(s.repo.RepoRoot()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}
