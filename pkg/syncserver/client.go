package syncserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"dsvn/pkg/objid"
	"dsvn/pkg/replication"
)

// HTTPClient drives a remote repository's /sync/* endpoints over HTTP,
// implementing replication.SourceClient for Engine.Pull.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a client against baseURL (e.g. "http://host:8090").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *HTTPClient) get(path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return nil, errors.Wrapf(err, "syncserver: GET %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("syncserver: GET %s: %s: %s", path, resp.Status, string(body))
	}
	return resp, nil
}

// Info fetches /sync/info.
func (c *HTTPClient) Info() (replication.RepositoryInfo, error) {
	resp, err := c.get("/sync/info", nil)
	if err != nil {
		return replication.RepositoryInfo{}, err
	}
	defer resp.Body.Close()

	var body syncInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return replication.RepositoryInfo{}, errors.Wrap(err, "syncserver: decode /sync/info")
	}
	return replication.RepositoryInfo{
		UUID:            body.UUID,
		HeadRev:         body.HeadRev,
		ProtocolVersion: body.ProtocolVersion,
		Capabilities:    body.Capabilities,
	}, nil
}

// Revs fetches /sync/revs?from=&to=.
func (c *HTTPClient) Revs(from, to uint64) ([]replication.RevisionSummary, error) {
	query := url.Values{"from": {fmt.Sprint(from)}, "to": {fmt.Sprint(to)}}
	resp, err := c.get("/sync/revs", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var summaries []replication.RevisionSummary
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		return nil, errors.Wrap(err, "syncserver: decode /sync/revs")
	}
	return summaries, nil
}

// Delta fetches /sync/delta?from=&to= and decodes the binary revision
// stream.
func (c *HTTPClient) Delta(from, to uint64) ([]replication.RevisionData, error) {
	query := url.Values{"from": {fmt.Sprint(from)}, "to": {fmt.Sprint(to)}}
	resp, err := c.get("/sync/delta", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []replication.RevisionData
	for rev := from; rev <= to; rev++ {
		rd, err := decodeRevisionData(resp.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "syncserver: decode revision %d from /sync/delta", rev)
		}
		out = append(out, rd)
	}
	return out, nil
}

// FetchObjects fetches /sync/objects?id=...&id=... and decodes the binary
// object stream. The server caps the number of ids per request.
func (c *HTTPClient) FetchObjects(ids []objid.ObjectId) (map[objid.ObjectId][]byte, error) {
	query := url.Values{}
	for _, id := range ids {
		query.Add("id", id.String())
	}
	resp, err := c.get("/sync/objects", query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return readObjectsStream(resp.Body)
}

// GetSyncConfig fetches /sync/config.
func (c *HTTPClient) GetSyncConfig() (*replication.SyncConfig, error) {
	resp, err := c.get("/sync/config", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var cfg replication.SyncConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "syncserver: decode /sync/config")
	}
	return &cfg, nil
}

// PutSyncConfig posts cfg to /sync/config.
func (c *HTTPClient) PutSyncConfig(cfg *replication.SyncConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "syncserver: marshal sync config")
	}
	resp, err := c.http.Post(c.baseURL+"/sync/config", "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "syncserver: POST /sync/config")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return errors.Errorf("syncserver: POST /sync/config: %s: %s", resp.Status, string(b))
	}
	return nil
}
