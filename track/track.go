// Package track records scalar training metrics against a run identifier,
// so they can be inspected after the job finishes.
//
// A Run writes every record as a JSON line under its tracking directory
// and, if configured with an endpoint, also POSTs each record to it. The
// run identity is taken from the process environment, so every worker of
// a distributed job reports against the same run. Each rank writes its
// own file, so concurrent multi-writer use across processes is safe.
package track

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// EnvRunID sets the run identifier shared by all workers.
	// If unset, each process generates its own.
	EnvRunID = "XTRAIN_RUN_ID"

	// EnvTrackDir overrides the directory where metric files are written.
	EnvTrackDir = "XTRAIN_TRACK_DIR"

	// EnvEndpoint, if set, is a URL that receives every record as a JSON POST.
	EnvEndpoint = "XTRAIN_TRACK_ENDPOINT"
)

// Record is one scalar metric observation.
type Record struct {
	Run   string    `json:"run"`
	Rank  int       `json:"rank"`
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// Run is a handle to an experiment run. Create it with New or FromEnv.
// Its methods are safe for concurrent use.
type Run struct {
	id       string
	rank     int
	endpoint string
	client   *http.Client

	mu   sync.Mutex
	file *os.File
}

// New creates a run handle writing to `dir`. An empty runID gets a fresh
// UUID. An empty endpoint disables remote posting.
func New(runID, dir, endpoint string, rank int) (*Run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrapf(err, "track: failed to create tracking dir %q", dir)
	}
	filePath := filepath.Join(dir, metricsFileName(rank))
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "track: failed to open metrics file %q", filePath)
	}
	return &Run{
		id:       runID,
		rank:     rank,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		file:     f,
	}, nil
}

// FromEnv creates a run handle from the process environment, falling back
// to defaultDir when EnvTrackDir is unset.
func FromEnv(defaultDir string, rank int) (*Run, error) {
	dir := os.Getenv(EnvTrackDir)
	if dir == "" {
		dir = defaultDir
	}
	return New(os.Getenv(EnvRunID), dir, os.Getenv(EnvEndpoint), rank)
}

func metricsFileName(rank int) string {
	return fmt.Sprintf("metrics-rank%d.jsonl", rank)
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Log records one scalar value. Tracking failures are reported through
// klog but never interrupt training.
func (r *Run) Log(name string, value float64) {
	rec := Record{
		Run:   r.id,
		Rank:  r.rank,
		Name:  name,
		Value: value,
		Time:  time.Now().UTC(),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		klog.Warningf("track: failed to encode metric %q: %v", name, err)
		return
	}
	r.mu.Lock()
	_, err = r.file.Write(append(data, '\n'))
	r.mu.Unlock()
	if err != nil {
		klog.Warningf("track: failed to write metric %q: %v", name, err)
	}
	if r.endpoint == "" {
		return
	}
	resp, err := r.client.Post(r.endpoint, "application/json", bytes.NewReader(data))
	if err != nil {
		klog.Warningf("track: failed to post metric %q to %s: %v", name, r.endpoint, err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		klog.Warningf("track: endpoint %s returned %s for metric %q", r.endpoint, resp.Status, name)
	}
}

// Close flushes and closes the metrics file. The Run must not be used
// afterwards.
func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
