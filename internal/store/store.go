// Package store persists run state as flat JSON files under the data
// directory: sync status, node snapshots, the probe report, and the
// egress-proxy cache.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/subflow-proxy/subflow/internal/model"
)

const (
	syncStatusFile  = "sync_status.json"
	rawNodesFile    = "raw_nodes.json"
	finalNodesFile  = "final_nodes.json"
	testReportFile  = "test_report.json"
	ipCacheDir      = "ip_cache"
	egressProxyFile = "china_proxies.json"
)

// Store owns the data directory layout.
type Store struct {
	dataDir string
}

// New creates the data directory if needed.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// IPCacheDir is where the geolocation disk cache keeps its shards.
func (s *Store) IPCacheDir() string {
	return filepath.Join(s.dataDir, ipCacheDir)
}

// LoadSyncStatus returns the previous run's status. A missing file yields a
// zero status, not an error; the first run has no history.
func (s *Store) LoadSyncStatus() (model.SyncStatus, error) {
	var status model.SyncStatus
	err := s.readJSON(syncStatusFile, &status)
	if os.IsNotExist(err) {
		return model.SyncStatus{}, nil
	}
	return status, err
}

// SaveSyncStatus persists the status of the run that just finished.
func (s *Store) SaveSyncStatus(status model.SyncStatus) error {
	return s.writeJSON(syncStatusFile, status)
}

// SaveRawNodes writes the post-parse debugging snapshot.
func (s *Store) SaveRawNodes(nodes []*model.Node) error {
	return s.writeJSON(rawNodesFile, nodes)
}

// SaveFinalNodes writes the post-probe, post-filter snapshot.
func (s *Store) SaveFinalNodes(nodes []*model.Node) error {
	return s.writeJSON(finalNodesFile, nodes)
}

// TestReport is the persisted per-run probe report.
type TestReport struct {
	RunAt    time.Time     `json:"run_at"`
	Total    int           `json:"total"`
	Up       int           `json:"up"`
	Down     int           `json:"down"`
	Demoted  int           `json:"demoted"`
	Duration time.Duration `json:"duration_ns"`
	Nodes    []ReportEntry `json:"nodes"`
}

// ReportEntry is one node's probe outcome in the report.
type ReportEntry struct {
	Name      string `json:"name"`
	Server    string `json:"server"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SaveTestReport persists the probe report for the run.
func (s *Store) SaveTestReport(report TestReport) error {
	return s.writeJSON(testReportFile, report)
}

// LoadEgressProxies returns the cached egress-proxy URIs from the previous
// run. A missing cache is an empty list.
func (s *Store) LoadEgressProxies() ([]string, error) {
	var proxies []string
	err := s.readJSON(filepath.Join(ipCacheDir, egressProxyFile), &proxies)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return proxies, err
}

// SaveEgressProxies rewrites the egress-proxy cache.
func (s *Store) SaveEgressProxies(proxies []string) error {
	if err := os.MkdirAll(s.IPCacheDir(), 0o755); err != nil {
		return fmt.Errorf("store: create ip cache dir: %w", err)
	}
	return s.writeJSON(filepath.Join(ipCacheDir, egressProxyFile), proxies)
}

func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", name, err)
	}
	return nil
}

// writeJSON writes atomically: temp file then rename.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", name, err)
	}
	path := filepath.Join(s.dataDir, name)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".store.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: replace %s: %w", name, err)
	}
	return nil
}
