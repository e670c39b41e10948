package geoloc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/subflow-proxy/subflow/internal/model"
)

// v6Shard is the reserved bucket for IPv6 and otherwise unshardable keys.
const v6Shard = "v6"

// DiskCache persists geolocation results under dir, sharded by the first
// dotted octet of the IPv4 address to bound per-write rewrite cost.
// All writes are serialised behind a single mutex.
type DiskCache struct {
	mu  sync.Mutex
	dir string
}

// NewDiskCache creates the cache directory if needed.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("geoloc: create cache dir: %w", err)
	}
	return &DiskCache{dir: dir}, nil
}

// shardFor maps an IP literal to its shard name.
func shardFor(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return v6Shard
	}
	octet, _, _ := strings.Cut(ip, ".")
	return octet
}

// isShardName reports whether a file base name (sans extension) is one of
// the names shardFor can produce. Other stores keep unrelated JSON files in
// the same directory; those must never be treated as shards.
func isShardName(name string) bool {
	if name == v6Shard {
		return true
	}
	n, err := strconv.Atoi(name)
	return err == nil && n >= 0 && n <= 255 && name == strconv.Itoa(n)
}

func (c *DiskCache) shardPath(shard string) string {
	return filepath.Join(c.dir, shard+".json")
}

// Get returns the cached entry for ip when present and not expired.
func (c *DiskCache) Get(ip string, now time.Time) (model.GeoCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.loadShard(shardFor(ip))
	if err != nil {
		return model.GeoCacheEntry{}, false
	}
	entry, ok := entries[ip]
	if !ok || entry.Expired(now) {
		return model.GeoCacheEntry{}, false
	}
	return entry, true
}

// Put writes the entry through to its shard file. The shard is rewritten in
// full; cardinality per shard is low so the cost is modest.
func (c *DiskCache) Put(entry model.GeoCacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	shard := shardFor(entry.IP)
	entries, err := c.loadShard(shard)
	if err != nil {
		entries = map[string]model.GeoCacheEntry{}
	}
	entries[entry.IP] = entry
	return c.writeShard(shard, entries)
}

// Purge removes expired entries from every shard. Called from the scheduled
// maintenance pass, never from the lookup path.
func (c *DiskCache) Purge(now time.Time) (removed int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		shard := strings.TrimSuffix(filepath.Base(path), ".json")
		if !isShardName(shard) {
			continue
		}
		entries, loadErr := c.loadShard(shard)
		if loadErr != nil {
			continue
		}
		dirty := false
		for ip, entry := range entries {
			if entry.Expired(now) {
				delete(entries, ip)
				removed++
				dirty = true
			}
		}
		if dirty {
			if writeErr := c.writeShard(shard, entries); writeErr != nil && err == nil {
				err = writeErr
			}
		}
	}
	return removed, err
}

func (c *DiskCache) loadShard(shard string) (map[string]model.GeoCacheEntry, error) {
	data, err := os.ReadFile(c.shardPath(shard))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]model.GeoCacheEntry{}, nil
		}
		return nil, err
	}
	entries := map[string]model.GeoCacheEntry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		// Corrupt shard: start over rather than poisoning lookups.
		return map[string]model.GeoCacheEntry{}, nil
	}
	return entries, nil
}

// writeShard writes atomically: temp file then rename.
func (c *DiskCache) writeShard(shard string, entries map[string]model.GeoCacheEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("geoloc: marshal shard %s: %w", shard, err)
	}
	tmp, err := os.CreateTemp(c.dir, shard+".tmp.*")
	if err != nil {
		return fmt.Errorf("geoloc: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("geoloc: write temp: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, c.shardPath(shard)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("geoloc: replace shard: %w", err)
	}
	return nil
}
