// Package discovery persists resolved monitor ids to disk so a restart
// does not need to round-trip the control plane for monitors it has
// already created, mirroring the teacher's BMH server cache.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Entry is one cached monitor: the topic filter it was created for and
// the server-assigned id returned by the control plane.
type Entry struct {
	Topics    []string `json:"topics"`
	MonitorID string   `json:"monitorId"`
}

// MonitorCache persists the topic-filter -> monitor-id mapping to a JSON
// file, atomically, the same tmp-file-then-rename pattern as the
// teacher's discovery.Cache.
type MonitorCache struct {
	path string
	mu   sync.Mutex
}

// NewMonitorCache creates a cache rooted at dataDir/monitor-cache.json.
func NewMonitorCache(dataDir string) *MonitorCache {
	return &MonitorCache{path: filepath.Join(dataDir, "monitor-cache.json")}
}

// Load reads cached entries from disk, keyed by the cache key passed to
// Save. Returns nil if no cache file exists yet.
func (c *MonitorCache) Load() map[string]Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("discovery: failed to read monitor cache: %v", err)
		}
		return nil
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Warnf("discovery: failed to parse monitor cache: %v", err)
		return nil
	}

	log.Infof("discovery: loaded %d cached monitors", len(entries))
	return entries
}

// Save writes the current entry map to disk atomically.
func (c *MonitorCache) Save(entries map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		log.Warnf("discovery: failed to marshal monitor cache: %v", err)
		return
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warnf("discovery: failed to create cache dir: %v", err)
		return
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Warnf("discovery: failed to write monitor cache tmp: %v", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		log.Warnf("discovery: failed to rename monitor cache: %v", err)
		os.Remove(tmp)
		return
	}

	log.Debugf("discovery: saved %d monitors to cache", len(entries))
}

// Key derives a cache key from a topic filter by joining the topics with
// commas in the order given, so monitors created for the same topic list
// share one cache entry. The same topics in a different order give a
// different key.
func Key(topics []string) string {
	joined := ""
	for i, t := range topics {
		if i > 0 {
			joined += ","
		}
		joined += t
	}
	return joined
}
