// Package tracelog records one line per decoded publish message per
// monitor, for post-hoc debugging of what a session actually received.
// It is adapted from the teacher's logs.Writer: same per-key file
// ownership and retention sweep, with the ANSI-cleaning and
// screen-redraw dedup logic dropped since a frame trace has no
// terminal-control-sequence noise to clean.
package tracelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one traced publish message.
type Entry struct {
	Time        time.Time `json:"time"`
	BlockID     uint16    `json:"blockId"`
	PayloadSize int       `json:"payloadSize"`
	Acked       bool      `json:"acked"`
}

// Writer owns one append-only trace file per monitor, under
// basePath/<monitorID>/.
type Writer struct {
	basePath      string
	retentionDays int

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates a trace writer rooted at basePath. retentionDays <= 0
// disables the Cleanup sweep.
func New(basePath string, retentionDays int) *Writer {
	return &Writer{
		basePath:      basePath,
		retentionDays: retentionDays,
		files:         make(map[string]*os.File),
	}
}

// Record appends one trace entry for monitorKey (typically the monitor
// id as a string). Failures are logged and otherwise swallowed: tracing
// must never be allowed to affect the callback-invocation path.
func (w *Writer) Record(monitorKey string, entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.getOrCreateFile(monitorKey)
	if err != nil {
		log.Warnf("tracelog: failed to open trace file for %s: %v", monitorKey, err)
		return
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Warnf("tracelog: failed to encode trace entry: %v", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		log.Warnf("tracelog: failed to write trace entry for %s: %v", monitorKey, err)
	}
}

func (w *Writer) getOrCreateFile(monitorKey string) (*os.File, error) {
	if f, ok := w.files[monitorKey]; ok {
		return f, nil
	}

	dir := filepath.Join(w.basePath, monitorKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating trace directory: %w", err)
	}

	path := filepath.Join(dir, "trace.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening trace file: %w", err)
	}

	w.files[monitorKey] = f
	return f, nil
}

// Tail returns up to n of the most recent trace lines for monitorKey,
// oldest first, for the debug HTTP surface.
func (w *Writer) Tail(monitorKey string, n int) ([]Entry, error) {
	w.mu.Lock()
	if f, ok := w.files[monitorKey]; ok {
		f.Sync()
	}
	w.mu.Unlock()

	path := filepath.Join(w.basePath, monitorKey, "trace.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var all []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		all = append(all, e)
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Cleanup removes the trace directory of every monitor whose trace file
// has not been written for longer than retentionDays, closing the open
// file handle first so later Records reopen a fresh file.
func (w *Writer) Cleanup() {
	if w.retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -w.retentionDays)

	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return
	}

	type dirEntry struct {
		name    string
		modTime time.Time
	}
	var dirs []dirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(w.basePath, e.Name(), "trace.jsonl"))
		if err != nil {
			continue
		}
		dirs = append(dirs, dirEntry{e.Name(), info.ModTime()})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.Before(dirs[j].modTime) })

	for _, d := range dirs {
		if d.modTime.Before(cutoff) {
			w.mu.Lock()
			if f, ok := w.files[d.name]; ok {
				f.Close()
				delete(w.files, d.name)
			}
			w.mu.Unlock()
			path := filepath.Join(w.basePath, d.name)
			os.RemoveAll(path)
			log.Infof("tracelog: removed stale trace directory %s", path)
		}
	}
}

// Close closes every open trace file.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
}
