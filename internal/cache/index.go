package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/metrics"
)

// DefaultMaxBytes is the budget used when none is configured or persisted.
const DefaultMaxBytes int64 = 5 << 30

// indexRecord is the persisted form of the index.
type indexRecord struct {
	Entries     []Entry   `json:"entries"`
	TotalBytes  int64     `json:"totalBytes"`
	MaxBytes    int64     `json:"maxBytes"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Index is the persisted map of cache entries. It keeps entries in recency
// order (front = most recently used) and flushes itself to disk after every
// mutation. Mutations are serialized; reads take a shared lock and return
// copies.
type Index struct {
	path   string
	logger *zap.Logger

	mu          sync.RWMutex
	items       map[string]*list.Element
	recency     *list.List
	totalBytes  int64
	maxBytes    int64
	lastUpdated time.Time
	flushErr    error
}

// OpenIndex loads the index stored at path. A missing or unparsable file
// yields an empty index. maxBytes overrides the persisted budget when
// positive; otherwise the persisted budget, then DefaultMaxBytes, is used.
func OpenIndex(path string, maxBytes int64, logger *zap.Logger) *Index {
	idx := &Index{
		path:    path,
		logger:  logging.Named(logger, "cache-index"),
		items:   make(map[string]*list.Element),
		recency: list.New(),
	}

	rec, err := readIndexRecord(path)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		idx.logger.Debug("no index file, starting empty", zap.String("path", path))
	default:
		idx.logger.Warn("discarding unreadable index", zap.String("path", path), zap.Error(err))
	}

	idx.maxBytes = maxBytes
	if idx.maxBytes <= 0 {
		idx.maxBytes = rec.MaxBytes
	}
	if idx.maxBytes <= 0 {
		idx.maxBytes = DefaultMaxBytes
	}

	// Oldest first so that PushFront leaves the most recent at the front.
	sort.SliceStable(rec.Entries, func(i, j int) bool {
		return rec.Entries[i].LastUsedAt.Before(rec.Entries[j].LastUsedAt)
	})
	for _, e := range rec.Entries {
		if e.RemoteRef == "" {
			continue
		}
		entry := e
		if elem, ok := idx.items[entry.RemoteRef]; ok {
			idx.recency.Remove(elem)
		}
		idx.items[entry.RemoteRef] = idx.recency.PushFront(&entry)
	}
	idx.lastUpdated = rec.LastUpdated
	idx.recomputeLocked()

	return idx
}

func readIndexRecord(path string) (indexRecord, error) {
	var rec indexRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return indexRecord{}, err
	}
	return rec, nil
}

// Lookup returns the entry for ref. It does not update recency.
func (idx *Index) Lookup(ref string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	elem, ok := idx.items[ref]
	if !ok {
		return Entry{}, false
	}
	return *elem.Value.(*Entry), true
}

// Put inserts or replaces an entry and marks it most recently used. When
// replacing, the caller must already have removed the previous file.
func (idx *Index) Put(e Entry) {
	if e.LastUsedAt.IsZero() {
		e.LastUsedAt = time.Now()
	}
	if e.DownloadedAt.IsZero() {
		e.DownloadedAt = e.LastUsedAt
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if elem, ok := idx.items[e.RemoteRef]; ok {
		*elem.Value.(*Entry) = e
		idx.recency.MoveToFront(elem)
	} else {
		entry := e
		idx.items[e.RemoteRef] = idx.recency.PushFront(&entry)
	}
	idx.mutatedLocked()
}

// Remove drops the bookkeeping for ref and returns the removed entry.
// The file itself is left alone.
func (idx *Index) Remove(ref string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	elem, ok := idx.items[ref]
	if !ok {
		return Entry{}, false
	}
	idx.recency.Remove(elem)
	delete(idx.items, ref)
	idx.mutatedLocked()
	return *elem.Value.(*Entry), true
}

// Touch marks ref as used now.
func (idx *Index) Touch(ref string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	elem, ok := idx.items[ref]
	if !ok {
		return false
	}
	elem.Value.(*Entry).LastUsedAt = time.Now()
	idx.recency.MoveToFront(elem)
	idx.mutatedLocked()
	return true
}

// SelectEvictionCandidates returns entries from least to most recently used,
// stopping at the shortest prefix whose sizes add up to requiredBytes. If the
// whole index is not enough, every entry is returned.
func (idx *Index) SelectEvictionCandidates(requiredBytes int64) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var (
		out   []Entry
		freed int64
	)
	for elem := idx.recency.Back(); elem != nil && freed < requiredBytes; elem = elem.Prev() {
		e := *elem.Value.(*Entry)
		out = append(out, e)
		freed += e.SizeBytes
	}
	return out
}

// Entries returns a snapshot of every entry, least recently used first.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]Entry, 0, len(idx.items))
	for elem := idx.recency.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, *elem.Value.(*Entry))
	}
	return out
}

// Contains reports whether ref has an entry.
func (idx *Index) Contains(ref string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.items[ref]
	return ok
}

func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.items)
}

func (idx *Index) TotalBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalBytes
}

func (idx *Index) MaxBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxBytes
}

// AvailableBytes returns maxBytes - totalBytes.
func (idx *Index) AvailableBytes() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.maxBytes - idx.totalBytes
}

// LastUpdated returns the time of the last mutation.
func (idx *Index) LastUpdated() time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastUpdated
}

// FlushError returns the error of the most recent failed flush, or nil if
// the last flush succeeded.
func (idx *Index) FlushError() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.flushErr
}

// Flush writes the index to disk.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.flushLocked()
}

// recomputeLocked rebuilds totalBytes from the entries. Must be called with
// the write lock held.
func (idx *Index) recomputeLocked() {
	var total int64
	for _, elem := range idx.items {
		total += elem.Value.(*Entry).SizeBytes
	}
	idx.totalBytes = total
	metrics.SetCacheUsage(idx.totalBytes, idx.maxBytes, len(idx.items))
}

func (idx *Index) mutatedLocked() {
	idx.recomputeLocked()
	idx.lastUpdated = time.Now()
	if err := idx.flushLocked(); err != nil {
		idx.logger.Warn("index flush failed, keeping in-memory state", zap.Error(err))
	}
}

func (idx *Index) flushLocked() error {
	if idx.path == "" {
		return nil
	}

	rec := indexRecord{
		Entries:     make([]Entry, 0, len(idx.items)),
		TotalBytes:  idx.totalBytes,
		MaxBytes:    idx.maxBytes,
		LastUpdated: idx.lastUpdated,
	}
	for elem := idx.recency.Back(); elem != nil; elem = elem.Prev() {
		rec.Entries = append(rec.Entries, *elem.Value.(*Entry))
	}

	idx.flushErr = writeIndexRecord(idx.path, rec)
	return idx.flushErr
}

func writeIndexRecord(path string, rec indexRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode index: %v", ErrCacheIO, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%w: create index directory: %v", ErrCacheIO, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: write index: %v", ErrCacheIO, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%w: rename index: %v", ErrCacheIO, err)
	}
	return nil
}
