package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/lock"
	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/metrics"
)

const (
	defaultBufferSize = 64 * 1024
	tempDirName       = "tmp"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	Directory string
	MaxBytes  int64
	// IndexFile is resolved relative to Directory unless absolute.
	IndexFile   string
	BufferSize  int
	DiskReserve int64
	// DiskFree reports the free bytes of the filesystem holding a directory.
	// Defaults to statfs.
	DiskFree func(dir string) (int64, error)
}

// Stats summarizes the cache contents.
type Stats struct {
	FileCount      int   `json:"fileCount"`
	TotalBytes     int64 `json:"totalBytes"`
	MaxBytes       int64 `json:"maxBytes"`
	AvailableBytes int64 `json:"availableBytes"`
	ImageCount     int   `json:"imageCount"`
	VideoCount     int   `json:"videoCount"`
}

// Store owns the cached files on disk and keeps the Index in step with them.
type Store struct {
	baseDir     string
	tmpDir      string
	index       *Index
	locks       *lock.Keyed
	admitMu     sync.Mutex
	bufferSize  int
	diskReserve int64
	diskFree    func(string) (int64, error)
	logger      *zap.Logger
}

// OpenStore prepares the cache directory, loads the index and drops entries
// whose files did not survive.
func OpenStore(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{
		baseDir:     cfg.Directory,
		tmpDir:      filepath.Join(cfg.Directory, tempDirName),
		locks:       lock.NewKeyed(),
		bufferSize:  cfg.BufferSize,
		diskReserve: cfg.DiskReserve,
		diskFree:    cfg.DiskFree,
		logger:      logging.Named(logger, "cache-store"),
	}
	if s.bufferSize <= 0 {
		s.bufferSize = defaultBufferSize
	}
	if s.diskFree == nil {
		s.diskFree = diskFree
	}

	// Anything left in tmp belongs to a write that never committed.
	if err := os.RemoveAll(s.tmpDir); err != nil {
		return nil, fmt.Errorf("failed to clear temp directory: %w", err)
	}
	if err := os.MkdirAll(s.tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	indexFile := cfg.IndexFile
	if indexFile == "" {
		indexFile = "index.json"
	}
	if !filepath.IsAbs(indexFile) {
		indexFile = filepath.Join(cfg.Directory, indexFile)
	}
	s.index = OpenIndex(indexFile, cfg.MaxBytes, logger)

	s.reconcile()
	s.enforceBudget()

	return s, nil
}

// enforceBudget evicts until the index fits its budget again. The budget may
// have shrunk since the index was written.
func (s *Store) enforceBudget() {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	over := s.index.TotalBytes() - s.index.MaxBytes()
	if over <= 0 {
		return
	}
	s.logger.Info("cache exceeds budget, evicting",
		zap.Int64("total_bytes", s.index.TotalBytes()),
		zap.Int64("max_bytes", s.index.MaxBytes()),
	)
	s.evictLocked(over)
}

// reconcile drops index entries whose file is missing or has the wrong size.
func (s *Store) reconcile() {
	dropped := 0
	for _, e := range s.index.Entries() {
		if err := checkFile(e); err != nil {
			s.removeFile(e.LocalPath)
			s.index.Remove(e.RemoteRef)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("dropped stale index entries", zap.Int("count", dropped))
	}
}

func generateKey(ref string) string {
	h := fnv.New128a()
	h.Write([]byte(ref))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}

// contentPath derives the storage location from the reference and kind.
func (s *Store) contentPath(ref string, kind MediaKind) string {
	key := generateKey(ref)
	return filepath.Join(s.baseDir, kind.dir(), key[:2], key+refExtension(ref))
}

func checkFile(e Entry) error {
	info, err := os.Stat(e.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	if !info.Mode().IsRegular() || info.Size() != e.SizeBytes {
		return fmt.Errorf("%w: size %d, expected %d", ErrFileMissing, info.Size(), e.SizeBytes)
	}
	return nil
}

// validate returns the entry for ref if its file is intact. A broken entry
// is removed from the index.
func (s *Store) validate(ref string) (Entry, bool) {
	e, ok := s.index.Lookup(ref)
	if !ok {
		return Entry{}, false
	}
	if err := checkFile(e); err != nil {
		s.logger.Warn("purging broken cache entry", zap.String("ref", ref), zap.Error(err))
		s.purge(e)
		metrics.RecordPurge("read")
		return Entry{}, false
	}
	return e, true
}

// purge removes a broken entry without waiting on a writer of the same ref.
// If a writer holds the ref it will replace the file itself.
func (s *Store) purge(seen Entry) {
	unlock, ok := s.locks.TryLock(seen.RemoteRef)
	if !ok {
		return
	}
	defer unlock()

	cur, exists := s.index.Lookup(seen.RemoteRef)
	if !exists || cur.LocalPath != seen.LocalPath || !cur.DownloadedAt.Equal(seen.DownloadedAt) {
		return
	}
	s.removeFile(cur.LocalPath)
	s.index.Remove(cur.RemoteRef)
}

// Read opens the cached file for ref and marks it used. It returns false if
// ref is not cached or its file turned out to be missing or truncated.
func (s *Store) Read(ref string) (io.ReadCloser, Entry, bool) {
	e, ok := s.validate(ref)
	if !ok {
		metrics.RecordLookup(false)
		return nil, Entry{}, false
	}

	f, err := os.Open(e.LocalPath)
	if err != nil {
		s.purge(e)
		metrics.RecordLookup(false)
		return nil, Entry{}, false
	}

	s.index.Touch(ref)
	metrics.RecordLookup(true)
	return f, e, true
}

// Path returns the local path for ref and marks it used.
func (s *Store) Path(ref string) (string, bool) {
	e, ok := s.validate(ref)
	metrics.RecordLookup(ok)
	if !ok {
		return "", false
	}
	s.index.Touch(ref)
	return e.LocalPath, true
}

// Contains reports whether ref is cached with an intact file. It does not
// update recency.
func (s *Store) Contains(ref string) bool {
	_, ok := s.validate(ref)
	return ok
}

// Lookup returns the index entry for ref without checking the file.
func (s *Store) Lookup(ref string) (Entry, bool) {
	return s.index.Lookup(ref)
}

// Entries returns a snapshot of the index, least recently used first.
func (s *Store) Entries() []Entry {
	return s.index.Entries()
}

// Index exposes the underlying index.
func (s *Store) Index() *Index {
	return s.index
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Write streams src into the cache under ref. estimatedSize (the declared
// length, or <= 0 if unknown) drives eviction before any byte is written.
// Content lands in a temp file and only becomes visible once the stream has
// been fully consumed, checksummed and fits the budget.
func (s *Store) Write(ctx context.Context, ref string, kind MediaKind, src io.Reader, estimatedSize int64, knownChecksum string) (Entry, error) {
	unlock := s.locks.Lock(ref)
	defer unlock()

	if old, ok := s.index.Lookup(ref); ok {
		if err := s.removeFile(old.LocalPath); err != nil {
			return Entry{}, fmt.Errorf("failed to remove previous content: %w", err)
		}
		s.index.Remove(ref)
	}

	if err := s.admit(estimatedSize); err != nil {
		return Entry{}, err
	}

	tempFile, err := os.CreateTemp(s.tmpDir, "*.tmp")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	buffer := make([]byte, s.bufferSize)
	written, err := io.CopyBuffer(io.MultiWriter(tempFile, hasher), &ctxReader{ctx: ctx, r: src}, buffer)
	if err != nil {
		tempFile.Close()
		return Entry{}, fmt.Errorf("failed to write cache data: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return Entry{}, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Entry{}, fmt.Errorf("failed to close temp file: %w", err)
	}

	if written == 0 {
		return Entry{}, ErrEmptyContent
	}
	if estimatedSize > 0 && written != estimatedSize {
		return Entry{}, fmt.Errorf("%w: got %d bytes, expected %d bytes", ErrIncomplete, written, estimatedSize)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	if knownChecksum != "" && knownChecksum != checksum {
		return Entry{}, fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, checksum, knownChecksum)
	}

	entry, err := s.commit(ref, kind, tempPath, written, checksum)
	if err != nil {
		return Entry{}, err
	}
	committed = true

	s.logger.Info("cached",
		zap.String("ref", ref),
		zap.String("kind", string(kind)),
		zap.Int64("bytes", written),
	)
	return entry, nil
}

// admit frees budget for an incoming stream of the given estimated size and
// checks that the filesystem can hold it.
func (s *Store) admit(estimatedSize int64) error {
	if estimatedSize <= 0 {
		return nil
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if max := s.index.MaxBytes(); estimatedSize > max {
		return fmt.Errorf("%w: %d bytes exceeds cache budget of %d bytes", ErrStorageInsufficient, estimatedSize, max)
	}

	if avail := s.index.AvailableBytes(); avail < estimatedSize {
		s.evictLocked(estimatedSize - avail)
	}
	if avail := s.index.AvailableBytes(); avail < estimatedSize {
		return fmt.Errorf("%w: only %d of %d bytes could be freed", ErrStorageInsufficient, avail, estimatedSize)
	}

	free, err := s.diskFree(s.baseDir)
	if err != nil {
		s.logger.Warn("could not determine free disk space", zap.Error(err))
		return nil
	}
	if free < estimatedSize+s.diskReserve {
		return fmt.Errorf("%w: %d bytes free on disk, need %d", ErrStorageInsufficient, free, estimatedSize+s.diskReserve)
	}
	return nil
}

// commit makes a fully written temp file visible as a cache entry. The
// actual size may differ from the admission estimate, so the budget is
// re-checked here.
func (s *Store) commit(ref string, kind MediaKind, tempPath string, size int64, checksum string) (Entry, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	if max := s.index.MaxBytes(); size > max {
		return Entry{}, fmt.Errorf("%w: %d bytes exceeds cache budget of %d bytes", ErrStorageInsufficient, size, max)
	}
	if over := s.index.TotalBytes() + size - s.index.MaxBytes(); over > 0 {
		s.evictLocked(over)
	}
	if s.index.TotalBytes()+size > s.index.MaxBytes() {
		return Entry{}, fmt.Errorf("%w: %d bytes do not fit the cache budget", ErrStorageInsufficient, size)
	}

	finalPath := s.contentPath(ref, kind)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return Entry{}, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Entry{}, fmt.Errorf("failed to rename temp file: %w", err)
	}

	now := time.Now()
	entry := Entry{
		RemoteRef:    ref,
		LocalPath:    finalPath,
		SizeBytes:    size,
		Checksum:     checksum,
		MediaKind:    kind,
		DownloadedAt: now,
		LastUsedAt:   now,
	}
	s.index.Put(entry)
	return entry, nil
}

// evictLocked deletes least recently used entries until at least
// requiredBytes were released or nothing is left. Must be called with
// admitMu held.
func (s *Store) evictLocked(requiredBytes int64) {
	for _, e := range s.index.SelectEvictionCandidates(requiredBytes) {
		if err := s.removeFile(e.LocalPath); err != nil {
			s.logger.Error("failed to evict cache file", zap.String("ref", e.RemoteRef), zap.Error(err))
			continue
		}
		s.index.Remove(e.RemoteRef)
		metrics.RecordEviction(e.SizeBytes)
		s.logger.Info("evicted", zap.String("ref", e.RemoteRef), zap.Int64("bytes", e.SizeBytes))
	}
}

// Delete removes the file and the index entry for ref. It returns false if
// ref was not cached or its file could not be removed.
func (s *Store) Delete(ref string) bool {
	unlock := s.locks.Lock(ref)
	defer unlock()

	e, ok := s.index.Lookup(ref)
	if !ok {
		return false
	}
	if err := s.removeFile(e.LocalPath); err != nil {
		s.logger.Error("failed to delete cache file", zap.String("ref", ref), zap.Error(err))
		return false
	}
	s.index.Remove(ref)
	return true
}

// removeFile deletes path; a file that is already gone is not an error.
func (s *Store) removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// VerifyAll re-checks every entry's file and recorded checksum, deleting the
// ones that fail. It returns the refs that were purged.
func (s *Store) VerifyAll(ctx context.Context) []string {
	var corrupt []string
	for _, e := range s.index.Entries() {
		if ctx.Err() != nil {
			break
		}
		if err := s.verifyEntry(e); err != nil {
			s.logger.Warn("integrity check failed", zap.String("ref", e.RemoteRef), zap.Error(err))
			s.Delete(e.RemoteRef)
			metrics.RecordPurge("verify")
			corrupt = append(corrupt, e.RemoteRef)
		}
	}
	return corrupt
}

func (s *Store) verifyEntry(e Entry) error {
	if err := checkFile(e); err != nil {
		return err
	}
	if e.Checksum == "" {
		return nil
	}

	sum, err := fileChecksum(e.LocalPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileMissing, err)
	}
	if sum != e.Checksum {
		return fmt.Errorf("%w: got %s, expected %s", ErrChecksumMismatch, sum, e.Checksum)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Clear deletes every cached entry and returns how many were removed.
func (s *Store) Clear() int {
	count := 0
	for _, e := range s.index.Entries() {
		if s.Delete(e.RemoteRef) {
			count++
		}
	}
	return count
}

// Stats returns counts and sizes for the current contents.
func (s *Store) Stats() Stats {
	entries := s.index.Entries()
	st := Stats{
		FileCount:      len(entries),
		TotalBytes:     s.index.TotalBytes(),
		MaxBytes:       s.index.MaxBytes(),
		AvailableBytes: s.index.AvailableBytes(),
	}
	for _, e := range entries {
		switch e.MediaKind {
		case KindImage:
			st.ImageCount++
		case KindVideo:
			st.VideoCount++
		}
	}
	return st
}
