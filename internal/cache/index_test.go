package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(ref string, size int64) Entry {
	return Entry{
		RemoteRef: ref,
		LocalPath: "/nonexistent/" + ref,
		SizeBytes: size,
		MediaKind: KindFromRef(ref),
	}
}

func TestIndex_MissingFileStartsEmpty(t *testing.T) {
	idx := OpenIndex(filepath.Join(t.TempDir(), "index.json"), 0, nil)

	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, int64(0), idx.TotalBytes())
	assert.Equal(t, DefaultMaxBytes, idx.MaxBytes())
}

func TestIndex_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	idx := OpenIndex(path, 1000, nil)

	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, int64(1000), idx.MaxBytes())
}

func TestIndex_PutRemoveRecomputesTotal(t *testing.T) {
	idx := OpenIndex(filepath.Join(t.TempDir(), "index.json"), 1000, nil)

	idx.Put(testEntry("a.jpg", 100))
	idx.Put(testEntry("b.mp4", 250))
	assert.Equal(t, int64(350), idx.TotalBytes())
	assert.Equal(t, int64(650), idx.AvailableBytes())

	// Upsert replaces the size rather than adding to it.
	idx.Put(testEntry("a.jpg", 50))
	assert.Equal(t, int64(300), idx.TotalBytes())
	assert.Equal(t, 2, idx.Len())

	removed, ok := idx.Remove("b.mp4")
	require.True(t, ok)
	assert.Equal(t, int64(250), removed.SizeBytes)
	assert.Equal(t, int64(50), idx.TotalBytes())

	_, ok = idx.Remove("b.mp4")
	assert.False(t, ok)
}

func TestIndex_LookupDoesNotTouch(t *testing.T) {
	idx := OpenIndex("", 1000, nil)
	idx.Put(testEntry("a", 10))
	idx.Put(testEntry("b", 10))

	_, ok := idx.Lookup("a")
	require.True(t, ok)

	candidates := idx.SelectEvictionCandidates(1)
	require.Len(t, candidates, 1)
	assert.Equal(t, "a", candidates[0].RemoteRef)
}

func TestIndex_SelectEvictionCandidates(t *testing.T) {
	idx := OpenIndex("", 1000, nil)
	idx.Put(testEntry("a", 100))
	idx.Put(testEntry("b", 200))
	idx.Put(testEntry("c", 300))
	idx.Touch("a")

	tests := []struct {
		name     string
		required int64
		want     []string
	}{
		{"zero", 0, nil},
		{"first covers", 150, []string{"b"}},
		{"exact prefix", 500, []string{"b", "c"}},
		{"needs all", 550, []string{"b", "c", "a"}},
		{"insufficient returns all", 10000, []string{"b", "c", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range idx.SelectEvictionCandidates(tt.required) {
				got = append(got, e.RemoteRef)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndex_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	idx := OpenIndex(path, 4096, nil)

	old := time.Now().Add(-time.Hour)
	a := testEntry("a.png", 10)
	a.LastUsedAt = old
	idx.Put(a)
	idx.Put(testEntry("b.png", 20))
	require.NoError(t, idx.FlushError())

	reloaded := OpenIndex(path, 0, nil)
	assert.Equal(t, 2, reloaded.Len())
	assert.Equal(t, int64(30), reloaded.TotalBytes())
	assert.Equal(t, int64(4096), reloaded.MaxBytes(), "persisted budget used when none configured")

	e, ok := reloaded.Lookup("a.png")
	require.True(t, ok)
	assert.Equal(t, KindImage, e.MediaKind)

	// Recency order survives the round trip.
	entries := reloaded.Entries()
	assert.Equal(t, "a.png", entries[0].RemoteRef)
	assert.Equal(t, "b.png", entries[1].RemoteRef)
}

func TestIndex_ConfiguredBudgetOverridesPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	OpenIndex(path, 4096, nil).Put(testEntry("a", 1))

	assert.Equal(t, int64(8192), OpenIndex(path, 8192, nil).MaxBytes())
}

func TestIndex_FlushFailureKeepsMemoryState(t *testing.T) {
	dir := t.TempDir()
	// A regular file where the index directory should be makes every flush fail.
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	idx := OpenIndex(filepath.Join(blocker, "index.json"), 1000, nil)
	idx.Put(testEntry("a", 10))

	assert.ErrorIs(t, idx.FlushError(), ErrCacheIO)
	assert.True(t, idx.Contains("a"))
	assert.Equal(t, int64(10), idx.TotalBytes())
}
