package resolver

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/download"
	"github.com/amirmatini/offcache/internal/fetch"
	"github.com/amirmatini/offcache/internal/netstate"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, url string) (*fetch.Response, error) {
	body := "content of " + url
	return &fetch.Response{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}, nil
}

type env struct {
	resolver *Resolver
	store    *cache.Store
	sched    *download.Scheduler
	source   *netstate.StaticSource
	monitor  *netstate.Monitor
}

func newEnv(t *testing.T, state netstate.State) *env {
	t.Helper()
	store, err := cache.OpenStore(cache.StoreConfig{
		Directory: t.TempDir(),
		MaxBytes:  1 << 20,
		DiskFree:  func(string) (int64, error) { return 1 << 40, nil },
	}, nil)
	require.NoError(t, err)

	source := netstate.NewStaticSource(state)
	monitor := netstate.NewMonitor(source, time.Hour, nil)
	sched := download.NewScheduler(download.Config{IdlePollInterval: 20 * time.Millisecond}, store, stubFetcher{}, monitor, nil)
	t.Cleanup(sched.Stop)

	return &env{
		resolver: New(Config{BaseURL: "https://cdn.example.com/"}, store, sched, monitor, nil),
		store:    store,
		sched:    sched,
		source:   source,
		monitor:  monitor,
	}
}

func (e *env) put(t *testing.T, ref, content string) cache.Entry {
	t.Helper()
	entry, err := e.store.Write(context.Background(), ref, cache.KindFromRef(ref), strings.NewReader(content), int64(len(content)), "")
	require.NoError(t, err)
	return entry
}

func refs(names ...string) []cache.MediaRef {
	out := make([]cache.MediaRef, len(names))
	for i, n := range names {
		out[i] = cache.MediaRef{RemoteRef: n}
	}
	return out
}

func TestResolver_MissOnlineQueuesHighPriority(t *testing.T) {
	e := newEnv(t, netstate.Wifi)

	got := e.resolver.Resolve("media/a.jpg")
	assert.Equal(t, "https://cdn.example.com/media/a.jpg", got)

	task, ok := e.resolver.Progress("media/a.jpg")
	require.True(t, ok)
	assert.Equal(t, download.High, task.Priority)
	assert.Equal(t, download.StatusPending, task.Status)
	assert.Equal(t, cache.KindImage, task.Kind)
	assert.Equal(t, got, task.URL)
}

func TestResolver_MissOfflineDoesNotQueue(t *testing.T) {
	e := newEnv(t, netstate.Offline)

	assert.Equal(t, "https://cdn.example.com/b.mp4", e.resolver.Resolve("/b.mp4"))
	_, ok := e.resolver.Progress("/b.mp4")
	assert.False(t, ok)
}

func TestResolver_AbsoluteRefUnchanged(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	assert.Equal(t, "http://other.example.com/x.png", e.resolver.Resolve("http://other.example.com/x.png"))
}

func TestResolver_HitReturnsLocalPath(t *testing.T) {
	e := newEnv(t, netstate.Wifi)
	entry := e.put(t, "a.jpg", "jpeg bytes")

	assert.Equal(t, entry.LocalPath, e.resolver.Resolve("a.jpg"))
	_, ok := e.resolver.Progress("a.jpg")
	assert.False(t, ok, "a hit must not queue a download")
}

func TestResolver_CorruptEntryFallsBackToURL(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	entry := e.put(t, "a.jpg", "jpeg bytes")
	require.NoError(t, os.Truncate(entry.LocalPath, 2))

	assert.Equal(t, "https://cdn.example.com/a.jpg", e.resolver.Resolve("a.jpg"))
	assert.False(t, e.resolver.IsAvailableOffline("a.jpg"))
}

func TestResolver_MissThenDownloadThenHit(t *testing.T) {
	e := newEnv(t, netstate.Wifi)
	e.sched.Start(context.Background())

	assert.True(t, strings.HasPrefix(e.resolver.Resolve("clip.mp4"), "https://"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := e.sched.Await(ctx, "clip.mp4")
	require.NoError(t, err)
	require.Equal(t, download.StatusCompleted, task.Status)

	local := e.resolver.Resolve("clip.mp4")
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "content of https://cdn.example.com/clip.mp4", string(data))
}

func TestResolver_PreloadCollection(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	e.put(t, "cached.png", "png")

	n := e.resolver.PreloadCollection(refs("first.mp4", "second.jpg", "cached.png", "third.jpg"))
	assert.Equal(t, 3, n)

	first, _ := e.resolver.Progress("first.mp4")
	assert.Equal(t, download.High, first.Priority)
	for _, ref := range []string{"second.jpg", "third.jpg"} {
		task, ok := e.resolver.Progress(ref)
		require.True(t, ok)
		assert.Equal(t, download.Medium, task.Priority)
	}
	_, ok := e.resolver.Progress("cached.png")
	assert.False(t, ok)

	assert.Equal(t, 0, e.resolver.PreloadCollection(nil))
}

func TestResolver_IsCollectionCached(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	e.put(t, "a.jpg", "a")
	e.put(t, "b.jpg", "b")

	assert.True(t, e.resolver.IsCollectionCached(nil))
	assert.True(t, e.resolver.IsCollectionCached(refs("a.jpg", "b.jpg")))
	assert.False(t, e.resolver.IsCollectionCached(refs("a.jpg", "c.jpg")))
}

func TestResolver_CleanupStale(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	e.put(t, "A.jpg", "a")
	e.put(t, "B.jpg", "b")
	e.put(t, "C.jpg", "c")

	removed := e.resolver.CleanupStale([]string{"A.jpg", "B.jpg"})

	assert.Equal(t, []string{"C.jpg"}, removed)
	assert.True(t, e.resolver.IsAvailableOffline("A.jpg"))
	assert.True(t, e.resolver.IsAvailableOffline("B.jpg"))
	assert.False(t, e.resolver.IsAvailableOffline("C.jpg"))
}

func TestResolver_StatsVerifyClear(t *testing.T) {
	e := newEnv(t, netstate.Offline)
	e.put(t, "a.jpg", "aaaa")
	bad := e.put(t, "b.mp4", "bbbb")
	e.resolver.Resolve("pending.png")

	st := e.resolver.Stats()
	assert.Equal(t, 2, st.FileCount)
	assert.Equal(t, 1, st.ImageCount)
	assert.Equal(t, 1, st.VideoCount)
	assert.Equal(t, int64(8), st.TotalBytes)
	assert.Equal(t, st.MaxBytes-8, st.AvailableBytes)

	require.NoError(t, os.WriteFile(bad.LocalPath, bytes.Repeat([]byte("x"), 4), 0644))
	assert.Equal(t, []string{"b.mp4"}, e.resolver.VerifyIntegrity(context.Background()))

	e.source.Set(netstate.Wifi)
	e.monitor.Refresh(context.Background())
	e.resolver.Resolve("pending.png")

	assert.Equal(t, 1, e.resolver.ClearAll())
	assert.Equal(t, 0, e.resolver.Stats().FileCount)
	task, _ := e.resolver.Progress("pending.png")
	assert.Equal(t, download.StatusCancelled, task.Status)
}
