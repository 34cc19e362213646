package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirmatini/offcache/internal/config"
	"github.com/amirmatini/offcache/internal/download"
	"github.com/amirmatini/offcache/internal/netstate"
)

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Directory = t.TempDir()
	cfg.Cache.MaxSize = 1 * config.MiB
	cfg.Network.ForceState = "offline"
	cfg.Download.BaseURL = "https://cdn.example.com"

	a, err := newApp(cfg)
	require.NoError(t, err)
	return a
}

func TestNewApp_ForcedNetworkState(t *testing.T) {
	a := testApp(t)
	assert.Equal(t, netstate.Offline, a.monitor.Current())
	assert.Nil(t, a.catalog)
	assert.Equal(t, int64(config.MiB), a.resolver.Stats().MaxBytes)
}

func TestNetworkSource_InvalidForceState(t *testing.T) {
	_, err := networkSource(config.NetworkConfig{ForceState: "satellite"})
	assert.Error(t, err)
}

func TestDiagnosticsHandler(t *testing.T) {
	a := testApp(t)
	_, err := a.store.Write(context.Background(), "a.jpg", "image", strings.NewReader("jpeg"), 4, "")
	require.NoError(t, err)
	a.sched.Enqueue("b.mp4", "https://cdn.example.com/b.mp4", "video", download.Medium)

	srv := httptest.NewServer(diagnosticsHandler(a.resolver, a.sched))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, "offline", stats["network"])
	assert.Equal(t, float64(1), stats["cache"].(map[string]any)["fileCount"])
	assert.Equal(t, float64(1), stats["downloads"].(map[string]any)["pending"])

	resp, err = http.Get(srv.URL + "/tasks?ref=b.mp4")
	require.NoError(t, err)
	defer resp.Body.Close()

	var task download.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	assert.Equal(t, "b.mp4", task.RemoteRef)
	assert.Equal(t, download.StatusPending, task.Status)

	resp, err = http.Get(srv.URL + "/tasks?ref=none")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
