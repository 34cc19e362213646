package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cache:\n  directory: /tmp/media\n"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/media", cfg.Cache.Directory)
	assert.Equal(t, 5*GiB, cfg.Cache.MaxSize)
	assert.Equal(t, 2, cfg.Download.Workers)
	assert.False(t, cfg.Download.AllowCellular)
	assert.Equal(t, 60*time.Second, cfg.HTTP.ReadIdleTimeout)
	assert.Equal(t, "index.json", cfg.Cache.IndexFile)
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Values(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
cache:
  max_size: 100Mi
  disk_reserve: 1GB
download:
  base_url: https://cdn.example.com/media
  workers: 4
  allow_cellular: true
  cellular_rate_limit: 256Ki
http:
  read_idle_timeout: 15s
egress:
  enabled: true
  proxy_type: socks5
  proxy_url: socks5://127.0.0.1:1080
network:
  force_state: wifi
`))
	require.NoError(t, err)

	assert.Equal(t, 100*MiB, cfg.Cache.MaxSize)
	assert.Equal(t, GB, cfg.Cache.DiskReserve)
	assert.Equal(t, 4, cfg.Download.Workers)
	assert.True(t, cfg.Download.AllowCellular)
	assert.Equal(t, 256*KiB, cfg.Download.CellularRateLimit)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadIdleTimeout)
	assert.Equal(t, "wifi", cfg.Network.ForceState)
}

func TestLoad_InvalidEgress(t *testing.T) {
	_, err := Load(writeConfig(t, "egress:\n  enabled: true\n  proxy_type: ftp\n  proxy_url: x\n"))
	assert.Error(t, err)
}

func TestLoad_InvalidForceState(t *testing.T) {
	_, err := Load(writeConfig(t, "network:\n  force_state: ethernet\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"5Gi", 5 * GiB},
		{"500Mi", 500 * MiB},
		{"100MB", 100 * MB},
		{"1.5Ki", 1536},
		{" 2 gib ", 2 * GiB},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "abc", "10XB", "-5"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}
