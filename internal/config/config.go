package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Download DownloadConfig `yaml:"download"`
	HTTP     HTTPConfig     `yaml:"http"`
	Egress   EgressConfig   `yaml:"egress"`
	Network  NetworkConfig  `yaml:"network"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type CacheConfig struct {
	Directory    string   `yaml:"directory"`
	MaxSize      ByteSize `yaml:"max_size"`
	IndexFile    string   `yaml:"index_file"`
	BufferSizeKB int      `yaml:"buffer_size_kb"`
	// DiskReserve is kept free on the cache filesystem on top of each write.
	DiskReserve ByteSize `yaml:"disk_reserve"`
}

type DownloadConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Workers           int           `yaml:"workers"`
	AllowCellular     bool          `yaml:"allow_cellular"`
	IdlePollInterval  time.Duration `yaml:"idle_poll_interval"`
	CellularRateLimit ByteSize      `yaml:"cellular_rate_limit"` // bytes per second, 0 = unlimited
}

type HTTPConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	ReadIdleTimeout       time.Duration `yaml:"read_idle_timeout"`
	UserAgent             string        `yaml:"user_agent"`
}

type EgressConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProxyType string `yaml:"proxy_type"` // http, socks5
	ProxyURL  string `yaml:"proxy_url"`
}

type NetworkConfig struct {
	ProbeURL           string        `yaml:"probe_url"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	WifiInterfaces     []string      `yaml:"wifi_interfaces"`
	CellularInterfaces []string      `yaml:"cellular_interfaces"`
	// ForceState pins the network state (wifi, cellular, offline) instead of
	// inspecting interfaces.
	ForceState string `yaml:"force_state"`
}

type CatalogConfig struct {
	Manifest string `yaml:"manifest"`
	Watch    bool   `yaml:"watch"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file. An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Cache.Directory == "" {
		c.Cache.Directory = "/var/cache/offcache"
	}
	if c.Cache.MaxSize <= 0 {
		c.Cache.MaxSize = 5 * GiB
	}
	if c.Cache.IndexFile == "" {
		c.Cache.IndexFile = "index.json"
	}
	if c.Cache.BufferSizeKB == 0 {
		c.Cache.BufferSizeKB = 64
	}
	if c.Download.Workers <= 0 {
		c.Download.Workers = 2
	}
	if c.Download.IdlePollInterval == 0 {
		c.Download.IdlePollInterval = 2 * time.Second
	}
	if c.HTTP.ConnectTimeout == 0 {
		c.HTTP.ConnectTimeout = 10 * time.Second
	}
	if c.HTTP.ResponseHeaderTimeout == 0 {
		c.HTTP.ResponseHeaderTimeout = 30 * time.Second
	}
	if c.HTTP.ReadIdleTimeout == 0 {
		c.HTTP.ReadIdleTimeout = 60 * time.Second
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "offcache/1.0"
	}
	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = 5 * time.Second
	}
	if len(c.Network.WifiInterfaces) == 0 {
		c.Network.WifiInterfaces = []string{"wl", "eth", "en"}
	}
	if len(c.Network.CellularInterfaces) == 0 {
		c.Network.CellularInterfaces = []string{"wwan", "rmnet", "ppp", "usb"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9180"
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Egress.Enabled {
		switch c.Egress.ProxyType {
		case "http", "socks5":
		default:
			return fmt.Errorf("unsupported egress proxy type: %q", c.Egress.ProxyType)
		}
		if c.Egress.ProxyURL == "" {
			return errors.New("egress proxy_url is required when egress is enabled")
		}
	}

	switch c.Network.ForceState {
	case "", "wifi", "cellular", "offline":
	default:
		return fmt.Errorf("invalid network force_state: %q", c.Network.ForceState)
	}

	if c.Cache.DiskReserve < 0 || c.Download.CellularRateLimit < 0 {
		return errors.New("byte sizes must not be negative")
	}

	return nil
}
