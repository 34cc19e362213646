package commands

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/amirmatini/offcache/internal/cache"
	"github.com/amirmatini/offcache/internal/catalog"
	"github.com/amirmatini/offcache/internal/config"
	"github.com/amirmatini/offcache/internal/download"
	"github.com/amirmatini/offcache/internal/fetch"
	"github.com/amirmatini/offcache/internal/logging"
	"github.com/amirmatini/offcache/internal/netstate"
	"github.com/amirmatini/offcache/internal/resolver"
)

// app holds the wired components. Nothing is started by newApp.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *cache.Store
	monitor  *netstate.Monitor
	sched    *download.Scheduler
	resolver *resolver.Resolver
	catalog  *catalog.ManifestCatalog
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	logger := logging.L()

	store, err := cache.OpenStore(cache.StoreConfig{
		Directory:   cfg.Cache.Directory,
		MaxBytes:    cfg.Cache.MaxSize.Int64(),
		IndexFile:   cfg.Cache.IndexFile,
		BufferSize:  cfg.Cache.BufferSizeKB * 1024,
		DiskReserve: cfg.Cache.DiskReserve.Int64(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	fetchCfg := fetch.Config{
		ConnectTimeout:        cfg.HTTP.ConnectTimeout,
		ResponseHeaderTimeout: cfg.HTTP.ResponseHeaderTimeout,
		ReadIdleTimeout:       cfg.HTTP.ReadIdleTimeout,
		UserAgent:             cfg.HTTP.UserAgent,
	}
	if cfg.Egress.Enabled {
		fetchCfg.ProxyType = cfg.Egress.ProxyType
		fetchCfg.ProxyURL = cfg.Egress.ProxyURL
	}
	fetcher, err := fetch.NewHTTPFetcher(fetchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	source, err := networkSource(cfg.Network)
	if err != nil {
		return nil, err
	}
	monitor := netstate.NewMonitor(source, cfg.Network.PollInterval, logger)

	sched := download.NewScheduler(download.Config{
		Workers:           cfg.Download.Workers,
		AllowCellular:     cfg.Download.AllowCellular,
		IdlePollInterval:  cfg.Download.IdlePollInterval,
		CellularRateLimit: cfg.Download.CellularRateLimit.Int64(),
	}, store, fetcher, monitor, logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		monitor:  monitor,
		sched:    sched,
		resolver: resolver.New(resolver.Config{BaseURL: cfg.Download.BaseURL}, store, sched, monitor, logger),
	}
	if cfg.Catalog.Manifest != "" {
		a.catalog = catalog.NewManifestCatalog(cfg.Catalog.Manifest, logger)
	}
	return a, nil
}

func networkSource(cfg config.NetworkConfig) (netstate.Source, error) {
	if cfg.ForceState != "" {
		state, err := netstate.ParseState(cfg.ForceState)
		if err != nil {
			return nil, err
		}
		return netstate.NewStaticSource(state), nil
	}
	return netstate.NewInterfaceSource(cfg.WifiInterfaces, cfg.CellularInterfaces, cfg.ProbeURL), nil
}
