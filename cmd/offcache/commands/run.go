package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirmatini/offcache/internal/catalog"
	"github.com/amirmatini/offcache/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the download scheduler in the foreground",
	Long: `Run watches connectivity, keeps the catalog's collections preloaded and
serves diagnostics until interrupted.

Examples:
  # Run with defaults
  offcache run

  # Run with a config file
  offcache run --config /etc/offcache/config.yaml`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync() }()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	log := a.logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := a.resolver.Stats()
	log.Info("starting offcache",
		zap.String("version", Version),
		zap.String("cache_dir", cfg.Cache.Directory),
		zap.Int("entries", st.FileCount),
		zap.Int64("total_bytes", st.TotalBytes),
		zap.Int64("max_bytes", st.MaxBytes),
		zap.Stringer("network", a.monitor.Current()),
	)

	a.monitor.Start(ctx)
	defer a.monitor.Stop()
	a.sched.Start(ctx)
	defer a.resolver.Shutdown()

	g, gctx := errgroup.WithContext(ctx)

	if a.catalog != nil {
		syncCatalog := func() {
			if _, err := catalog.Sync(gctx, a.catalog, a.resolver, log); err != nil {
				log.Error("catalog sync failed", zap.Error(err))
			}
		}
		syncCatalog()

		if cfg.Catalog.Watch {
			g.Go(func() error {
				return a.catalog.Watch(gctx, syncCatalog)
			})
		}
	}

	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           diagnosticsHandler(a.resolver, a.sched),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("diagnostics listening", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	log.Info("shutting down")
	err = g.Wait()

	st = a.resolver.Stats()
	log.Info("offcache stopped", zap.Int("entries", st.FileCount), zap.Int64("total_bytes", st.TotalBytes))
	return err
}
