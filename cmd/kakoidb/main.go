// kakoidb - an embedded time-series database with retention and
// compaction, exposed over an HTTP API.
//
// Usage:
//
//	kakoidb serve [flags]
//	kakoidb version
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kakoidb/kakoidb/internal/config"
	"github.com/kakoidb/kakoidb/internal/duration"
	"github.com/kakoidb/kakoidb/internal/hotseries"
	"github.com/kakoidb/kakoidb/internal/janitor"
	"github.com/kakoidb/kakoidb/internal/kv"
	"github.com/kakoidb/kakoidb/internal/metrics"
	"github.com/kakoidb/kakoidb/internal/server"
	"github.com/kakoidb/kakoidb/internal/snapshot"
	"github.com/kakoidb/kakoidb/internal/storage"
	"github.com/kakoidb/kakoidb/internal/version"
)

// shutdownTimeout bounds how long Shutdown waits for an in-flight HTTP
// request or janitor pass to finish before the process exits anyway.
const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "kakoidb",
		Short: "An embedded time-series database with retention and compaction",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("kakoidb v%s (built %s)\n", version.Version, version.BuildTime)
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var (
		dataDir         string
		httpAddr        string
		janitorInterval string
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the storage engine, janitor, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			// Flags override whatever config.Load already resolved from
			// file and environment.
			if dataDir != "" {
				cfg.Storage.Path = filepath.Join(dataDir, "kakoidb.db")
			}
			if httpAddr != "" {
				host, port, perr := splitHostPort(httpAddr)
				if perr != nil {
					return fmt.Errorf("invalid --http-addr: %w", perr)
				}
				cfg.Server.Host, cfg.Server.Port = host, port
			}
			if janitorInterval != "" {
				d, derr := parseDuration(janitorInterval)
				if derr != nil {
					return fmt.Errorf("invalid --janitor-interval: %w", derr)
				}
				cfg.Janitor.Interval = d
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}

			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding the database file (overrides config storage.path)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP API listen address, host:port (overrides config server.*)")
	cmd.Flags().StringVar(&janitorInterval, "janitor-interval", "", "Retention pass interval, e.g. \"5 minutes\" (overrides config janitor.interval)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config log_level)")
	return cmd
}

func run(cfg *config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Logger

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	store, err := kv.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	var coll *metrics.Collector
	if cfg.Metrics.Enabled {
		coll = metrics.New()
	}

	hot := hotseries.New(cfg.HotKeys.TopN, 10*time.Minute)

	engineOpts := []storage.Option{storage.WithLogger(logger), storage.WithHotSeriesTracker(hot)}
	if coll != nil {
		engineOpts = append(engineOpts, storage.WithMetrics(coll))
	}
	engine := storage.New(store, engineOpts...)
	defer engine.Close()

	snapMgr, err := snapshot.NewManager(cfg.Backup.Dir)
	if err != nil {
		return fmt.Errorf("open backup directory: %w", err)
	}

	janitorOpts := []janitor.Option{janitor.WithLogger(logger)}
	if coll != nil {
		janitorOpts = append(janitorOpts, janitor.WithMetrics(coll))
	}
	j := janitor.New(engine, cfg.Janitor.Interval.Std(), janitorOpts...)

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithHotSeriesTracker(hot),
		server.WithSnapshotManager(snapMgr),
	}
	if coll != nil {
		srvOpts = append(srvOpts, server.WithMetrics(coll))
	}
	srv := server.New(cfg.Server.Addr(), engine, srvOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("cmd: shutting down")
		cancel()
	}()

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		j.Run(ctx)
	}()
	if coll != nil {
		go publishHotSeries(ctx, coll, hot, cfg.HotKeys.TopN)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Start()
	}()
	srv.SetReady(true)

	logger.Info().
		Str("version", version.Version).
		Str("addr", cfg.Server.Addr()).
		Str("storage", cfg.Storage.Path).
		Str("janitor_interval", cfg.Janitor.Interval.String()).
		Msg("cmd: kakoidb started")

	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("cmd: server error")
		}
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("cmd: server shutdown error")
	}
	// Run returns once ctx is canceled and any in-flight pass has finished.
	select {
	case <-janitorDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("cmd: janitor pass still running at shutdown timeout")
	}

	logger.Info().Msg("cmd: shutdown complete")
	return nil
}

// publishHotSeries refreshes the hot-series gauge from the tracker's top-N
// entries once a minute, until ctx is canceled.
func publishHotSeries(ctx context.Context, coll *metrics.Collector, hot *hotseries.Tracker, topN int) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coll.HotSeriesScore.Reset()
			for _, e := range hot.Top(topN) {
				coll.HotSeriesScore.WithLabelValues(e.Series).Set(e.Score)
			}
		}
	}
}

// splitHostPort parses a "host:port" flag value into its parts.
func splitHostPort(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("port %q is not a number", p)
	}
	return h, n, nil
}

// parseDuration parses a flag value using this codebase's duration grammar
// (e.g. "5 minutes") into a config-ready duration.Duration.
func parseDuration(s string) (duration.Duration, error) {
	return duration.Parse(s)
}
