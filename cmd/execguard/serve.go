package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execguard/internal/bus"
	"execguard/internal/cache"
	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/engine"
	"execguard/internal/eventlog"
	"execguard/internal/metrics"
	"execguard/internal/provenance"
	"execguard/internal/rules"
	"execguard/internal/server"
	"execguard/internal/storage"

	"github.com/spf13/cobra"
)

const (
	pruneInterval      = time.Hour
	provenanceMaxAge   = 24 * time.Hour
	busHistory         = 256
	shutdownTimeout    = 10 * time.Second
	metricsReadTimeout = 5 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the decision server",
		Long:  "Loads rules, listens on the decision socket and answers execution requests. SIGHUP reloads config and rules; Ctrl+C stops.",
		RunE:  runServe,
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pid, err := server.Stop(cfg.Server.PIDFile)
			if err != nil {
				return err
			}
			fmt.Printf("sent SIGTERM to %d\n", pid)
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logCloser, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, store, err := openRules(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := importRuleDir(ctx, store, cfg.Rules.ImportDir); err != nil {
		logger.Warn("rule import failed", "dir", cfg.Rules.ImportDir, "err", err)
	}

	settings, err := engine.SettingsFromConfig(cfg.Policy)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	eventBus := bus.NewEventBus(busHistory, logger)
	events, err := newEventLog(cfg, db, eventBus)
	if err != nil {
		return err
	}
	events.SetObserver(collector)
	defer events.Close()

	decisionCache := cache.New(cfg.Cache.MaxEntries)
	collector.RegisterCache(decisionCache)
	tracker := provenance.NewTracker(logger)

	eng := engine.New(settings, engine.Options{
		Rules:      store,
		Cache:      decisionCache,
		Provenance: tracker,
		Events:     events,
		Metrics:    collector,
		Bus:        eventBus,
		Logger:     logger,
	})

	srv := server.New(eng, server.Config{
		SocketPath: cfg.Server.Socket,
		PIDPath:    cfg.Server.PIDFile,
		WatchPeers: cfg.Server.WatchPeers,
	}, logger)
	srv.SetObserver(collector)
	srv.SetProvenance(tracker)
	srv.SetHistory(eventBus)
	eng.SetHoldNotifier(srv)
	if err := srv.Listen(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, collector.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: metricsReadTimeout}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "err", err)
			}
		}()
		logger.Info("metrics enabled", "addr", cfg.Metrics.Listen, "path", cfg.Metrics.Path)
	}

	go maintain(ctx, db, tracker, cfg.Events.RetentionDays)
	go reloadOnHangup(ctx, eng, store, collector)

	logger.Info("execguard started",
		"mode", settings.Mode.String(),
		"hold_policy", settings.HoldPolicy.String(),
		"rules", len(store.List(rules.Filter{})),
		"sync", config.SyncStatus(cfg).String())

	serveErr := srv.Serve(ctx)
	logger.Info("shutting down...")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", "err", err)
		}
	}
	logger.Info("shutdown complete", "evaluations", eng.Evaluations(), "failsafes", eng.FailSafes())
	return serveErr
}

func newEventLog(cfg *config.Config, db *storage.SQLiteStore, pub eventlog.Publisher) (*eventlog.Logger, error) {
	logType, err := domain.ParseEventLogType(cfg.Events.LogType)
	if err != nil {
		return nil, err
	}
	bundleAction, err := domain.ParseBundleEventAction(cfg.Events.BundleAction)
	if err != nil {
		return nil, err
	}
	return eventlog.New(eventlog.Options{
		Type:          logType,
		File:          cfg.Events.LogFile,
		BundleAction:  bundleAction,
		PersistAllows: cfg.Events.PersistAllows,
	}, db, pub, logger)
}

// importRuleDir applies every rule file found in dir on top of the persisted
// rules.
func importRuleDir(ctx context.Context, store *rules.Store, dir string) error {
	if dir == "" {
		return nil
	}
	imported, err := rules.LoadDirectory(ctx, dir, logger)
	if err != nil {
		return err
	}
	if len(imported) == 0 {
		return nil
	}
	if err := store.Apply(ctx, imported); err != nil {
		return err
	}
	logger.Info("rules imported", "dir", dir, "count", len(imported))
	return nil
}

// maintain prunes old events and stale provenance records.
func maintain(ctx context.Context, db *storage.SQLiteStore, tracker *provenance.Tracker, retentionDays int) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if retentionDays > 0 {
				n, err := db.PruneEvents(ctx, time.Duration(retentionDays)*24*time.Hour)
				if err != nil {
					logger.Warn("event prune failed", "err", err)
				} else if n > 0 {
					logger.Info("events pruned", "count", n)
				}
			}
			if n := tracker.Prune(provenanceMaxAge); n > 0 {
				logger.Info("provenance records pruned", "count", n)
			}
		}
	}
}

// reloadOnHangup re-reads the config file and the rules database on SIGHUP.
// Socket, event log and metrics settings need a restart.
func reloadOnHangup(ctx context.Context, eng *engine.Engine, store *rules.Store, collector *metrics.Collector) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		cfg, err := loadConfig()
		if err != nil {
			logger.Error("reload: config", "err", err)
			continue
		}
		settings, err := engine.SettingsFromConfig(cfg.Policy)
		if err != nil {
			logger.Error("reload: policy", "err", err)
			continue
		}
		if err := store.Load(ctx); err != nil {
			logger.Error("reload: rules", "err", err)
			continue
		}
		if err := importRuleDir(ctx, store, cfg.Rules.ImportDir); err != nil {
			logger.Warn("reload: rule import", "err", err)
		}
		collector.SetRuleCounts(store.Counts())
		eng.Reload(settings)
	}
}
