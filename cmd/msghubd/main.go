// Package main is the entry point for msghubd, the message-hub runtime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homehub/msghub/internal/action"
	"github.com/homehub/msghub/internal/archive"
	"github.com/homehub/msghub/internal/buildinfo"
	"github.com/homehub/msghub/internal/bridge"
	"github.com/homehub/msghub/internal/config"
	"github.com/homehub/msghub/internal/factory"
	"github.com/homehub/msghub/internal/ingesthost"
	"github.com/homehub/msghub/internal/livefeed"
	"github.com/homehub/msghub/internal/notifyhost"
	"github.com/homehub/msghub/internal/opstate"
	"github.com/homehub/msghub/internal/persist"
	"github.com/homehub/msghub/internal/platform"
	"github.com/homehub/msghub/internal/platform/mqttadapter"
	"github.com/homehub/msghub/internal/policy"
	"github.com/homehub/msghub/internal/rules"
	"github.com/homehub/msghub/internal/store"
)

const shutdownTimeout = 10 * time.Second

// registerConfiguredRules wires rules.Threshold/rules.Freshness
// instances against rulesManager for every rule a deployment's config
// declares. No rule is registered by default; a concrete deployment
// extends this to read its own rule definitions (state id, mode,
// limits) from cfg and build the matching rules.ThresholdConfig or
// rules.FreshnessConfig.
func registerConfiguredRules(manager *rules.Manager, msgStore *store.Store, snapshots *opstate.Store, logger *slog.Logger) {
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	if err := run(logger, *configPath); err != nil {
		logger.Error("msghubd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	logger.Info("starting msghubd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Platform adapter: the MQTT-backed reference implementation of
	// internal/platform.Platform.
	adapter := mqttadapter.New(mqttadapter.Config{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		Namespace:   cfg.MQTT.Namespace,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
	}, logger.With("component", "mqttadapter"))

	if cfg.MQTT.Configured() {
		if err := adapter.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt adapter: %w", err)
		}
		defer adapter.Stop(context.Background())
	} else {
		logger.Warn("mqtt.broker not configured; platform adapter running unconnected")
	}

	var plat platform.Platform = adapter

	// Persistence and archive.
	snapshotPath := cfg.DataDir + "/messages.json"
	persistStore := persist.New(snapshotPath, logger.With("component", "persist"))
	defer persistStore.Close()

	arc := archive.New(cfg.DataDir+"/archive", 0, logger.With("component", "archive"))
	defer arc.Close()

	pol := policy.New(policy.Config{QuietHours: cfg.QuietHours.ToPolicy()})

	// Notify host is constructed first (with a nil Store in its API,
	// filled in once the store itself exists) so it can be handed to
	// store.New as the Notifier.
	notifyHost := notifyhost.New(notifyhost.API{
		Log:      plat.Log(),
		Platform: plat,
	}, logger.With("component", "notifyhost"))

	prune, deleteClosed, hardDelete, notify, closedGrace, retention, startupGrace, batchSize := cfg.Store.Durations()
	storeCfg := store.Config{
		SnapshotPath:         snapshotPath,
		PruneInterval:        prune,
		DeleteClosedInterval: deleteClosed,
		HardDeleteInterval:   hardDelete,
		NotifyInterval:       notify,
		ClosedGrace:          closedGrace,
		RetentionWindow:      retention,
		StartupGrace:         startupGrace,
		HardDeleteBatchSize:  batchSize,
		QuietHours:           cfg.QuietHours.ToPolicy(),
	}

	msgStore := store.New(storeCfg, factory.New(), persistStore, arc, pol, notifyHost, logger.With("component", "store"))
	if err := msgStore.Start(); err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}
	defer msgStore.Stop()
	notifyHost.SetStore(msgStore)

	ingestHost := ingesthost.New(ingesthost.API{
		Log:      plat.Log(),
		Platform: plat,
		Store:    msgStore,
		Create:   msgStore.AddMessage,
	}, logger.With("component", "ingesthost"))
	ingestHost.Start()
	defer ingestHost.Stop()

	notifyHost.Start()
	defer notifyHost.Stop()

	hosts := bridge.Hosts{Ingest: ingestHost, Notify: notifyHost}

	// Live feed: generic websocket fan-out notify consumer, registered
	// like any other consumer.
	feed := livefeed.New(logger.With("component", "livefeed"), nil)
	if err := notifyHost.RegisterPlugin("livefeed", feed); err != nil {
		return fmt.Errorf("failed to register livefeed: %w", err)
	}

	mux := http.NewServeMux()
	feed.RegisterRoutes(mux, cfg.Listen.Path)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port),
		Handler: mux,
	}
	go func() {
		logger.Info("livefeed listening", "addr", httpSrv.Addr, "path", cfg.Listen.Path)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("livefeed server failed", "error", err)
		}
	}()

	// Rule runtime snapshots, persisted across restarts.
	snapshots, err := opstate.NewStore(cfg.DataDir + "/opstate.db")
	if err != nil {
		return fmt.Errorf("failed to open rule snapshot store: %w", err)
	}
	defer snapshots.Close()

	rulesManager := rules.NewManager(plat.Subscriptions(), logger.With("component", "rules"))
	registerConfiguredRules(rulesManager, msgStore, snapshots, logger)
	rulesManager.Start()
	defer rulesManager.Stop()

	actionExec := action.New(msgStore)
	bridge.SetActionAPI(hosts, actionExec)

	// Producer/consumer plugins that need both ingest and notify legs
	// register themselves here via bridge.Register/Engage. None ship
	// built in; this is the attachment point a deployment's own
	// plugins use.

	logger.Info("msghubd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	logger.Info("msghubd stopped")
	return nil
}
