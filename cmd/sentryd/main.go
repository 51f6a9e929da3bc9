package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/api"
	"github.com/Bldg-7/airsentry/internal/bus"
	"github.com/Bldg-7/airsentry/internal/config"
	"github.com/Bldg-7/airsentry/internal/notify"
	"github.com/Bldg-7/airsentry/internal/server"
	"github.com/Bldg-7/airsentry/internal/stats"
	"github.com/Bldg-7/airsentry/internal/store"
	"github.com/Bldg-7/airsentry/internal/textlog"
)

func main() {
	configPath := flag.String("config", "./sentry.config.json", "path to config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	text := textlog.NewWriter(cfg.DataRoot, logger)
	defer text.Close()

	eventBus := bus.New(logger)
	statsEngine := stats.NewEngine()
	cfgStore := config.NewStore(cfg)
	registry := server.NewRegistry(logger)

	var auth server.AuthValidator
	if cfg.Security.SensorPassword != "" {
		auth = server.StaticPasswordValidator(cfg.Security.SensorPassword)
	}

	metrics := server.InitMetrics()
	eventBus.OnDrop(func(kind bus.Kind) {
		metrics.RecordBusDrop(string(kind))
	})
	dispatcher := server.NewDispatcher(logger, cfgStore, db, statsEngine, eventBus, text, auth)

	srv := server.NewServer(cfg, dispatcher, registry, text, logger)
	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", zap.Error(err))
		os.Exit(1)
	}

	var notifier *notify.DiscordNotifier
	if token := cfg.Channels.Discord.BotToken; token != "" {
		n, nErr := notify.NewDiscordNotifier(token, cfg.Channels.Discord.AlertChannel, logger)
		if nErr != nil {
			logger.Error("failed to create discord notifier", zap.Error(nErr))
		} else if startErr := n.Start(); startErr != nil {
			logger.Error("failed to start discord notifier", zap.Error(startErr))
		} else {
			notifier = n
			logger.Info("discord notifier started")
		}
	}

	feed := api.NewFeed(logger)
	pumpStop := make(chan struct{})
	go pumpBus(eventBus, feed, notifier, pumpStop)

	reload := func() (string, error) {
		fresh, loadErr := config.Load(*configPath)
		if loadErr != nil {
			return "", fmt.Errorf("reload config: %w", loadErr)
		}
		snap := cfgStore.Swap(fresh)
		registry.BroadcastConfigPush(snap, "")
		return snap.Version, nil
	}

	var httpSrv *http.Server
	if cfg.Server.HTTPPort > 0 {
		httpAPI := api.New(registry, db, statsEngine, cfgStore, reload, feed, cfg.Server.AuthToken, logger)
		addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
		httpSrv = &http.Server{
			Addr:         addr,
			Handler:      httpAPI.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("http api server starting", zap.String("addr", addr))
			if serveErr := httpSrv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("http api server error", zap.Error(serveErr))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			version, reloadErr := reload()
			if reloadErr != nil {
				logger.Error("config reload failed", zap.Error(reloadErr))
				continue
			}
			logger.Info("config reloaded on SIGHUP", zap.String("config_version", version))
			continue
		}
		logger.Info("received signal, initiating graceful shutdown",
			zap.String("signal", sig.String()),
		)
		break
	}

	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := httpSrv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("http api shutdown error", zap.Error(shutdownErr))
		}
		shutdownCancel()
	}

	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	close(pumpStop)
	feed.Close()
	if notifier != nil {
		if stopErr := notifier.Stop(); stopErr != nil {
			logger.Error("error stopping discord notifier", zap.Error(stopErr))
		}
	}

	logger.Info("sentryd exited cleanly")
}

// pumpBus is the sole consumer of the event bus. Data events feed the
// websocket observers; alert events additionally reach the notifier.
func pumpBus(eventBus *bus.Bus, feed *api.Feed, notifier *notify.DiscordNotifier, stop <-chan struct{}) {
	data := eventBus.Subscribe(bus.KindData)
	water := eventBus.Subscribe(bus.KindWaterAlert)
	gas := eventBus.Subscribe(bus.KindGasAlert)

	for {
		select {
		case <-stop:
			return
		case ev := <-data:
			feed.Broadcast(bus.KindData, ev)
		case ev := <-water:
			feed.Broadcast(bus.KindWaterAlert, ev)
			if notifier != nil {
				notifier.Notify(ev)
			}
		case ev := <-gas:
			feed.Broadcast(bus.KindGasAlert, ev)
			if notifier != nil {
				notifier.Notify(ev)
			}
		}
	}
}
