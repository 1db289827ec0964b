package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vadro/position_guard/internal/config"
	"github.com/vadro/position_guard/internal/domain"
	"github.com/vadro/position_guard/internal/infrastructure/exchange"
	"github.com/vadro/position_guard/internal/infrastructure/logger"
	"github.com/vadro/position_guard/internal/infrastructure/metrics"
	"github.com/vadro/position_guard/internal/infrastructure/storage"
	"github.com/vadro/position_guard/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := storage.Open(storage.Options{
		Path:            cfg.Store.Path,
		BackupDir:       cfg.Store.BackupDir,
		BackupRetention: cfg.Store.BackupRetention,
	}, log)
	if err != nil {
		log.Fatal("Failed to open monitor store", zap.Error(err))
	}
	defer store.Close()

	audit, err := storage.NewAuditStore(cfg.Audit.Path)
	if err != nil {
		log.Fatal("Failed to open audit store", zap.Error(err))
	}
	defer audit.Close()

	primary := exchange.NewBybitGateway(domain.AccountPrimary,
		cfg.Primary.APIKey, cfg.Primary.APISecret, cfg.Primary.RESTEndpoint, log)
	gateways := map[domain.Account]domain.Gateway{
		domain.AccountPrimary: primary,
	}
	if cfg.Mirror.APIKey != "" {
		gateways[domain.AccountMirror] = exchange.NewBybitGateway(domain.AccountMirror,
			cfg.Mirror.APIKey, cfg.Mirror.APISecret, cfg.Mirror.RESTEndpoint, log)
	} else {
		log.Warn("mirror account not configured, running single-account")
	}

	// One shared semaphore rations outbound order mutations across every
	// monitor on both accounts.
	sem := semaphore.NewWeighted(cfg.Monitor.MaxOrderMutations)
	notifier := usecase.NewNotifier(256, log)

	rebalancers := make(map[domain.Account]*usecase.Rebalancer, len(gateways))
	for account, gw := range gateways {
		rebalancers[account] = usecase.NewRebalancer(gw, audit, sem, log)
	}

	defaults := usecase.MonitorDefaults{
		TPSplit:         cfg.TPSplitDecimals(),
		BreakevenBuffer: decimal.NewFromFloat(cfg.Monitor.BreakevenBuffer),
		FirstTPToBE:     cfg.Monitor.FirstTPBreakeven,
		QtyStep:         decimal.NewFromFloat(cfg.Monitor.QtyStep),
		MinQty:          decimal.NewFromFloat(cfg.Monitor.MinQty),
	}

	supervisor := usecase.NewSupervisor(usecase.SupervisorOptions{
		Store:             store,
		Audit:             audit,
		Notifier:          notifier,
		Gateways:          gateways,
		Rebalancers:       rebalancers,
		Defaults:          defaults,
		TickInterval:      time.Duration(cfg.Monitor.TickIntervalMs) * time.Millisecond,
		SweepInterval:     time.Duration(cfg.Monitor.SweepIntervalMs) * time.Millisecond,
		IntegrityInterval: time.Duration(cfg.Store.IntegrityCheckIntervalMs) * time.Millisecond,
		ReloadSignalPath:  cfg.Monitor.ReloadSignalPath,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := exchange.NewPrivateStream(domain.AccountPrimary,
		cfg.Primary.WSEndpoint, cfg.Primary.APIKey, cfg.Primary.APISecret, log)
	stream.OnOrderFill(func(symbol string) {
		supervisor.NudgeSymbol(symbol)
	})
	go stream.Run(ctx)

	go func() {
		if err := metrics.Serve(cfg.Metrics.Port); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// Drain notifications into the log; alert transports hang off this
	// stream when configured.
	go func() {
		for ev := range notifier.Events() {
			log.Info("event",
				zap.String("type", string(ev.Type)),
				zap.String("monitor", ev.MonitorKey),
				zap.String("price", ev.Price.String()),
				zap.String("qty", ev.Quantity.String()),
				zap.String("message", ev.Message))
		}
	}()

	go func() {
		if err := supervisor.Run(ctx); err != nil && err != context.Canceled {
			log.Error("supervisor stopped", zap.Error(err))
		}
	}()

	log.Info("position guard started",
		zap.Int("accounts", len(gateways)),
		zap.Int("metrics_port", cfg.Metrics.Port))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()
	supervisor.Stop()
}
