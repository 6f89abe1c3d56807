package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/pnvantage/internal/component"
	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/metrics"
	"github.com/HerbHall/pnvantage/internal/mqttbridge"
	"github.com/HerbHall/pnvantage/internal/profinet/ar"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/server"
	"github.com/HerbHall/pnvantage/internal/store"
	"github.com/HerbHall/pnvantage/internal/transport"
	"github.com/HerbHall/pnvantage/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller and its HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("pnvantage starting", zap.String("version", version.Short()))

	pcfg, err := cfg.Profinet()
	if err != nil {
		return fmt.Errorf("profinet settings: %w", err)
	}
	mcfg, err := cfg.MQTT()
	if err != nil {
		return fmt.Errorf("mqtt settings: %w", err)
	}
	if pcfg.Interface == "" {
		return fmt.Errorf("profinet.interface is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Registry and persistence.
	db, err := store.New(cfg.GetString("store.path"))
	if err != nil {
		return err
	}
	defer db.Close()
	sqlStore, err := registry.NewSQLStore(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate registry: %w", err)
	}
	devices := registry.New(logger, registry.WithStore(sqlStore))
	if err := devices.Load(ctx); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if path := cfg.GetString("inventory.path"); path != "" {
		specs, err := registry.LoadInventory(path)
		if err != nil {
			return err
		}
		added, err := devices.Seed(ctx, specs)
		if err != nil {
			return fmt.Errorf("seed inventory: %w", err)
		}
		logger.Info("inventory loaded", zap.String("path", path), zap.Int("added", added), zap.Int("devices", devices.Len()))
	}

	// Metrics and events.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	bus := event.NewBus(logger)

	// Protocol stack.
	link, err := transport.OpenRaw(pcfg.Interface)
	if err != nil {
		return err
	}
	mux := transport.NewMux(link, logger, m)
	dcpClient := dcp.NewClient(mux, logger, m, dcp.WithWindow(pcfg.DCPWindow))
	manager := ar.NewManager(mux, devices, logger,
		ar.WithConfig(ar.ConfigFromSettings(pcfg)),
		ar.WithResolver(dcpClient),
		ar.WithBus(bus),
		ar.WithMetrics(m),
	)
	scheduler := dcp.NewScheduler(dcpClient, devices, bus, logger, pcfg.ScanInterval)

	// Components start in order and stop in reverse, so the link outlives
	// the ARs that release over it.
	comps := component.NewRegistry(logger)
	list := []component.Component{
		component.NewLoop("link", mux.Run, func(context.Context) error { return link.Close() }, logger),
		component.NewLoop("ar", func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}, manager.Close, logger),
	}
	if pcfg.ScanInterval > 0 {
		list = append(list, component.NewLoop("dcp", func(ctx context.Context) error {
			scheduler.Run(ctx)
			return nil
		}, nil, logger))
	}
	if mcfg.Enabled {
		list = append(list, mqttbridge.New(mcfg, bus, logger))
	}
	for _, c := range list {
		if err := comps.Register(c); err != nil {
			return err
		}
	}
	if err := comps.StartAll(ctx); err != nil {
		_ = link.Close()
		return fmt.Errorf("start components: %w", err)
	}

	addr := cfg.ServerAddr()
	srv := server.New(addr, server.Options{
		Controller: manager,
		Scanner:    scheduler,
		Events:     bus,
		Components: comps,
		Gatherer:   promReg,
		RateLimit:  rate.Limit(cfg.GetInt("server.rate_limit")),
		Burst:      cfg.GetInt("server.rate_burst"),
	}, logger)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	logger.Info("pnvantage ready",
		zap.String("addr", addr),
		zap.String("interface", pcfg.Interface),
		zap.Int("devices", devices.Len()),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-srvErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := comps.StopAll(shutdownCtx); err != nil {
		logger.Error("component shutdown error", zap.Error(err))
	}

	logger.Info("pnvantage stopped")
	return nil
}
