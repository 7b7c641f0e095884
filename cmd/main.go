package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wTHU1Ew/DeltaRotor/internal/aster"
	"github.com/wTHU1Ew/DeltaRotor/internal/config"
	"github.com/wTHU1Ew/DeltaRotor/internal/logger"
	"github.com/wTHU1Ew/DeltaRotor/internal/monitor"
	"github.com/wTHU1Ew/DeltaRotor/internal/notify"
	"github.com/wTHU1Ew/DeltaRotor/internal/risk"
	"github.com/wTHU1Ew/DeltaRotor/internal/scheduler"
	"github.com/wTHU1Ew/DeltaRotor/internal/storage"
	"github.com/wTHU1Ew/DeltaRotor/internal/strategy"
)

func main() {
	// Exit code
	exitCode := 0
	defer func() {
		os.Exit(exitCode)
	}()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		exitCode = 1
		return
	}

	// Parse log level
	logLevel, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse log level: %v\n", err)
		exitCode = 1
		return
	}

	// Initialize logger
	log, err := logger.New(
		cfg.Logging.FilePath,
		logLevel,
		cfg.Logging.MaxSize,
		cfg.Logging.MaxAge,
		cfg.Logging.MaxBackups,
		cfg.Logging.Compress,
		cfg.Logging.Console,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		exitCode = 1
		return
	}
	defer log.Close()

	log.Info("=== DeltaRotor Starting ===")
	log.Info("Configuration loaded: %s", cfg.MaskSensitive())

	if err := run(cfg, log); err != nil {
		log.Error("Fatal: %v", err)
		exitCode = 1
	}

	log.Info("=== DeltaRotor Stopped ===")
}

// run 组装组件并运行直到收到退出信号 / Wire the components and run until a shutdown signal
func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	log.Info("Initializing database at %s", cfg.Database.Path)
	db, err := storage.New(
		cfg.Database.Path,
		cfg.Database.WALMode,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info("Database initialized successfully")

	// Initialize exchange client
	log.Info("Initializing Aster API client at %s", cfg.Exchange.APIURL)
	client := aster.New(
		cfg.Exchange.APIURL,
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.Timeout,
		cfg.Exchange.MaxRetries,
		cfg.Exchange.RecvWindow,
		cfg.Exchange.Debug,
		log,
	)

	var alerter strategy.Alerter = notify.NewLogAlerter(log.With("alert"))
	if cfg.Alerts.DiscordWebhookURL != "" {
		alerter = notify.NewDiscordSender(cfg.Alerts.DiscordWebhookURL, log.With("discord"))
	}

	metrics := monitor.NewMetrics()
	mon := monitor.New(client, db, metrics, log.With("monitor"), cfg.Monitor.BalanceIntervalDuration())
	if _, err := mon.CheckCapital(ctx, cfg.Strategy.CapitalUSDT); err != nil {
		return fmt.Errorf("startup health check failed: %w", err)
	}

	rm := risk.New(cfg.Strategy.RiskConfig(), log.With("risk"))

	var (
		engines    []*strategy.Engine
		schedulers []*scheduler.Scheduler
		providers  []monitor.StatusProvider
	)
	for _, symbol := range cfg.Strategy.Symbols {
		symLog := log.With(symbol)
		engine := strategy.New(cfg.Strategy.EngineConfig(symbol), client, db, rm, symLog,
			strategy.WithAlerter(alerter),
			strategy.WithMetrics(metrics),
		)

		if err := engine.Prepare(ctx); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
		if err := engine.Restore(ctx); err != nil {
			return fmt.Errorf("%s: restore: %w", symbol, err)
		}

		engines = append(engines, engine)
		providers = append(providers, engine)
		schedulers = append(schedulers, scheduler.New(
			engine,
			cfg.Strategy.CycleIntervalDuration(),
			cfg.Strategy.ErrorBackoffDuration(),
			alerter,
			metrics,
			symLog,
		))
	}
	log.Info("Strategy ready for %d symbol(s): %v", len(engines), cfg.Strategy.Symbols)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		s := s
		g.Go(func() error { return s.Run(gctx) })
	}
	g.Go(func() error { return mon.Run(gctx) })
	if cfg.Monitor.ListenAddr != "" {
		server := monitor.NewServer(mon, metrics, providers, log.With("http"))
		g.Go(func() error { return server.Serve(gctx, cfg.Monitor.ListenAddr) })
	}

	err = g.Wait()

	for _, e := range engines {
		st := e.Status()
		log.Info("Final state %s: %s (last action %s)", st.Symbol, st.State, st.LastAction)
	}
	stats := mon.Stats()
	log.Info("Final metrics: success_count=%d, error_count=%d, last_success=%v",
		stats.SuccessCount, stats.ErrorCount, stats.LastSuccess)

	return err
}
