package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tickflow/config"
	"tickflow/internal/backpressure"
	"tickflow/internal/breaker"
	"tickflow/internal/broker"
	"tickflow/internal/channel"
	"tickflow/internal/executor"
	"tickflow/internal/greeks"
	"tickflow/internal/ratelimit"
	"tickflow/internal/registry"
	"tickflow/internal/subs"
	"tickflow/internal/ticker"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/writer"
)

// poolFetcher adapts the broker session pool to the registry's instrument
// fetcher so the refresh loop can fail over to any healthy session.
type poolFetcher struct {
	pool *broker.SessionPool
}

func (f *poolFetcher) FetchInstruments(ctx context.Context, segment string) ([]models.Instrument, error) {
	var out []models.Instrument
	err := f.pool.Do(ctx, func(ctx context.Context, s *broker.AccountSession) error {
		instruments, err := s.Client.FetchInstruments(ctx, segment)
		if err != nil {
			return err
		}
		out = instruments
		return nil
	})
	return out, err
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	clock, err := cfg.Market.Clock()
	if err != nil {
		log.WithError(err).Error("invalid market clock configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		log.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	if err := db.AutoMigrate(&models.Instrument{}, &models.SubscriptionRecord{}, &models.OrderTask{}); err != nil {
		log.WithError(err).Error("failed to migrate database schema")
		os.Exit(1)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.ProcessedBuffer,
		cfg.Channels.ErrorBuffer,
	)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	limiter := ratelimit.New(cfg.RateLimit)
	sessions := broker.NewSessionPool(cfg.Broker, limiter)

	reg := registry.New(cfg.Registry, &poolFetcher{pool: sessions}, registry.NewStore(db))
	if err := reg.Load(ctx); err != nil {
		log.WithError(err).Warn("initial instrument load failed; continuing with cached data")
	}
	go reg.StartPeriodicRefresh(ctx)

	monitor := backpressure.NewMonitor(cfg.Backpressure)
	spot := processor.NewSpotTracker()

	proc := processor.NewTickProcessor(cfg, reg, spot, channels, monitor, clock)
	if err := proc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start tick processor")
		os.Exit(1)
	}

	backend, err := writer.NewPublisher(cfg)
	if err != nil {
		log.WithError(err).Error("failed to create publisher")
		os.Exit(1)
	}

	var archiver *writer.SnapshotArchiver
	if cfg.Storage.S3.Enabled {
		archiver, err = writer.NewSnapshotArchiver(cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create snapshot archiver")
			os.Exit(1)
		}
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start snapshot archiver")
			os.Exit(1)
		}
		backend = writer.WithArchive(backend, archiver)
	} else {
		log.WithComponent("main").Info("S3 archive disabled")
	}

	breakers := breaker.NewManager()
	publishBreaker := breakers.GetOrCreate("publish", config.CircuitBreakerConfig{})
	published := writer.NewResilientPublisher(backend, publishBreaker, monitor)

	batcher := writer.NewTickBatcher(cfg.Batcher, channels, published, monitor)
	if err := batcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start tick batcher")
		os.Exit(1)
	}

	orderBreaker := breakers.GetOrCreate("order", cfg.Executor.CircuitBreaker)
	exec := executor.NewExecutor(cfg.Executor, sessions, orderBreaker, executor.NewStore(db))
	if err := exec.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start order executor")
		os.Exit(1)
	}

	calc := greeks.NewCalculator(cfg.Processor.RiskFreeRate, cfg.Processor.DividendYield)
	reconciler := subs.NewReconciler(subs.NewStore(db), reg, clock)
	mock := ticker.NewMockGenerator(cfg.Mock, cfg.Market, clock, channels, calc, spot.Get)
	historical := ticker.NewHistoricalService(cfg.Historical, cfg.Market, clock, sessions, reg, calc)

	var loop *ticker.Loop
	rebalancer := ticker.NewStrikeRebalancer(cfg.Rebalancer, cfg.Market, reg, reconciler, spot.Get, func() {
		loop.ReloadSubscriptionsAsync()
	})

	loop = ticker.NewLoop(cfg, clock, ticker.Deps{
		Registry:   reg,
		Chain:      reg,
		Reconciler: reconciler,
		Sessions:   sessions,
		Channels:   channels,
		Monitor:    monitor,
		Mock:       mock,
		Rebalancer: rebalancer,
		Historical: historical,
	}, ticker.NewPoolStream(cfg.Broker, channels, limiter))
	if err := loop.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ticker loop")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		loop.Stop()
		exec.Stop()
		proc.Stop()
		batcher.Stop()
		if archiver != nil {
			archiver.Stop()
		}
		if err := published.Close(); err != nil {
			log.WithError(err).Warn("publisher close failed")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
}
