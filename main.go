package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/api"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/guard"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/outbox"
	"execution-core/internal/pricefeed"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	"execution-core/internal/signal"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

func main() {
	issueToken := flag.String("issue-token", "", "print an operator JWT for the given name and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := api.GenerateToken(*issueToken, cfg.JWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("execution core stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}
	log.Info().Str("version", buildVersion).Str("port", cfg.Port).Msg("starting execution core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	for _, p := range []string{cfg.DBPath, cfg.StatePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Startup recovery: an unreadable or unknown-version state file aborts.
	store, l, found, err := state.Recover(cfg.StatePath, decimal.NewFromFloat(cfg.InitialCash))
	if err != nil {
		return fmt.Errorf("recover state %s: %w", cfg.StatePath, err)
	}
	doc := store.Document()
	if found {
		log.Info().
			Str("cash", l.Cash().String()).
			Int("positions", len(l.Positions())).
			Time("saved_at", doc.SavedAt).
			Msg("ledger restored from state file")
	} else {
		log.Info().Float64("initial_cash", cfg.InitialCash).Msg("no state file, seeded fresh ledger")
	}

	gd := guard.New(doc.Guard,
		guard.WithPersister(store),
		guard.WithAuditor(guard.NewSQLAuditor(db.NewGuardAuditLog(database.DB))),
		guard.WithBus(bus),
		guard.WithLogger(logger.Component(log, "guard")),
	)
	log.Info().Str("mode", string(gd.State().Mode)).Msg("trade guard ready")

	policy := risk.NewPolicyStore(cfg.PolicyPath, cfg.Policy, logger.Component(log, "policy"))

	// Price feed
	var (
		rawPrices   pricefeed.Source
		memPrices   *pricefeed.MemorySource
		redisClient *redis.Client
		feedName    = "memory"
	)
	if cfg.RedisAddr != "" {
		src, client, err := pricefeed.NewRedisSource(ctx, pricefeed.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect price feed: %w", err)
		}
		rawPrices, redisClient, feedName = src, client, "redis:"+cfg.RedisAddr
		defer redisClient.Close()
	} else {
		memPrices = pricefeed.NewMemorySource()
		rawPrices = memPrices
		log.Warn().Msg("REDIS_ADDR not set, marking positions at their last fill price")
	}
	prices := pricefeed.NewFresh(rawPrices, cfg.Policy.Execution.MaxPriceAge, nil)

	// Observability
	metrics := monitor.NewMetrics()
	metrics.WatchBus(bus)
	metrics.SetGuardMode(gd.State().Mode)
	guardSub, unsubGuard := bus.Subscribe(events.EventGuardChanged, 16)
	defer unsubGuard()
	go func() {
		for range guardSub {
			metrics.SetGuardMode(gd.State().Mode)
		}
	}()

	tracker := risk.NewTracker(time.Now)
	equity := monitor.NewEquityRecorder(db.NewEquityStore(database.DB), l, bus, logger.Component(log, "equity"))

	simOpts := []order.Option{
		order.WithBus(bus),
		order.WithLogger(logger.Component(log, "simulator")),
		order.WithObserver(metrics),
		order.WithObserver(tracker),
		order.WithObserver(equity),
	}
	if memPrices != nil {
		simOpts = append(simOpts, order.WithObserver(memPrices))
	}
	sim := order.NewSimulator(l, order.SimConfigFrom(cfg.Policy.Execution), simOpts...)

	riskEngine := risk.NewEngine(l, sim, prices, policy, gd,
		risk.WithBus(bus),
		risk.WithLogger(logger.Component(log, "risk")),
		risk.WithTickObserver(metrics),
	)
	exposure := risk.NewExposureGuard(l, policy)

	journal := db.NewSignalJournal(database.DB)
	gate := signal.NewGate(journal, sim, gd, exposure, policy,
		signal.WithBus(bus),
		signal.WithLogger(logger.Component(log, "gate")),
		signal.WithObserver(metrics),
		signal.WithPrices(prices),
		signal.WithCash(l.Cash),
	)

	monitorJob := monitor.NewJob(l, prices, equity, metrics, func() time.Duration {
		return policy.Current().Execution.PriceTimeout
	}, logger.Component(log, "monitor"))

	// Scheduler
	sched := scheduler.New(
		scheduler.WithLogger(logger.Component(log, "scheduler")),
		scheduler.WithObserver(metrics),
		scheduler.WithResolution(cfg.Policy.Schedule.Resolution),
	)
	if err := sched.Register(scheduler.Task{
		Name:     engine.TaskRiskCheck,
		Interval: cfg.Policy.Schedule.RiskCheckInterval,
		Run: func(ctx context.Context) error {
			_, err := riskEngine.Tick(ctx)
			return err
		},
	}); err != nil {
		return err
	}
	if err := sched.Register(scheduler.Task{
		Name:     engine.TaskMonitor,
		Interval: cfg.Policy.Schedule.MonitorInterval,
		Run: func(ctx context.Context) error {
			_, err := monitorJob.Run(ctx)
			return err
		},
	}); err != nil {
		return err
	}

	policy.OnChange(func(p config.Policy) {
		sim.SetConfig(order.SimConfigFrom(p.Execution))
		prices.SetMaxAge(p.Execution.MaxPriceAge)
		if err := sched.SetInterval(engine.TaskRiskCheck, p.Schedule.RiskCheckInterval); err != nil {
			log.Error().Err(err).Msg("apply risk check interval")
		}
		if err := sched.SetInterval(engine.TaskMonitor, p.Schedule.MonitorInterval); err != nil {
			log.Error().Err(err).Msg("apply monitor interval")
		}
	})

	// Event outbox
	var sink outbox.Sink = outbox.NewLogSink(logger.Component(log, "outbox"))
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := outbox.NewKafkaSink(outbox.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return fmt.Errorf("init kafka sink: %w", err)
		}
		sink = ks
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("event outbox publishing to kafka")
	}
	// The relay outlives the scheduler so the shutdown snapshot still ships.
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	defer cancelRelay()
	relay := outbox.NewRelay(bus, logger.Component(log, "outbox"), sink)
	relayDone := relay.Start(relayCtx)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	svc := engine.NewImpl(engine.Config{
		Ledger:    l,
		Simulator: sim,
		Gate:      gate,
		Risk:      riskEngine,
		Policy:    policy,
		Tracker:   tracker,
		Guard:     gd,
		Prices:    prices,
		Equity:    equity,
		Journal:   journal,
		Scheduler: sched,
		Metrics:   metrics,
		Relay:     relay,
		Bus:       bus,
		Meta: engine.SystemStatus{
			Version:   buildVersion,
			StartedAt: time.Now(),
			StatePath: cfg.StatePath,
			PriceFeed: feedName,
		},
	})

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set, mutating endpoints and the event stream are disabled")
	}
	server := api.NewServer(svc, bus, metrics.Handler(), cfg.JWTSecret, logger.Component(log, "api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	log.Info().Str("addr", httpServer.Addr).Msg("api listening")

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		log.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown")
	}

	// Stop scheduling, let in-flight ticks finish, then record a last snapshot.
	cancel()
	<-schedDone
	if _, err := equity.Record(shutdownCtx, l.Snapshot(), monitor.ReasonMonitor); err != nil {
		log.Error().Err(err).Msg("final equity snapshot")
	}
	cancelRelay()
	<-relayDone
	log.Info().Msg("execution core stopped")
	return nil
}
