package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EqualisLedger/internal/config"
	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/maintenance"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/projection"
	"EqualisLedger/internal/query"
	"EqualisLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log := observability.NewLogger("equalisd")
	log.Info().Msg("equalisd starting")

	cfg := config.DefaultConfig()
	pools, err := config.LoadPools(cfg.PoolsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load pools")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	// Persist blocks (backpressure), publish drops when full.
	persistChan := make(chan *event.Envelope, cfg.PersistChanSize)
	publishChan := make(chan *event.Envelope, cfg.PublishChanSize)

	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	engine := core.NewEngine(core.EngineConfig{
		StartTime:   cfg.GenesisTime,
		LRUCapacity: cfg.IdempotencyLRUCapacity,
		Treasury:    maintenance.NewVault(),
		DBChecker:   dbChecker,
		PersistChan: persistChan,
		PublishChan: publishChan,
		Metrics:     metrics,
		Logger:      observability.NewLogger("core"),
	})

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db, metrics)
	rec := &recovery{
		engine:  engine,
		snaps:   snapMgr,
		dedup:   dbChecker,
		pools:   pools,
		lruSize: cfg.IdempotencyLRUCapacity,
		log:     log,
	}
	if err := rec.run(ctx); err != nil {
		log.Fatal().Err(err).Msg("recovery failed")
	}
	runner := core.NewRunner(engine)

	// --- NATS ---
	natsLog := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLog)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	healthChecker.AddCheck("postgres", db.PingContext)
	healthChecker.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure command stream")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawCommand, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, natsLog)
	processor := ingestion.NewProcessor(runner, rawChan, metrics, observability.NewLogger("ingest"))
	// Engine output is split between the outbound stream and the read
	// models; neither may stall the engine.
	outboundChan := make(chan *event.Envelope, cfg.PublishChanSize)
	projectionChan := make(chan *event.Envelope, cfg.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, outboundChan, natsLog)

	projLog := observability.NewLogger("projection")
	if err := projection.RebuildProjections(ctx, db, runner, projLog); err != nil {
		log.Fatal().Err(err).Msg("rebuild projections")
	}
	projector := projection.NewProjectionWorker(db, runner, projectionChan, projLog)

	// --- Query + HTTP/gRPC ---
	deps := &server.ServerDeps{
		Runner:        runner,
		QueryService:  query.NewQueryService(runner, db, metrics),
		HealthChecker: healthChecker,
	}
	if cfg.EnableAdmin {
		deps.Admin = ingestion.NewAdminIngest(runner, observability.NewLogger("admin"))
	}
	srv := server.NewServer(cfg.GRPCAddr, cfg.HTTPAddr, deps, observability.NewLogger("server"))

	// --- Start goroutines ---
	errChan := make(chan error, 10)

	// Writers outlive ctx: they stop when their channel is closed so every
	// applied operation is flushed.
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.SetLastWritten(engine.GetSequence() - 1)
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("persistence worker stopped")
		}
	}()

	go fanOut(publishChan, observability.NewLogger("fanout"), outboundChan, projectionChan)

	publishDone := make(chan struct{})
	go func() {
		defer close(publishDone)
		publisher.Run(context.Background())
	}()

	projectionDone := make(chan struct{})
	go func() {
		defer close(projectionDone)
		projector.Run(context.Background())
	}()

	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		processor.Run(ctx)
	}()

	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	go func() {
		errChan <- srv.StartGRPC(ctx)
	}()
	go func() {
		errChan <- srv.StartHTTP(ctx)
	}()

	snapshotter := &snapshotter{
		runner:   runner,
		snaps:    snapMgr,
		written:  persistWorker,
		interval: cfg.SnapshotInterval,
		log:      observability.NewLogger("snapshot"),
		lastSeq:  engine.GetSequence() - 1,
	}
	go snapshotter.run(ctx)

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", engine.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("equalisd ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	subscriber.Stop()
	cancel()
	<-processorDone

	// No more commands can be applied; drain the writers.
	close(persistChan)
	close(publishChan)
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("persistence worker did not drain in time")
	}
	select {
	case <-publishDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("outbound publisher did not drain in time")
	}
	select {
	case <-projectionDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("projection worker did not drain in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := snapshotter.take(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}

	log.Info().Msg("equalisd shutdown complete")
}
