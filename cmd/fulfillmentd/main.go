// fulfillmentd runs the warehouse fulfillment workers: webhook ingestion,
// QC hydration, the lifecycle state machine, rate checks, session sync,
// session building, and the repair loop.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/packhouse-labs/fulfillment-core/pkg/batcher"
	"github.com/packhouse-labs/fulfillment-core/pkg/catalog"
	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/coordinator"
	"github.com/packhouse-labs/fulfillment-core/pkg/docstore"
	"github.com/packhouse-labs/fulfillment-core/pkg/fingerprint"
	"github.com/packhouse-labs/fulfillment-core/pkg/labelapi"
	"github.com/packhouse-labs/fulfillment-core/pkg/lifecycle"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/observability"
	"github.com/packhouse-labs/fulfillment-core/pkg/ops"
	"github.com/packhouse-labs/fulfillment-core/pkg/queue"
	"github.com/packhouse-labs/fulfillment-core/pkg/ratecheck"
	"github.com/packhouse-labs/fulfillment-core/pkg/repair"
	"github.com/packhouse-labs/fulfillment-core/pkg/sessionsync"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
	"github.com/packhouse-labs/fulfillment-core/pkg/webhook"
)

const sessionBuildInterval = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fulfillmentd exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	policy, err := config.LoadPolicy(cfg.PolicyProfile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		return err
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	// Durable queues.
	qcQueue := queue.New(db, queue.QueueQCExplosion, logger,
		queue.WithShipmentDedupe(), queue.WithFailureMetrics(telemetry))
	rateQueue := queue.New(db, queue.QueueRateCheck, logger,
		queue.WithFailureMetrics(telemetry))
	lifecycleQueue := queue.New(db, queue.QueueLifecycleEvents, logger,
		queue.WithFailureMetrics(telemetry))
	enqueuer := &lifecycle.Enqueuer{Queue: lifecycleQueue}

	// Domain engines.
	cache := catalog.New(st, rdb, logger)
	fpEngine := fingerprint.New(st, cache, enqueuer, policy, logger)
	labels := labelapi.New(cfg.LabelAPIBaseURL, cfg.LabelAPIKey, logger)
	rateEngine := ratecheck.New(st, labels, policy, logger)
	docs := docstore.New(cfg.DocStoreBaseURL, logger)
	coord := coordinator.New(rdb, logger)
	builder := batcher.New(st, enqueuer, policy, logger)

	// Lifecycle worker with the rate-check side effect: landing in
	// needs_rate_check enqueues the analysis.
	lifecycleWorker := lifecycle.NewWorker(st, lifecycleQueue, logger,
		lifecycle.WithTransitionMetrics(telemetry))
	lifecycleWorker.RegisterSideEffect(lifecycle.SubNeedsRateCheck,
		func(ctx context.Context, sh *model.Shipment) error {
			if err := st.SetRateCheckStatus(ctx, sh.ID, model.RateCheckPending); err != nil {
				return err
			}
			_, err := rateQueue.Enqueue(ctx, &sh.ID, "rate_check", map[string]string{
				"service_code": sh.ServiceCode,
			})
			return err
		})

	qcWorker := queue.NewWorker(qcQueue, qcHandler(st, fpEngine, telemetry), logger,
		queue.WithBatchSize(10),
		queue.WithIntervals(time.Second, 5*time.Second))
	rateWorker := queue.NewWorker(rateQueue, rateHandler(st, rateEngine, telemetry), logger,
		queue.WithBatchSize(3),
		queue.WithIntervals(2*time.Second, 15*time.Second))

	syncWorker := sessionsync.New(docs, st, fpEngine, enqueuer, coord, logger)
	repairWorker := repair.New(st, lifecycleWorker, logger)

	// Operator surface.
	opsServer := ops.NewServer(ops.Options{
		Backfiller: fpEngine,
		Builder:    builder,
		Reimporter: syncWorker,
		Repairs:    st,
		Coord:      coord,
		Queues: map[string]*queue.Queue{
			queue.QueueQCExplosion:     qcQueue,
			queue.QueueRateCheck:       rateQueue,
			queue.QueueLifecycleEvents: lifecycleQueue,
		},
		Health: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
		Logger: logger,
	})
	// Mirror the coordinator's degraded broadcasts into /status so operators
	// can see a running backfill from any instance.
	var degraded atomic.Bool
	opsServer.RegisterStatus("coordinator", func() any {
		return map[string]bool{"degraded": degraded.Load()}
	})

	opsServer.RegisterStatus("qc_explosion", func() any { return qcWorker.Status() })
	opsServer.RegisterStatus("rate_check", func() any { return rateWorker.Status() })
	opsServer.RegisterStatus("lifecycle", func() any { return lifecycleWorker.Status() })
	opsServer.RegisterStatus("session_sync", func() any { return syncWorker.StatusSnapshot() })
	opsServer.RegisterStatus("catalog_cache", func() any { return cache.Stats() })

	webhookHandler := webhook.NewHandler(cfg.WebhookSecret, st, labels,
		qcQueue, lifecycleQueue, logger)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/", webhookHandler)
	mux.Handle("/ops/", http.StripPrefix("/ops", opsServer))
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	if cfg.WebhookBaseURL != "" {
		registerWebhooks(ctx, labels, cfg.WebhookBaseURL, logger)
	}

	var wg sync.WaitGroup
	runWorker := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("worker started", "worker", name)
			fn(ctx)
			logger.Info("worker stopped", "worker", name)
		}()
	}
	runWorker("qc_explosion", qcWorker.Run)
	runWorker("rate_check", rateWorker.Run)
	runWorker("lifecycle", lifecycleWorker.Run)
	runWorker("session_sync", syncWorker.Run)
	runWorker("repair", repairWorker.Run)
	runWorker("session_builder", func(ctx context.Context) {
		buildSessionsLoop(ctx, builder, telemetry, logger)
	})
	runWorker("degraded_watch", func(ctx context.Context) {
		coord.WatchDegraded(ctx, func(d bool) {
			degraded.Store(d)
			if d {
				logger.Warn("backfill holds the worker mutex, pollers degraded")
			} else {
				logger.Info("backfill released the worker mutex, pollers recovered")
			}
		})
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	wg.Wait()
	logger.Info("all workers drained")
	return nil
}

// qcHandler hydrates one shipment per job. A deferred hydration (catalog
// mirror behind) is a retryable failure; the queue backs off and re-runs it.
func qcHandler(st *store.Store, engine *fingerprint.Engine, telemetry *observability.Provider) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if job.ShipmentID == nil {
			return nil
		}
		ctx, done := telemetry.TrackJob(ctx, queue.QueueQCExplosion)
		sh, err := st.GetShipment(ctx, *job.ShipmentID)
		if err != nil {
			done(err)
			return err
		}
		result, err := engine.Hydrate(ctx, sh.ID, sh.OrderNumber)
		done(err)
		if err != nil {
			if errors.Is(err, fingerprint.ErrDeferred) {
				return fmt.Errorf("hydration deferred: %w", err)
			}
			return err
		}
		telemetry.RecordHydration(ctx, string(result.FingerprintStatus))
		return nil
	}
}

// rateHandler runs one rate analysis per job. Provider errors propagate so
// the queue applies backoff, including the rate-limit hold.
func rateHandler(st *store.Store, engine *ratecheck.Engine, telemetry *observability.Provider) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if job.ShipmentID == nil {
			return nil
		}
		ctx, done := telemetry.TrackJob(ctx, queue.QueueRateCheck)
		sh, err := st.GetShipment(ctx, *job.ShipmentID)
		if err != nil {
			done(err)
			return err
		}
		result, err := engine.AnalyzeAndSave(ctx, sh)
		done(err)
		if err != nil {
			return err
		}
		telemetry.RecordRateCheck(ctx, string(result.Status), result.Savings)
		return nil
	}
}

// buildSessionsLoop runs a batcher pass on a fixed interval.
func buildSessionsLoop(ctx context.Context, builder *batcher.Batcher, telemetry *observability.Provider, logger *slog.Logger) {
	ticker := time.NewTicker(sessionBuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		report, err := builder.BuildSessions(ctx, "", false)
		if err != nil {
			logger.Error("session build pass failed", "error", err)
			continue
		}
		telemetry.RecordSessionsBuilt(ctx, report.SessionsCreated)
	}
}

// registerWebhooks subscribes the callback endpoints with the provider.
// Failures are logged, not fatal; an existing subscription keeps working.
func registerWebhooks(ctx context.Context, labels *labelapi.Client, baseURL string, logger *slog.Logger) {
	base := strings.TrimRight(baseURL, "/")
	for _, event := range []string{
		webhook.EventFulfillmentShipped,
		webhook.EventFulfillmentUpdated,
		webhook.EventTrack,
	} {
		url := base + "/webhooks/" + event
		if err := labels.RegisterWebhook(ctx, event, url); err != nil {
			logger.Warn("webhook registration failed", "event", event, "error", err)
			continue
		}
		logger.Info("webhook registered", "event", event, "url", url)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
