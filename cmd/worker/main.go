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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/config"
	"github.com/zachbroad/webhook-dispatch/internal/database"
	"github.com/zachbroad/webhook-dispatch/internal/logger"
	"github.com/zachbroad/webhook-dispatch/internal/metrics"
	"github.com/zachbroad/webhook-dispatch/internal/queue"
	"github.com/zachbroad/webhook-dispatch/internal/store"
	"github.com/zachbroad/webhook-dispatch/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}
	log.Info().Msg("connected to postgres")

	s := store.New(pool)
	d := worker.NewDispatcher(s.Subscriptions, s.Deliveries, worker.DispatcherConfig{
		Timeout:             cfg.Delivery.Timeout,
		QuarantineThreshold: cfg.Delivery.QuarantineThreshold,
	})
	workers := worker.NewPool(d, worker.PoolConfig{
		Concurrency:  cfg.Worker.Concurrency,
		QueueSize:    cfg.Worker.QueueSize,
		PollInterval: cfg.Worker.PollInterval,
		PollBatch:    cfg.Worker.PollBatch,
	})
	workers.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	// Redis only shortens the wait for new deliveries; the poller alone is
	// enough to drain the table.
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse redis URL")
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		log.Info().Msg("connected to redis")

		stream := queue.NewStream(rdb)
		if err := stream.EnsureGroup(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to create consumer group")
		}

		host, _ := os.Hostname()
		for i := range cfg.Worker.Concurrency {
			consumer := fmt.Sprintf("%s-%d", host, i)
			g.Go(func() error {
				stream.Consume(gctx, consumer, func(ctx context.Context, id uuid.UUID) {
					if err := workers.Submit(ctx, id); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Str("delivery_id", id.String()).Msg("failed to submit delivery")
					}
				})
				return nil
			})
		}
	} else {
		log.Info().Msg("REDIS_URL not set, relying on the poller")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":" + cfg.Worker.HealthPort,
		Handler: mux,
	}

	g.Go(func() error {
		log.Info().Str("port", cfg.Worker.HealthPort).Msg("worker health server listening")
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down worker...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return healthSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("worker error")
	}
	cancel()
	workers.Wait()
	log.Info().Msg("worker stopped")
}
