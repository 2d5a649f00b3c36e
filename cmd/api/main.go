package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/zachbroad/webhook-dispatch/internal/config"
	"github.com/zachbroad/webhook-dispatch/internal/database"
	"github.com/zachbroad/webhook-dispatch/internal/handler"
	"github.com/zachbroad/webhook-dispatch/internal/logger"
	"github.com/zachbroad/webhook-dispatch/internal/metrics"
	"github.com/zachbroad/webhook-dispatch/internal/queue"
	"github.com/zachbroad/webhook-dispatch/internal/store"
	"github.com/zachbroad/webhook-dispatch/internal/store/memstore"
	"github.com/zachbroad/webhook-dispatch/internal/webhook"
	"github.com/zachbroad/webhook-dispatch/internal/worker"
	"golang.org/x/sync/errgroup"
)

type subscriptionStore interface {
	webhook.SubscriptionStore
	worker.SubscriptionStore
}

type deliveryStore interface {
	webhook.DeliveryStore
	worker.DeliveryStore
}

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery worker pool in-process")
	inMemory := flag.Bool("memory", false, "use in-memory stores instead of Postgres (implies -worker)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Logging)
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		subs       subscriptionStore
		deliveries deliveryStore
		audit      webhook.AuditLog
	)
	if *inMemory {
		ms := memstore.New()
		subs, deliveries, audit = ms.Subscriptions, ms.Deliveries, ms.Audit
		log.Warn().Msg("using in-memory stores, state is lost on exit")
	} else {
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
		subs, deliveries, audit = s.Subscriptions, s.Deliveries, s.Audit
	}

	// Without Redis there is nobody to hand deliveries to, so dispatch locally.
	runLocal := *withWorker || *inMemory || cfg.RedisURL == ""

	var (
		scheduler webhook.Scheduler
		workers   *worker.Pool
	)
	if runLocal {
		d := worker.NewDispatcher(subs, deliveries, worker.DispatcherConfig{
			Timeout:             cfg.Delivery.Timeout,
			QuarantineThreshold: cfg.Delivery.QuarantineThreshold,
		})
		workers = worker.NewPool(d, worker.PoolConfig{
			Concurrency:  cfg.Worker.Concurrency,
			QueueSize:    cfg.Worker.QueueSize,
			PollInterval: cfg.Worker.PollInterval,
			PollBatch:    cfg.Worker.PollBatch,
		})
		workers.Start(ctx)
		scheduler = workers
	} else {
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
		scheduler = queue.NewStream(rdb)
	}

	svc := webhook.NewService(subs, deliveries, audit, scheduler)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handler.RequestLogger())
	r.RedirectTrailingSlash = true
	handler.Routes(r, svc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Bool("local_worker", runLocal).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	cancel()
	if workers != nil {
		workers.Wait()
	}
	log.Info().Msg("api server stopped")
}
