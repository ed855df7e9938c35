package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	api "ultrasonic-sim/internal/api"
	"ultrasonic-sim/internal/archive"
	"ultrasonic-sim/internal/config"
	"ultrasonic-sim/internal/coordinator"
	"ultrasonic-sim/internal/logging"
	"ultrasonic-sim/internal/notify"
	"ultrasonic-sim/internal/ratelimit"
	"ultrasonic-sim/internal/solver"
	"ultrasonic-sim/internal/store"
	"ultrasonic-sim/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("api exited")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := os.MkdirAll(cfg.SolverWorkDir, 0o755); err != nil {
		return err
	}

	hub := notify.NewHub(log.WithField("component", "notify"))
	var publisher notify.Publisher = hub
	var limiter *ratelimit.TokenBucket
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		publisher = notify.NewRedisPublisher(rdb, cfg.NotifyChannel)
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
	}

	pool := worker.NewPool(cfg.SolverWorkers, cfg.SolverQueueSize, log.WithField("component", "pool"))
	pool.Start(ctx)

	opts := coordinator.Options{
		Store: st,
		Solver: &solver.Exec{
			TimeDomainCmd:      cfg.SolverTimeDomainCmd,
			FrequencyDomainCmd: cfg.SolverFrequencyDomainCmd,
			WorkDir:            cfg.SolverWorkDir,
			Logger:             log.WithField("component", "solver"),
		},
		Notifier: publisher,
		Pool:     pool,
		WorkDir:  cfg.SolverWorkDir,
		Logger:   log.WithField("component", "coordinator"),
	}
	s3Archiver, err := archive.NewS3Archiver(ctx, cfg)
	if err != nil {
		return err
	}
	if s3Archiver != nil {
		opts.Archiver = s3Archiver
	}
	coord, err := coordinator.New(opts)
	if err != nil {
		return err
	}

	if cfg.ReconcileOnStart {
		if _, err := coord.Reconcile(ctx); err != nil {
			return err
		}
	}

	server := api.New(cfg, coord, hub, limiter, log.WithField("component", "api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if rdb != nil {
		relay := notify.NewRelay(rdb, cfg.NotifyChannel, hub, log.WithField("component", "relay"))
		g.Go(func() error { return relay.Run(gctx, nil) })
	}
	g.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Stop accepting requests before the pool so no run is admitted
		// after the queue has been drained.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown")
		}
		if err := pool.Stop(shutdownCtx); err != nil {
			log.WithError(err).Warn("solver pool did not drain before the shutdown timeout")
		}
		return nil
	})

	err = g.Wait()
	log.Info("api stopped")
	return err
}

func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (coordinator.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		mem := store.NewMemory()
		return mem, mem.Close, nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}
