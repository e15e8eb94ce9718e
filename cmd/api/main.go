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

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/ai-genjobs/internal/app"
	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
	"github.com/suPer8Hu/ai-genjobs/internal/observability"
	"github.com/suPer8Hu/ai-genjobs/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-genjobs/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:      cfg.OtelEnabled,
		ServiceName:  "ai-genjobs-api",
		Environment:  cfg.AppEnv,
		Endpoint:     cfg.OtelEndpoint,
		SamplerRatio: cfg.OtelSamplerRatio,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	var proc *generation.Processor
	switch cfg.DispatchMode {
	case config.DispatchRabbitMQ:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbit publisher: %w", err)
		}
		a.AddCloser(pub.Close)
		proc = a.NewProcessor(pub)
		log.Info("dispatching to rabbitmq; run cmd/worker to execute jobs", "queue", cfg.RabbitQueue)
	default:
		pool := worker.NewPool(cfg.WorkerConcurrency, cfg.WorkerQueueSize, func(ctx context.Context, id string) error {
			return proc.Execute(ctx, id)
		}, log)
		proc = a.NewProcessor(pool)
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return generation.NewSweeper(proc, cfg.SweepInterval, log).Run(gctx) })
	}

	if cfg.AppEnv == "production" || cfg.AppEnv == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(proc, a.Repo, a.Registry, a.Events, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, h, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "dispatch", cfg.DispatchMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
