package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/ai-genjobs/internal/app"
	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
	"github.com/suPer8Hu/ai-genjobs/internal/observability"
	"github.com/suPer8Hu/ai-genjobs/internal/store/rabbitmq"
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
		log.Fatal("worker exited", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:      cfg.OtelEnabled,
		ServiceName:  "ai-genjobs-worker",
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

	// requeues from retries and sweeps go back through the broker
	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		return fmt.Errorf("rabbit publisher: %w", err)
	}
	a.AddCloser(pub.Close)
	proc := a.NewProcessor(pub)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency, log)
	if err != nil {
		return fmt.Errorf("rabbit consumer: %w", err)
	}
	a.AddCloser(consumer.Close)

	log.Info("worker started", "queue", cfg.RabbitQueue, "concurrency", cfg.WorkerConcurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx, proc.Execute) })
	g.Go(func() error { return generation.NewSweeper(proc, cfg.SweepInterval, log).Run(gctx) })
	return g.Wait()
}
