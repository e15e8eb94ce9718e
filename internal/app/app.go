package app

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/db"
	"github.com/suPer8Hu/ai-genjobs/internal/events"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
	"github.com/suPer8Hu/ai-genjobs/internal/store/redisstore"
)

// App holds the collaborators shared by the api and worker processes.
type App struct {
	Cfg      config.Config
	Log      *logger.Logger
	DB       *gorm.DB
	Repo     *generation.Repo
	Registry *ai.Registry
	Bus      events.Bus
	Events   *generation.Broadcaster

	closers []func() error
}

func New(cfg config.Config, log *logger.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, generation.Models()...); err != nil {
		return nil, err
	}
	a.DB = gdb
	a.Repo = generation.NewRepo(gdb)
	if sqlDB, err := gdb.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}

	catalog, err := ai.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Registry = ai.BuildRegistry(catalog, ai.DefaultFactories(ProviderSettings(cfg)))
	for _, m := range a.Registry.List() {
		if !m.Available {
			log.Warn("model unavailable", "model_id", m.ModelID, "provider", m.ProviderName, "reason", m.Reason)
		}
	}

	if cfg.RedisAddr != "" {
		rdb, err := redisstore.NewClient(redisstore.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.Bus = redisstore.NewBus(log, rdb)
	} else {
		log.Info("REDIS_ADDR not set, using in-process event bus")
		a.Bus = events.NewMemoryBus(log)
	}
	a.closers = append(a.closers, a.Bus.Close)
	a.Events = generation.NewBroadcaster(a.Bus, cfg.EventsChannelPrefix, log)

	return a, nil
}

// NewProcessor wires the job processor to the given dispatcher.
func (a *App) NewProcessor(d generation.Dispatcher) *generation.Processor {
	return generation.NewProcessor(a.Repo, a.Repo, a.Registry, d, a.Events, a.Log, generation.Options{
		HeartbeatInterval: a.Cfg.HeartbeatInterval,
		StaleAfter:        a.Cfg.StaleAfter,
		MaxAutoAttempts:   a.Cfg.MaxAutoAttempts,
		AutoRetryFailed:   a.Cfg.AutoRetryFailed,
		AutoRetryDelay:    a.Cfg.AutoRetryDelay,
		Now:               func() time.Time { return time.Now().UTC() },
	})
}

// AddCloser registers fn to run on Close, in reverse order.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ProviderSettings(cfg config.Config) ai.ProviderSettings {
	return ai.ProviderSettings{
		ArkAPIKey:             cfg.ArkAPIKey,
		ArkBaseURL:            cfg.ArkBaseURL,
		KlingAccessKey:        cfg.KlingAccessKey,
		KlingSecretKey:        cfg.KlingSecretKey,
		KlingBaseURL:          cfg.KlingBaseURL,
		KlingPollInterval:     cfg.KlingPollInterval,
		KlingMaxPolls:         cfg.KlingMaxPolls,
		ReplicateAPIToken:     cfg.ReplicateAPIToken,
		ReplicateBaseURL:      cfg.ReplicateBaseURL,
		ReplicatePollInterval: cfg.ReplicatePollInterval,
		ReplicateMaxPolls:     cfg.ReplicateMaxPolls,
		MockOutputBaseURL:     cfg.MockOutputBaseURL,
		MockLatency:           cfg.MockLatency,
	}
}
