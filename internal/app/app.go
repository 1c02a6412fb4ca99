// Package app assembles the chat store, coordinator and optional Redis
// plumbing from Config. The server, worker and chatctl binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-core/internal/ai"
	"github.com/suPer8Hu/chat-core/internal/chat"
	"github.com/suPer8Hu/chat-core/internal/config"
	"github.com/suPer8Hu/chat-core/internal/db"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"github.com/suPer8Hu/chat-core/internal/store/redisstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	DB    *gorm.DB
	Svc   *chat.Service
	Coord *chat.Coordinator

	// nil unless REDIS_ADDR is set
	Redis *redisstore.Store
	Bus   *redisstore.ChangeBus

	closers []func() error
}

// New connects and migrates the database and builds the coordinator over
// engine. A nil engine is resolved from cfg.AIProvider.
func New(ctx context.Context, cfg config.Config, engine ai.Engine, log *zap.Logger) (*App, error) {
	log = logging.OrNop(log)
	a := &App{Cfg: cfg, Log: log}

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.DB = gdb
	a.closers = append(a.closers, func() error { return db.Close(gdb) })

	if err := chat.Migrate(gdb); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	hub := chat.NewHub()
	a.Svc = chat.NewService(chat.NewRepo(gdb, hub), chat.WithLogger(log.Named("chat")))

	coordOpts := []chat.CoordinatorOption{
		chat.WithCoordinatorLogger(log.Named("turns")),
		chat.WithHistoryWindow(cfg.ChatContextWindowSize),
	}
	if cfg.RedisAddr != "" {
		rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, rds.Close)
		if err := rds.Ping(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Redis = rds
		a.Bus = redisstore.NewChangeBus(rds, "", log.Named("bus"))
		hub.AddListener(a.Bus)
		coordOpts = append(coordOpts, chat.WithGuard(redisstore.NewTurnGuard(rds, cfg.TurnLockTTL, log.Named("guard"))))
	}

	if engine == nil {
		engine, err = NewEngine(ctx, cfg)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.Coord = chat.NewCoordinator(a.Svc, engine, coordOpts...)
	return a, nil
}

// NewRegistry registers the providers configurable through cfg.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	return reg
}

func NewEngine(ctx context.Context, cfg config.Config) (ai.Engine, error) {
	return NewRegistry(cfg).Engine(ctx, cfg.AIProvider, "")
}

// RunBus relays changes from other processes until ctx ends. Without Redis
// it just waits for ctx.
func (a *App) RunBus(ctx context.Context) error {
	if a.Bus == nil {
		<-ctx.Done()
		return nil
	}
	return a.Bus.Run(ctx, a.Svc.Hub(), nil)
}

// Close cancels live turns and releases connections in reverse order.
func (a *App) Close() error {
	if a.Coord != nil {
		a.Coord.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
