package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/chat-core/internal/app"
	"github.com/suPer8Hu/chat-core/internal/config"
	"github.com/suPer8Hu/chat-core/internal/httpapi"
	"github.com/suPer8Hu/chat-core/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-core/internal/logging"
	"github.com/suPer8Hu/chat-core/internal/store/rabbitmq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil, logger)
	if err != nil {
		logger.Fatal("init", zap.Error(err))
	}
	defer func() { _ = a.Close() }()

	var publisher handlers.TurnPublisher
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Fatal("rabbit publisher", zap.Error(err))
		}
		defer func() { _ = p.Close() }()
		publisher = p
	}

	h := handlers.NewHandler(a.Svc, a.Coord, publisher, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("db_driver", cfg.DBDriver),
			zap.String("ai_provider", cfg.AIProvider),
			zap.Bool("redis", a.Redis != nil),
			zap.Bool("rabbit", publisher != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.RunBus(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// live turns stop first so SSE handlers see them settle
		a.Coord.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited", zap.Error(err))
	}
}
