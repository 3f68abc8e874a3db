package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"workstream/items-api/api"
	"workstream/items-api/config"
	"workstream/items-api/items"
	"workstream/items-api/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Errorf("close storage: %v", err)
		}
	}()
	logger.Infof("store backend: %s, cache: %t, feeds: %d", cfg.Store.Backend, backend.Redis != nil, len(backend.Feed))

	broker := api.NewBroker()
	var feed api.Publisher
	if len(backend.Feed) > 0 {
		feed = backend.Feed
	}
	workers := api.NewFeedWorkers(feed, broker, api.FeedOptions{
		Workers:        cfg.Feed.Workers,
		Buffer:         cfg.Feed.Buffer,
		PublishTimeout: cfg.Feed.PublishTimeout.Duration,
		HandoffTimeout: cfg.Feed.HandoffTimeout.Duration,
	}, logger)
	defer workers.Close()

	var deduper api.Deduper
	if backend.Redis != nil {
		deduper = api.NewRedisDeduper(backend.Redis, cfg.IdempotencyTTL.Duration)
		if cfg.Feed.RedisChannel != "" {
			go func() {
				if err := broker.FollowRedis(ctx, backend.Redis, cfg.Feed.RedisChannel, logger); err != nil {
					logger.Errorf("follow redis feed: %v", err)
				}
			}()
		}
	}

	svc := items.NewService(backend.Store, workers, logger)

	e := echo.New()
	e.HideBanner = true
	// Streams end with the process instead of holding shutdown open.
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, api.IdempotencyHeader},
	}))
	e.Use(api.RequestMetrics(logger))
	e.Use(api.GzipRequestMiddleware())
	api.Register(e, svc, broker, deduper, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
