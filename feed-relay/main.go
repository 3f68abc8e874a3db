package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"workstream/items-api/config"
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
	log.Info("feed relay starting")

	if cfg.Store.ConnectionString == "" || cfg.Feed.Queue == "" {
		log.Fatal("missing feed queue config")
	}
	if cfg.Cache.Redis == "" {
		log.Fatal("missing redis config")
	}

	queue, err := azqueue.NewQueueClientFromConnectionString(cfg.Store.ConnectionString, cfg.Feed.Queue, nil)
	if err != nil {
		log.Fatalf("queue client: %v", err)
	}
	rc := storage.NewRedisClient(cfg.Cache.Redis)
	defer rc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &relay{
		queue:        azureQueue{client: queue, visibility: 30},
		cache:        redisInvalidator{client: rc},
		redis:        rc,
		channel:      cfg.Feed.RedisChannel,
		batch:        16,
		pollInterval: time.Second,
		logger:       log.StandardLogger(),
	}
	r.run(ctx)
	log.Info("feed relay stopped")
}
