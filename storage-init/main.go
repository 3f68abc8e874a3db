package main

import (
	"context"
	"flag"

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
	log.WithFields(log.Fields{
		"backend": cfg.Store.Backend,
		"table":   cfg.Store.ItemsTable,
		"queue":   cfg.Feed.Queue,
	}).Info("storage init starting")

	if err := storage.Provision(context.Background(), cfg); err != nil {
		log.Fatalf("provision: %v", err)
	}

	log.Info("storage init complete")
}
