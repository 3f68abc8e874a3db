package main

import (
	"context"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"workstream/items-api/config"
	"workstream/items-api/items"
	"workstream/items-api/storage"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// withService opens the configured backend for the duration of fn. Changes
// made through the service are published to the configured feeds like those
// made through the HTTP API.
func (c *commandContext) withService(ctx context.Context, stderr io.Writer, fn func(*items.Service) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger := log.New()
	logger.SetOutput(stderr)
	logger.SetLevel(log.WarnLevel)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	var feed items.Publisher
	if len(backend.Feed) > 0 {
		feed = backend.Feed
	}
	return fn(items.NewService(backend.Store, feed, logger))
}
