package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		if strings.Contains(v, ":") {
			c.ListenAddr = v
		} else {
			c.ListenAddr = ":" + v
		}
	}
	if v, ok := os.LookupEnv("DEBUG"); ok {
		if dbg, err := strconv.ParseBool(v); err == nil {
			c.Debug = dbg
		}
	}
	c.Store.Backend = envString("STORE_BACKEND", c.Store.Backend)
	c.Store.ConnectionString = envString("STORAGE_CONNECTION_STRING", c.Store.ConnectionString)
	c.Store.ItemsTable = envString("ITEMS_TABLE", c.Store.ItemsTable)
	c.Store.PostgresURL = envString("DATABASE_URL", c.Store.PostgresURL)
	c.Store.SQLitePath = envString("SQLITE_PATH", c.Store.SQLitePath)
	c.Cache.Redis = envString("REDIS_CONNECTION_STRING", c.Cache.Redis)
	c.Feed.Queue = envString("FEED_QUEUE", c.Feed.Queue)
	c.Feed.RedisChannel = envString("FEED_REDIS_CHANNEL", c.Feed.RedisChannel)

	var err error
	if c.Cache.TTL.Duration, err = envDur("CACHE_TTL", c.Cache.TTL.Duration); err != nil {
		return err
	}
	if c.IdempotencyTTL.Duration, err = envDur("DEDUPER_TTL", c.IdempotencyTTL.Duration); err != nil {
		return err
	}
	if c.Feed.PublishTimeout.Duration, err = envDur("FEED_PUBLISH_TIMEOUT", c.Feed.PublishTimeout.Duration); err != nil {
		return err
	}
	if c.Feed.HandoffTimeout.Duration, err = envDur("FEED_HANDOFF_TIMEOUT", c.Feed.HandoffTimeout.Duration); err != nil {
		return err
	}
	if c.Feed.Workers, err = envInt("FEED_WORKERS", c.Feed.Workers); err != nil {
		return err
	}
	if c.Feed.Buffer, err = envInt("FEED_BUFFER", c.Feed.Buffer); err != nil {
		return err
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envDur(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}
