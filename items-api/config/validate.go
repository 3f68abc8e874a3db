package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr must be set")
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Feed.Workers <= 0 {
		return errors.New("feed.workers must be positive")
	}
	if c.Feed.Buffer < 0 {
		return errors.New("feed.buffer must not be negative")
	}
	if c.Feed.RedisChannel != "" && c.Cache.Redis == "" {
		return errors.New("feed.redis_channel requires cache.redis")
	}
	if c.Feed.Queue != "" && c.Store.ConnectionString == "" {
		return errors.New("feed.queue requires store.connection_string")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendTables:
		if c.Store.ConnectionString == "" {
			return errors.New("store.connection_string is required for the tables backend (STORAGE_CONNECTION_STRING)")
		}
		if c.Store.ItemsTable == "" {
			return errors.New("store.items_table must be set")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres backend (DATABASE_URL)")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend (SQLITE_PATH)")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	return nil
}
