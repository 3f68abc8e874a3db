package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/redis/go-redis/v9"

	"workstream/items-api/config"
	"workstream/items-api/domain"
)

// Backend bundles the configured store with the optional redis client and
// change feeds built from the same configuration.
type Backend struct {
	Store domain.Store
	Redis *redis.Client
	Feed  Fanout

	closers []func() error
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the store selected by cfg.Store.Backend, wrapping it in a
// redis cache when cfg.Cache.Redis is set.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{}
	base, err := openStore(ctx, cfg, b)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	b.Store = base

	if cfg.Cache.Redis != "" {
		b.Redis = NewRedisClient(cfg.Cache.Redis)
		b.closers = append(b.closers, b.Redis.Close)
		b.Store = NewCache(base, b.Redis, cfg.Cache.TTL.Duration)
		if cfg.Feed.RedisChannel != "" {
			b.Feed = append(b.Feed, NewRedisFeed(b.Redis, cfg.Feed.RedisChannel))
		}
	}
	if cfg.Feed.Queue != "" {
		qf, err := NewQueueFeed(cfg.Store.ConnectionString, cfg.Feed.Queue)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("feed queue: %w", err)
		}
		b.Feed = append(b.Feed, qf)
	}
	return b, nil
}

func openStore(ctx context.Context, cfg *config.Config, b *Backend) (domain.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendTables:
		return NewTables(cfg.Store.ConnectionString, cfg.Store.ItemsTable)
	case config.BackendPostgres:
		pg, err := OpenPostgres(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return pg, nil
	case config.BackendSQLite:
		lite, err := OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, lite.Close)
		if err := lite.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Provision creates the table, queue or schema the configuration needs.
// Existing resources are left alone.
func Provision(ctx context.Context, cfg *config.Config) error {
	switch cfg.Store.Backend {
	case config.BackendTables:
		tables, err := NewTables(cfg.Store.ConnectionString, cfg.Store.ItemsTable)
		if err != nil {
			return err
		}
		if err := tables.CreateTable(ctx); err != nil {
			return fmt.Errorf("create table %s: %w", cfg.Store.ItemsTable, err)
		}
	case config.BackendPostgres, config.BackendSQLite:
		b := &Backend{}
		_, err := openStore(ctx, cfg, b)
		closeErr := b.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
	}
	if cfg.Feed.Queue != "" {
		if err := createQueue(ctx, cfg.Store.ConnectionString, cfg.Feed.Queue); err != nil {
			return fmt.Errorf("create queue %s: %w", cfg.Feed.Queue, err)
		}
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}
