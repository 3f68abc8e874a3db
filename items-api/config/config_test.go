package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"workstream/items-api/config"
)

var envKeys = []string{
	config.PathEnv, "PORT", "DEBUG", "STORE_BACKEND", "STORAGE_CONNECTION_STRING", "ITEMS_TABLE",
	"DATABASE_URL", "SQLITE_PATH", "REDIS_CONNECTION_STRING", "CACHE_TTL", "FEED_QUEUE",
	"FEED_REDIS_CHANNEL", "FEED_WORKERS", "FEED_BUFFER", "FEED_PUBLISH_TIMEOUT",
	"FEED_HANDOFF_TIMEOUT", "DEDUPER_TTL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workstream.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Backend != config.BackendMemory {
		t.Fatalf("expected memory backend, got %q", cfg.Store.Backend)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.IdempotencyTTL.Duration != 24*time.Hour {
		t.Fatalf("unexpected idempotency ttl: %v", cfg.IdempotencyTTL)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
listen_addr = ":9000"
debug = true

[store]
backend = "sqlite"
sqlite_path = "/tmp/items.db"

[cache]
redis = "localhost:6379"
ttl = "90s"

[feed]
redis_channel = "items"
workers = 2
handoff_timeout = "5ms"
`)
	t.Setenv("PORT", "7000")
	t.Setenv("FEED_WORKERS", "3")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Fatalf("expected PORT to override listen_addr, got %q", cfg.ListenAddr)
	}
	if !cfg.Debug {
		t.Fatal("expected debug from file")
	}
	if cfg.Store.Backend != config.BackendSQLite || cfg.Store.SQLitePath != "/tmp/items.db" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Cache.TTL.Duration != 90*time.Second {
		t.Fatalf("unexpected cache ttl: %v", cfg.Cache.TTL)
	}
	if cfg.Feed.Workers != 3 {
		t.Fatalf("expected FEED_WORKERS override, got %d", cfg.Feed.Workers)
	}
	if cfg.Feed.HandoffTimeout.Duration != 5*time.Millisecond {
		t.Fatalf("unexpected handoff timeout: %v", cfg.Feed.HandoffTimeout)
	}
	if cfg.Feed.Buffer != config.Default().Feed.Buffer {
		t.Fatalf("expected default buffer, got %d", cfg.Feed.Buffer)
	}
}

func TestLoadUsesPathEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "[store]\nbackend = \"postgres\"\npostgres_url = \"postgres://localhost/items\"\n")
	t.Setenv(config.PathEnv, path)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Store.Backend != config.BackendPostgres {
		t.Fatalf("expected postgres backend, got %q", cfg.Store.Backend)
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("CACHE_TTL", "soon")
	if _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "CACHE_TTL") {
		t.Fatalf("expected CACHE_TTL error, got %v", err)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "listen_addr = \n")
	if _, err := config.Load(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{name: "default", mutate: func(*config.Config) {}},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Store.Backend = "mongo" }, wantErr: "unknown store.backend"},
		{name: "tables without connection", mutate: func(c *config.Config) { c.Store.Backend = config.BackendTables }, wantErr: "connection_string"},
		{name: "postgres without url", mutate: func(c *config.Config) { c.Store.Backend = config.BackendPostgres }, wantErr: "postgres_url"},
		{name: "redis channel without redis", mutate: func(c *config.Config) { c.Feed.RedisChannel = "items" }, wantErr: "cache.redis"},
		{name: "queue without storage", mutate: func(c *config.Config) { c.Feed.Queue = "item-events" }, wantErr: "connection_string"},
		{name: "no workers", mutate: func(c *config.Config) { c.Feed.Workers = 0 }, wantErr: "feed.workers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultRoundTripsThroughTOML(t *testing.T) {
	clearEnv(t)
	data, err := toml.Marshal(config.Default())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := writeConfig(t, string(data))
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Feed.PublishTimeout != config.Default().Feed.PublishTimeout {
		t.Fatalf("unexpected publish timeout: %v", cfg.Feed.PublishTimeout)
	}
}
