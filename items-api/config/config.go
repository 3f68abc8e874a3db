// Package config loads items-api settings from an optional TOML file and
// the environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PathEnv names the variable holding the TOML config path.
const PathEnv = "WORKSTREAM_CONFIG"

// Store backends.
const (
	BackendMemory   = "memory"
	BackendTables   = "tables"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Duration decodes TOML strings such as "90s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full items-api configuration.
type Config struct {
	ListenAddr     string   `toml:"listen_addr"`
	Debug          bool     `toml:"debug"`
	IdempotencyTTL Duration `toml:"idempotency_ttl"`
	Store          Store    `toml:"store"`
	Cache          Cache    `toml:"cache"`
	Feed           Feed     `toml:"feed"`
}

type Store struct {
	Backend          string `toml:"backend"`
	ConnectionString string `toml:"connection_string"`
	ItemsTable       string `toml:"items_table"`
	PostgresURL      string `toml:"postgres_url"`
	SQLitePath       string `toml:"sqlite_path"`
}

// Cache configures redis. An empty Redis string disables the read cache,
// the redis feed and idempotency keys.
type Cache struct {
	Redis string   `toml:"redis"`
	TTL   Duration `toml:"ttl"`
}

type Feed struct {
	Queue          string   `toml:"queue"`
	RedisChannel   string   `toml:"redis_channel"`
	Workers        int      `toml:"workers"`
	Buffer         int      `toml:"buffer"`
	PublishTimeout Duration `toml:"publish_timeout"`
	HandoffTimeout Duration `toml:"handoff_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		IdempotencyTTL: Duration{24 * time.Hour},
		Store: Store{
			Backend:    BackendMemory,
			ItemsTable: "Items",
			SQLitePath: "workstream.db",
		},
		Cache: Cache{TTL: Duration{5 * time.Minute}},
		Feed: Feed{
			Workers:        8,
			Buffer:         1024,
			PublishTimeout: Duration{10 * time.Second},
			HandoffTimeout: Duration{15 * time.Millisecond},
		},
	}
}

// Load reads path (or $WORKSTREAM_CONFIG when path is empty), applies
// environment overrides and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}
