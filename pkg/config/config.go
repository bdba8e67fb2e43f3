// Package config reads runtime settings from the environment, with an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	Addr              string
	Store             string
	SQLitePath        string
	DatabaseURL       string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	SchedulerInterval time.Duration
	Verbose           bool
}

// LoadDotEnv copies values from the given .env files (default ".env") into the process
// environment. Variables that are already set, even to an empty string, win. A missing file is ignored.
func LoadDotEnv(files ...string) {
	_ = godotenv.Load(files...)
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		Addr:          get("GROUPFUND_ADDR", ":8080"),
		Store:         strings.ToLower(get("GROUPFUND_STORE", StoreMemory)),
		SQLitePath:    get("GROUPFUND_SQLITE_PATH", "groupfund.db"),
		DatabaseURL:   get("DATABASE_URL", ""),
		RedisAddr:     get("REDIS_ADDR", ""),
		RedisPassword: get("REDIS_PASS", ""),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.SchedulerInterval, err = time.ParseDuration(get("GROUPFUND_SCHEDULER_INTERVAL", "1h")); err != nil {
		return nil, fmt.Errorf("invalid GROUPFUND_SCHEDULER_INTERVAL: %w", err)
	}
	if cfg.Verbose, err = strconv.ParseBool(get("GROUPFUND_VERBOSE", "false")); err != nil {
		return nil, fmt.Errorf("invalid GROUPFUND_VERBOSE: %w", err)
	}

	switch cfg.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	default:
		return nil, fmt.Errorf("unknown GROUPFUND_STORE %q", cfg.Store)
	}
	return cfg, nil
}
