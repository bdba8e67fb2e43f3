package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "groupfund.db", cfg.SQLitePath)
	assert.Equal(t, time.Hour, cfg.SchedulerInterval)
	assert.Empty(t, cfg.RedisAddr)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"GROUPFUND_ADDR":               ":9000",
		"GROUPFUND_STORE":              "Postgres",
		"DATABASE_URL":                 "postgres://localhost/groupfund",
		"REDIS_ADDR":                   "localhost:6379",
		"REDIS_DB":                     "2",
		"GROUPFUND_SCHEDULER_INTERVAL": "15m",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, 15*time.Minute, cfg.SchedulerInterval)
}

func TestInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":   {"GROUPFUND_STORE": "mongo"},
		"postgres no dsn": {"GROUPFUND_STORE": "postgres"},
		"bad interval":    {"GROUPFUND_SCHEDULER_INTERVAL": "soon"},
		"bad redis db":    {"REDIS_DB": "one"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromLookup(lookupFrom(env))
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnvKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GROUPFUND_TEST_A=fromfile\nGROUPFUND_TEST_B=fromfile\nGROUPFUND_TEST_C=fromfile\n"), 0o600))

	t.Setenv("GROUPFUND_TEST_A", "fromenv")
	t.Setenv("GROUPFUND_TEST_B", "")
	t.Setenv("GROUPFUND_TEST_C", "")
	os.Unsetenv("GROUPFUND_TEST_C")
	LoadDotEnv(path)

	assert.Equal(t, "fromenv", os.Getenv("GROUPFUND_TEST_A"))
	b, ok := os.LookupEnv("GROUPFUND_TEST_B")
	assert.True(t, ok)
	assert.Equal(t, "", b, "an explicitly empty variable is not overridden")
	assert.Equal(t, "fromfile", os.Getenv("GROUPFUND_TEST_C"))
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	assert.NotPanics(t, func() { LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")) })
}
