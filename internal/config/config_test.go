package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp runs the test from an empty directory so no .env is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	return dir
}

func TestNewConfig(t *testing.T) {
	var (
		addr   = "localhost:8080"
		driver = "postgres"
		dsn    = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key    = "c29tZV9zZWNyZXQ="
		orig   = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name   string
		addr   string
		driver string
		dsn    string
		key    string
		err    bool
	}{
		{name: "valid config", addr: addr, driver: driver, dsn: dsn, key: key},
		{name: "sqlite driver", addr: addr, driver: "sqlite3", dsn: "file:chat.db", key: key},
		{name: "empty address", addr: "", driver: driver, dsn: dsn, key: key, err: true},
		{name: "unknown driver", addr: addr, driver: "mysql", dsn: dsn, key: key, err: true},
		{name: "empty DSN", addr: addr, driver: driver, dsn: "", key: key, err: true},
		{name: "empty signing key", addr: addr, driver: driver, dsn: dsn, key: "", err: true},
		{name: "undecodable signing key", addr: addr, driver: driver, dsn: dsn, key: "not base64!", err: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			config, err := NewConfig(tc.addr, tc.driver, tc.dsn, tc.key, orig)
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)

			assert.Equal(t, tc.addr, config.ServerAddr, "expected server address to match")
			assert.Equal(t, tc.driver, config.DatabaseDriver, "expected driver to match")
			assert.Equal(t, tc.dsn, config.DatabaseDSN, "expected database DSN to match")
			assert.Equal(t, orig, config.AllowedOrigins, "expected allowed origins to match")
			assert.Equal(t, []byte("some_secret"), config.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, defaultAddr, cfg.ServerAddr)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, defaultDSN, cfg.DatabaseDSN)
	assert.NotEmpty(t, cfg.SigningKey)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 50, cfg.MaxMembers)
	assert.Equal(t, 10, cfg.CodeAttempts)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)

	opts := cfg.RoomOptions()
	assert.Equal(t, cfg.StoreTimeout, opts.StoreTimeout)
	assert.Equal(t, cfg.MaxMembers, opts.MaxMembers)
	assert.Equal(t, cfg.CodeAttempts, opts.CodeAttempts)
}

func TestLoad_EnvAndFlags(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GOCHAT_ADDR", ":9000")
	t.Setenv("GOCHAT_DB_DRIVER", "sqlite3")
	t.Setenv("GOCHAT_DSN", "file:env.db")
	t.Setenv("GOCHAT_ALLOWED_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("GOCHAT_STORE_TIMEOUT", "2s")
	t.Setenv("GOCHAT_MAX_MEMBERS", "8")
	t.Setenv("GOCHAT_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"-dsn", "file:flag.db", "-code-attempts", "3"})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, "sqlite3", cfg.DatabaseDriver)
	assert.Equal(t, "file:flag.db", cfg.DatabaseDSN, "expected flag to override env")
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 8, cfg.MaxMembers)
	assert.Equal(t, 3, cfg.CodeAttempts)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GOCHAT_MAX_MEMBERS=12\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("GOCHAT_MAX_MEMBERS") })

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxMembers)
}

func TestLoad_Invalid(t *testing.T) {
	chdirTemp(t)

	tcases := []struct {
		name string
		args []string
	}{
		{"unknown flag", []string{"-nope"}},
		{"bad timeout", []string{"-store-timeout", "soon"}},
		{"zero timeout", []string{"-store-timeout", "0s"}},
		{"bad capacity", []string{"-max-members", "many"}},
		{"zero capacity", []string{"-max-members", "0"}},
		{"negative attempts", []string{"-code-attempts", "-1"}},
		{"bad log level", []string{"-log-level", "loud"}},
		{"unknown driver", []string{"-db-driver", "mysql"}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.args)
			assert.Error(t, err)
		})
	}
}

func Test_decodeSigningKey(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
				return
			}
			assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
			assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
		})
	}
}
