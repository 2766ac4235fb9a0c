package config

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/gochat-rooms/internal/database"
	"github.com/npezzotti/gochat-rooms/internal/rooms"
	"github.com/rs/zerolog"
)

const (
	defaultAddr       = "localhost:8000"
	defaultDSN        = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	envPrefix         = "GOCHAT_"
)

type Config struct {
	ServerAddr     string
	DatabaseDriver string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	StoreTimeout   time.Duration
	MaxMembers     int
	CodeAttempts   int
	LogLevel       zerolog.Level
}

// RoomOptions returns the room manager settings carried by the config.
func (c *Config) RoomOptions() rooms.Options {
	return rooms.Options{
		StoreTimeout: c.StoreTimeout,
		MaxMembers:   c.MaxMembers,
		CodeAttempts: c.CodeAttempts,
	}
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*s = append(*s, v)
		}
	}
	return nil
}

// Load reads an optional .env file, then parses args. Every flag defaults to
// its GOCHAT_ environment variable when set.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	fs := flag.NewFlagSet("gochat", flag.ContinueOnError)

	var (
		addr           = fs.String("addr", env("ADDR", defaultAddr), "server address")
		driver         = fs.String("db-driver", env("DB_DRIVER", database.DriverPostgres), "database driver (postgres or sqlite3)")
		dsn            = fs.String("dsn", env("DSN", defaultDSN), "database connection string")
		signingKey     = fs.String("signing-key", env("SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
		storeTimeout   = fs.String("store-timeout", env("STORE_TIMEOUT", rooms.DefaultStoreTimeout.String()), "timeout for each room operation's store access")
		maxMembers     = fs.String("max-members", env("MAX_MEMBERS", strconv.Itoa(rooms.DefaultMaxMembers)), "default room capacity")
		codeAttempts   = fs.String("code-attempts", env("CODE_ATTEMPTS", strconv.Itoa(rooms.DefaultCodeAttempts)), "attempts to find a free room code")
		logLevel       = fs.String("log-level", env("LOG_LEVEL", zerolog.InfoLevel.String()), "log level")
		allowedOrigins stringSliceFlag
	)
	if origins := env("ALLOWED_ORIGINS", ""); origins != "" {
		allowedOrigins.Set(origins)
	}
	fs.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	timeout, err := time.ParseDuration(*storeTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse store timeout: %w", err)
	}
	members, err := strconv.Atoi(*maxMembers)
	if err != nil {
		return nil, fmt.Errorf("parse max members: %w", err)
	}
	attempts, err := strconv.Atoi(*codeAttempts)
	if err != nil {
		return nil, fmt.Errorf("parse code attempts: %w", err)
	}
	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg, err := NewConfig(*addr, *driver, *dsn, *signingKey, allowedOrigins)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		return nil, fmt.Errorf("store timeout must be positive")
	}
	if members <= 0 {
		return nil, fmt.Errorf("max members must be positive")
	}
	if attempts <= 0 {
		return nil, fmt.Errorf("code attempts must be positive")
	}

	cfg.StoreTimeout = timeout
	cfg.MaxMembers = members
	cfg.CodeAttempts = attempts
	cfg.LogLevel = level

	return cfg, nil
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// NewConfig validates the connection settings and returns a config with
// default room settings.
func NewConfig(serverAddr, driver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if driver != database.DriverPostgres && driver != database.DriverSqlite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		DatabaseDriver: driver,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		StoreTimeout:   rooms.DefaultStoreTimeout,
		MaxMembers:     rooms.DefaultMaxMembers,
		CodeAttempts:   rooms.DefaultCodeAttempts,
		LogLevel:       zerolog.InfoLevel,
	}, nil
}
