// Package config reads server settings from the environment. A .env file in the
// working directory is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendMongo  = "mongo"
)

type Config struct {
	Addr          string
	DSN           string
	DBMaxConns    int
	JWTSecret     string
	RedisAddr     string
	StoreBackend  string
	MongoURI      string
	MongoDatabase string
	LogLevel      string
}

// Load reads the configuration. Values already set in the environment win over
// the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	cfg := &Config{
		Addr:          getenv("HTTP_ADDR", ":8080"),
		DSN:           os.Getenv("DB_DSN"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", BackendMemory)),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getenv("MONGO_DATABASE", "rentdesk"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
	}

	maxConns, err := strconv.Atoi(getenv("DB_MAX_CONNS", "25"))
	if err != nil || maxConns <= 0 {
		return nil, fmt.Errorf("DB_MAX_CONNS must be a positive number, got %q", os.Getenv("DB_MAX_CONNS"))
	}
	cfg.DBMaxConns = maxConns

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DSN == "":
		return errors.New("DB_DSN is not set")
	case c.JWTSecret == "":
		return errors.New("JWT_SECRET is not set")
	}
	switch c.StoreBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
