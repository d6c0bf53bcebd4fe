package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"paygate"
	"paygate/store/sqlstore"
)

// config is read from PAYGATE_* environment variables.
type config struct {
	Addr            string
	AdminAddr       string
	APIKey          string
	DBDialect       sqlstore.Dialect
	DBDSN           string
	Migrate         bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	IdempotencyTTL  time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	Development     bool
}

type lookupFunc func(key string) (string, bool)

func loadConfig(lookup lookupFunc) (config, error) {
	get := func(key, def string) string {
		return getEnvOrDefault(lookup, key, def)
	}

	dialect, err := sqlstore.ParseDialect(get("PAYGATE_DB_DRIVER", "mysql"))
	if err != nil {
		return config{}, err
	}
	ttlHours, err := strconv.Atoi(get("PAYGATE_IDEMPOTENCY_TTL_HOURS", "24"))
	if err != nil || ttlHours <= 0 {
		return config{}, fmt.Errorf("%w: PAYGATE_IDEMPOTENCY_TTL_HOURS must be a positive integer", paygate.ErrInvalidConfig)
	}
	redisDB, err := strconv.Atoi(get("PAYGATE_REDIS_DB", "0"))
	if err != nil {
		return config{}, fmt.Errorf("%w: PAYGATE_REDIS_DB: %v", paygate.ErrInvalidConfig, err)
	}
	maxBody, err := strconv.ParseInt(get("PAYGATE_MAX_BODY_BYTES", "10240"), 10, 64)
	if err != nil || maxBody <= 0 {
		return config{}, fmt.Errorf("%w: PAYGATE_MAX_BODY_BYTES must be a positive integer", paygate.ErrInvalidConfig)
	}
	shutdown, err := time.ParseDuration(get("PAYGATE_SHUTDOWN_TIMEOUT", "10s"))
	if err != nil {
		return config{}, fmt.Errorf("%w: PAYGATE_SHUTDOWN_TIMEOUT: %v", paygate.ErrInvalidConfig, err)
	}
	migrate, err := strconv.ParseBool(get("PAYGATE_DB_MIGRATE", "false"))
	if err != nil {
		return config{}, fmt.Errorf("%w: PAYGATE_DB_MIGRATE: %v", paygate.ErrInvalidConfig, err)
	}
	dev, err := strconv.ParseBool(get("PAYGATE_DEV", "false"))
	if err != nil {
		return config{}, fmt.Errorf("%w: PAYGATE_DEV: %v", paygate.ErrInvalidConfig, err)
	}
	dsn, err := dialect.PrepareDSN(get("PAYGATE_DB_DSN", ""))
	if err != nil {
		return config{}, fmt.Errorf("%w: PAYGATE_DB_DSN: %v", paygate.ErrInvalidConfig, err)
	}

	return config{
		Addr:            get("PAYGATE_ADDR", ":8080"),
		AdminAddr:       get("PAYGATE_ADMIN_ADDR", ":8081"),
		APIKey:          get("PAYGATE_API_KEY", ""),
		DBDialect:       dialect,
		DBDSN:           dsn,
		Migrate:         migrate,
		RedisAddr:       get("PAYGATE_REDIS_ADDR", ""),
		RedisPassword:   get("PAYGATE_REDIS_PASSWORD", ""),
		RedisDB:         redisDB,
		IdempotencyTTL:  time.Duration(ttlHours) * time.Hour,
		ShutdownTimeout: shutdown,
		MaxBodyBytes:    maxBody,
		Development:     dev,
	}, nil
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(lookup lookupFunc, key, defaultValue string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// withEnvFile layers the dotenv file at path under lookup, so process
// environment wins. A missing file leaves lookup unchanged.
func withEnvFile(lookup lookupFunc, path string) (lookupFunc, error) {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return lookup, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", paygate.ErrInvalidConfig, path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}
