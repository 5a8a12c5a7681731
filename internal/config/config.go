package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	QueueDriverSQLite   = "sqlite"
	QueueDriverPostgres = "postgres"
	QueueDriverRedis    = "redis"
	QueueDriverMemory   = "memory"
)

type Config struct {
	Port          string
	AllowedOrigin string
	Environment   string

	LedgerBaseURL        string
	LedgerTimeoutSeconds int
	DeviceID             string
	NodeID               int64
	CashBoxCode          string

	QueueDriver   string
	QueuePath     string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DrainIntervalSeconds int
	DrainRatePerSecond   float64
	SessionCheckSeconds  int

	ManagerPINHash string
	LogLevel       string
	LogFormat      string
}

// Load reads the environment, falling back to an optional .env file in the
// working directory.
func Load() Config {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LEDGER_BASE_URL", "")
	v.SetDefault("LEDGER_TIMEOUT_SECONDS", 10)
	v.SetDefault("DEVICE_ID", "pos-01")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("CASH_BOX_CODE", "CAJA-1")
	v.SetDefault("QUEUE_DRIVER", QueueDriverSQLite)
	v.SetDefault("QUEUE_PATH", "offline_sales.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DRAIN_INTERVAL_SECONDS", 30)
	v.SetDefault("DRAIN_RATE_PER_SECOND", 5.0)
	v.SetDefault("SESSION_CHECK_SECONDS", 300)
	v.SetDefault("MANAGER_PIN_HASH", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// a missing .env is the normal case on a terminal
	_ = v.ReadInConfig()

	cfg := Config{
		Port:                 v.GetString("PORT"),
		AllowedOrigin:        v.GetString("ALLOWED_ORIGIN"),
		Environment:          strings.ToLower(strings.TrimSpace(v.GetString("ENVIRONMENT"))),
		LedgerBaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("LEDGER_BASE_URL")), "/"),
		LedgerTimeoutSeconds: positive(v.GetInt("LEDGER_TIMEOUT_SECONDS"), 10),
		DeviceID:             strings.TrimSpace(v.GetString("DEVICE_ID")),
		NodeID:               v.GetInt64("NODE_ID"),
		CashBoxCode:          strings.ToUpper(strings.TrimSpace(v.GetString("CASH_BOX_CODE"))),
		QueueDriver:          strings.ToLower(strings.TrimSpace(v.GetString("QUEUE_DRIVER"))),
		QueuePath:            v.GetString("QUEUE_PATH"),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		RedisAddr:            strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		RedisDB:              v.GetInt("REDIS_DB"),
		DrainIntervalSeconds: positive(v.GetInt("DRAIN_INTERVAL_SECONDS"), 30),
		DrainRatePerSecond:   v.GetFloat64("DRAIN_RATE_PER_SECOND"),
		SessionCheckSeconds:  positive(v.GetInt("SESSION_CHECK_SECONDS"), 300),
		ManagerPINHash:       strings.TrimSpace(v.GetString("MANAGER_PIN_HASH")),
		LogLevel:             strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogFormat:            strings.ToLower(strings.TrimSpace(v.GetString("LOG_FORMAT"))),
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

func (c Config) SessionCheckInterval() time.Duration {
	return time.Duration(c.SessionCheckSeconds) * time.Second
}

func positive(value int, fallback int) int {
	if value < 1 {
		return fallback
	}
	return value
}
