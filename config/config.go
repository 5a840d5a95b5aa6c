package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Strategy selects how the scheduler handles "all candidates busy".
type Strategy string

const (
	// StrategyWait blocks the caller until a GPU frees up, then rescans.
	StrategyWait Strategy = "wait"
	// StrategyQueue parks the request in a per-model FIFO queue instead.
	StrategyQueue Strategy = "queue"
)

type Config struct {
	Port string

	SQLUser string
	SQLPass string
	SQLHost string
	SQLDB   string

	RedisHost string
	RedisPort string

	Strategy Strategy

	// RequestTimeout bounds the GPU-availability wait for HTTP requests.
	// Zero disables the bound; the caller's disconnect still cancels.
	RequestTimeout time.Duration

	SweepInterval time.Duration
	LockTimeout   time.Duration

	CacheTTL          time.Duration
	ContainerCacheTTL time.Duration

	PingInterval time.Duration
}

// Load reads .env if present, then the environment, applying defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		SQLUser:           os.Getenv("SQL_USER"),
		SQLPass:           os.Getenv("SQL_PW"),
		SQLHost:           os.Getenv("SQL_HOST"),
		SQLDB:             os.Getenv("SQL_DB"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		Strategy:          Strategy(getEnv("SCHEDULER_STRATEGY", string(StrategyWait))),
		RequestTimeout:    getDuration("REQUEST_TIMEOUT", 20*time.Second),
		SweepInterval:     getDuration("SWEEP_INTERVAL", 30*time.Second),
		LockTimeout:       getDuration("LOCK_TIMEOUT", 60*time.Second),
		CacheTTL:          getDuration("ASSIGNMENT_CACHE_TTL", 24*time.Hour),
		ContainerCacheTTL: getDuration("CONTAINER_CACHE_TTL", 5*time.Minute),
		PingInterval:      getDuration("WS_PING_INTERVAL", 30*time.Second),
	}

	switch cfg.Strategy {
	case StrategyWait, StrategyQueue:
	default:
		return nil, fmt.Errorf("invalid SCHEDULER_STRATEGY %q", cfg.Strategy)
	}

	return cfg, nil
}

func (c *Config) SQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", c.SQLUser, c.SQLPass, c.SQLHost, c.SQLDB)
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare numbers are taken as seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
