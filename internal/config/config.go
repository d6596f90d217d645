// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Bank data provider
	BankDataBaseURL      string
	BankDataTimeout      time.Duration
	BankDataRatePerSec   float64
	BankDataBurst        int
	BankDataPageSize     int
	BankDataBreakerTrips int

	// Sync
	MinSyncInterval        time.Duration
	DefaultLookback        time.Duration
	MaxLookback            time.Duration
	DuplicateWindow        time.Duration
	BatchSize              int
	MaxTransactionsPerSync int
	MaxSyncRetries         int
	SyncRetryDelay         time.Duration
	FetchTimeout           time.Duration

	// Scheduler
	SchedulerInterval      time.Duration
	SchedulerMaxConcurrent int
	SchedulerBatchLimit    int

	// Reaper
	StaleSessionAfter time.Duration
	ReaperInterval    time.Duration

	// Server
	ServerPort string
	// MetricsPort はworkerモードで/metricsを公開するポート。
	MetricsPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BankDataBaseURL = os.Getenv("BANK_DATA_BASE_URL")
	if cfg.BankDataBaseURL == "" {
		missing = append(missing, "BANK_DATA_BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)

	cfg.BankDataTimeout = getEnvDuration("BANK_DATA_TIMEOUT", 15*time.Second)
	cfg.BankDataRatePerSec = getEnvFloat("BANK_DATA_RATE_PER_SEC", 5)
	cfg.BankDataBurst = getEnvInt("BANK_DATA_BURST", 10)
	cfg.BankDataPageSize = getEnvInt("BANK_DATA_PAGE_SIZE", 500)
	cfg.BankDataBreakerTrips = getEnvInt("BANK_DATA_BREAKER_TRIPS", 5)

	cfg.MinSyncInterval = getEnvDuration("SYNC_MIN_INTERVAL", 15*time.Minute)
	cfg.DefaultLookback = getEnvDuration("SYNC_DEFAULT_LOOKBACK", 30*24*time.Hour)
	cfg.MaxLookback = getEnvDuration("SYNC_MAX_LOOKBACK", 730*24*time.Hour)
	cfg.DuplicateWindow = getEnvDuration("SYNC_DUPLICATE_WINDOW", 5*time.Minute)
	cfg.BatchSize = getEnvInt("SYNC_BATCH_SIZE", 100)
	cfg.MaxTransactionsPerSync = getEnvInt("SYNC_MAX_TRANSACTIONS", 5000)
	cfg.MaxSyncRetries = getEnvInt("SYNC_MAX_RETRIES", 3)
	cfg.SyncRetryDelay = getEnvDuration("SYNC_RETRY_DELAY", time.Second)
	cfg.FetchTimeout = getEnvDuration("SYNC_FETCH_TIMEOUT", 30*time.Second)

	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", 5*time.Minute)
	cfg.SchedulerMaxConcurrent = getEnvInt("SCHEDULER_MAX_CONCURRENT", 4)
	cfg.SchedulerBatchLimit = getEnvInt("SCHEDULER_BATCH_LIMIT", 100)

	cfg.StaleSessionAfter = getEnvDuration("STALE_SESSION_AFTER", 2*time.Hour)
	cfg.ReaperInterval = getEnvDuration("REAPER_INTERVAL", 10*time.Minute)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
