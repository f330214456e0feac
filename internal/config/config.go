package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv              string
	Port                string
	AllowedOrigin       string
	DatabaseURL         string
	MigrateSchema       bool
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	LocalStorePath      string
	StoreID             string
	DeviceID            string
	TaxRatePercent      float64
	SyncIntervalSeconds int
	ConnectivityTimeout time.Duration
	LogLevel            string
	LogEncoding         string
}

// Load reads .env (if present), then configs/config.yaml (if present), then
// the environment. Environment variables win.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile("configs/config.yaml")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("MIGRATE_SCHEMA", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOCAL_STORE_PATH", "dukaan-device.db")
	v.SetDefault("STORE_ID", "main-store")
	v.SetDefault("DEVICE_ID", "POS1")
	v.SetDefault("TAX_RATE_PERCENT", 18.0)
	v.SetDefault("SYNC_INTERVAL_SECONDS", 30)
	v.SetDefault("CONNECTIVITY_TIMEOUT_MS", 2000)
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("LOG_ENCODING", "")

	// the file is optional
	_ = v.ReadInConfig()

	interval := v.GetInt("SYNC_INTERVAL_SECONDS")
	if interval < 1 {
		interval = 30
	}
	timeoutMS := v.GetInt("CONNECTIVITY_TIMEOUT_MS")
	if timeoutMS < 1 {
		timeoutMS = 2000
	}
	taxRate := v.GetFloat64("TAX_RATE_PERCENT")
	if taxRate < 0 {
		taxRate = 18
	}

	return Config{
		AppEnv:              strings.ToLower(v.GetString("APP_ENV")),
		Port:                v.GetString("PORT"),
		AllowedOrigin:       v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:         strings.TrimSpace(v.GetString("DATABASE_URL")),
		MigrateSchema:       v.GetBool("MIGRATE_SCHEMA"),
		RedisAddr:           strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:       v.GetString("REDIS_PASSWORD"),
		RedisDB:             v.GetInt("REDIS_DB"),
		LocalStorePath:      strings.TrimSpace(v.GetString("LOCAL_STORE_PATH")),
		StoreID:             v.GetString("STORE_ID"),
		DeviceID:            v.GetString("DEVICE_ID"),
		TaxRatePercent:      taxRate,
		SyncIntervalSeconds: interval,
		ConnectivityTimeout: time.Duration(timeoutMS) * time.Millisecond,
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogEncoding:         v.GetString("LOG_ENCODING"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

func (c Config) Development() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}
