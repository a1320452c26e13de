/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses
 * Viper to read configuration from environment variables and an optional .env file,
 * then normalises every tunable back to a safe default when the supplied value is
 * unusable.
 *
 * @dependencies
 * - github.com/spf13/viper: Application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	HashModeStructural = "structural"
	HashModeStrict     = "strict"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	LogMode    string `mapstructure:"LOG_MODE"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`

	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisSnapshotPrefix       string `mapstructure:"REDIS_SNAPSHOT_PREFIX"`
	RedisSnapshotTTLMinutes   int    `mapstructure:"REDIS_SNAPSHOT_TTL_MINUTES"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	CommandRateLimitPerMinute int    `mapstructure:"COMMAND_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	LedgerEventExchange string `mapstructure:"LEDGER_EVENT_EXCHANGE"`
	ProjectionQueue     string `mapstructure:"PROJECTION_QUEUE"`

	InternalJWTSecret string `mapstructure:"INTERNAL_JWT_SECRET"`
	InternalJWTIssuer string `mapstructure:"INTERNAL_JWT_ISSUER"`

	ThresholdCount       int    `mapstructure:"THRESHOLD_COUNT"`
	ThresholdCountDebits bool   `mapstructure:"THRESHOLD_COUNT_DEBITS"`
	DefaultAccountLimit  int64  `mapstructure:"DEFAULT_ACCOUNT_LIMIT"`
	HashVerificationMode string `mapstructure:"HASH_VERIFICATION_MODE"`

	SnapshotSchedule    string `mapstructure:"SNAPSHOT_SCHEDULE"`
	SnapshotEveryEvents int    `mapstructure:"SNAPSHOT_EVERY_EVENTS"`
	SnapshotWorkers     int    `mapstructure:"SNAPSHOT_WORKERS"`

	SagaMaxRetries int `mapstructure:"SAGA_MAX_RETRIES"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                   "8090",
	"LOG_MODE":                      "production",
	"STORE_BACKEND":                 StoreBackendPostgres,
	"REDIS_SNAPSHOT_PREFIX":         "ledger:snapshot",
	"REDIS_SNAPSHOT_TTL_MINUTES":    1440,
	"REDIS_RATE_LIMIT_PREFIX":       "ledger:rate_limit",
	"COMMAND_RATE_LIMIT_PER_MINUTE": 0,
	"LEDGER_EVENT_EXCHANGE":         "ledger.events",
	"PROJECTION_QUEUE":              "ledger_service.transaction_projection",
	"THRESHOLD_COUNT":               1000,
	"THRESHOLD_COUNT_DEBITS":        false,
	"DEFAULT_ACCOUNT_LIMIT":         0,
	"HASH_VERIFICATION_MODE":        HashModeStructural,
	"SNAPSHOT_SCHEDULE":             "@every 5m",
	"SNAPSHOT_EVERY_EVENTS":         100,
	"SNAPSHOT_WORKERS":              4,
	"SAGA_MAX_RETRIES":              3,
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind explicitly so every key appears in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_MODE")
	_ = viper.BindEnv("STORE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "LEDGER_DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_SNAPSHOT_PREFIX")
	_ = viper.BindEnv("REDIS_SNAPSHOT_TTL_MINUTES")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("COMMAND_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_EVENT_EXCHANGE")
	_ = viper.BindEnv("PROJECTION_QUEUE")
	_ = viper.BindEnv("INTERNAL_JWT_SECRET", "INTERNAL_JWT_SECRET", "LEDGER_INTERNAL_JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_JWT_ISSUER")
	_ = viper.BindEnv("THRESHOLD_COUNT")
	_ = viper.BindEnv("THRESHOLD_COUNT_DEBITS")
	_ = viper.BindEnv("DEFAULT_ACCOUNT_LIMIT")
	_ = viper.BindEnv("HASH_VERIFICATION_MODE")
	_ = viper.BindEnv("SNAPSHOT_SCHEDULE")
	_ = viper.BindEnv("SNAPSHOT_EVERY_EVENTS")
	_ = viper.BindEnv("SNAPSHOT_WORKERS")
	_ = viper.BindEnv("SAGA_MAX_RETRIES")

	// A missing .env file is fine.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	normalise(&config)
	return
}

func normalise(config *Config) {
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.InternalJWTSecret = strings.TrimSpace(config.InternalJWTSecret)
	config.InternalJWTIssuer = strings.TrimSpace(config.InternalJWTIssuer)

	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	if config.StoreBackend != StoreBackendPostgres && config.StoreBackend != StoreBackendMemory {
		log.Printf("level=warn component=config msg=\"unknown store backend; using postgres\" value=%q", config.StoreBackend)
		config.StoreBackend = StoreBackendPostgres
	}

	config.HashVerificationMode = strings.ToLower(strings.TrimSpace(config.HashVerificationMode))
	if config.HashVerificationMode != HashModeStructural && config.HashVerificationMode != HashModeStrict {
		log.Printf("level=warn component=config msg=\"unknown hash verification mode; using structural\" value=%q", config.HashVerificationMode)
		config.HashVerificationMode = HashModeStructural
	}

	if config.ThresholdCount <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive threshold; using 1000\" value=%d", config.ThresholdCount)
		config.ThresholdCount = 1000
	}
	if config.DefaultAccountLimit > 0 {
		log.Printf("level=warn component=config msg=\"positive account limit configured; debits must leave at least that balance\" value=%d", config.DefaultAccountLimit)
	}

	if strings.TrimSpace(config.SnapshotSchedule) == "" {
		config.SnapshotSchedule = "@every 5m"
	}
	if _, err := cron.ParseStandard(config.SnapshotSchedule); err != nil {
		log.Printf("level=warn component=config msg=\"invalid snapshot schedule; using @every 5m\" value=%q err=%v", config.SnapshotSchedule, err)
		config.SnapshotSchedule = "@every 5m"
	}
	if config.SnapshotEveryEvents <= 0 {
		config.SnapshotEveryEvents = 100
	}
	if config.SnapshotWorkers <= 0 {
		config.SnapshotWorkers = 4
	}
	if config.SagaMaxRetries < 0 {
		config.SagaMaxRetries = 3
	}
	if config.RedisSnapshotTTLMinutes < 0 {
		config.RedisSnapshotTTLMinutes = 1440
	}
	if config.CommandRateLimitPerMinute < 0 {
		config.CommandRateLimitPerMinute = 0
	}

	config.RedisSnapshotPrefix = strings.TrimSpace(config.RedisSnapshotPrefix)
	if config.RedisSnapshotPrefix == "" {
		config.RedisSnapshotPrefix = "ledger:snapshot"
	}
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}
	if strings.TrimSpace(config.LedgerEventExchange) == "" {
		config.LedgerEventExchange = "ledger.events"
	}
	if strings.TrimSpace(config.ProjectionQueue) == "" {
		config.ProjectionQueue = "ledger_service.transaction_projection"
	}
}
