/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, then normalises the values the lock manager and scheduler depend on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultLockLeaseTTL      = 15 * time.Minute
	defaultLockAcquireLimit  = 60
	defaultBudgetPrefix      = "cashflow:acquire_budget"
	defaultSubmissionQueue   = "cashflow_service.submissions"
	defaultEventsExchange    = "cashflow.events"
	defaultSubmissionSource  = "desk.submissions"
	defaultRequestTimeout    = 30 * time.Second
	defaultConsumerPrefetch  = 16
	defaultLockSweepSchedule = "@every 1m"
	defaultAuditSchedule     = "@every 10m"
)

// Config holds all the configuration variables for the cashflow-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string        `mapstructure:"SERVER_PORT"`
	StoreDriver                   string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL                   string        `mapstructure:"DATABASE_URL"`
	RedisURL                      string        `mapstructure:"REDIS_URL"`
	RedisAcquireBudgetPrefix      string        `mapstructure:"REDIS_ACQUIRE_BUDGET_PREFIX"`
	RabbitMQURL                   string        `mapstructure:"RABBITMQ_URL"`
	EventsExchange                string        `mapstructure:"EVENTS_EXCHANGE"`
	SubmissionExchange            string        `mapstructure:"SUBMISSION_EXCHANGE"`
	SubmissionQueue               string        `mapstructure:"SUBMISSION_QUEUE"`
	ConsumerPrefetch              int           `mapstructure:"CONSUMER_PREFETCH"`
	AgentJWTSecret                string        `mapstructure:"AGENT_JWT_SECRET"`
	AgentJWTIssuer                string        `mapstructure:"AGENT_JWT_ISSUER"`
	InternalAPIKey                string        `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins            []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout                time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LockLeaseTTL                  time.Duration `mapstructure:"LOCK_LEASE_TTL"`
	LockSweepSchedule             string        `mapstructure:"LOCK_SWEEP_SCHEDULE"`
	AuditSchedule                 string        `mapstructure:"AUDIT_SCHEDULE"`
	LockAcquireRateLimitPerMinute int           `mapstructure:"LOCK_ACQUIRE_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("REDIS_ACQUIRE_BUDGET_PREFIX", defaultBudgetPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("SUBMISSION_EXCHANGE", defaultSubmissionSource)
	viper.SetDefault("SUBMISSION_QUEUE", defaultSubmissionQueue)
	viper.SetDefault("CONSUMER_PREFETCH", defaultConsumerPrefetch)
	viper.SetDefault("AGENT_JWT_ISSUER", "")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("REQUEST_TIMEOUT", defaultRequestTimeout.String())
	viper.SetDefault("LOCK_LEASE_TTL", defaultLockLeaseTTL.String())
	viper.SetDefault("LOCK_SWEEP_SCHEDULE", defaultLockSweepSchedule)
	viper.SetDefault("AUDIT_SCHEDULE", defaultAuditSchedule)
	viper.SetDefault("LOCK_ACQUIRE_RATE_LIMIT_PER_MINUTE", defaultLockAcquireLimit)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CASHFLOW_REDIS_URL")
	_ = viper.BindEnv("REDIS_ACQUIRE_BUDGET_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("SUBMISSION_EXCHANGE")
	_ = viper.BindEnv("SUBMISSION_QUEUE")
	_ = viper.BindEnv("CONSUMER_PREFETCH")
	_ = viper.BindEnv("AGENT_JWT_SECRET")
	_ = viper.BindEnv("AGENT_JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CASHFLOW_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("REQUEST_TIMEOUT")
	_ = viper.BindEnv("LOCK_LEASE_TTL")
	_ = viper.BindEnv("LOCK_SWEEP_SCHEDULE")
	_ = viper.BindEnv("AUDIT_SCHEDULE")
	_ = viper.BindEnv("LOCK_ACQUIRE_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CASHFLOW_SERVICE_INTERNAL_API_KEY"))
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverMemory {
		config.StoreDriver = StoreDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisAcquireBudgetPrefix = strings.TrimSpace(config.RedisAcquireBudgetPrefix)
	if config.RedisAcquireBudgetPrefix == "" {
		config.RedisAcquireBudgetPrefix = defaultBudgetPrefix
	}
	config.CORSAllowedOrigins = normalizeOrigins(config.CORSAllowedOrigins)

	if config.LockLeaseTTL <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive lock lease ttl; using default\" ttl=%s", config.LockLeaseTTL)
		config.LockLeaseTTL = defaultLockLeaseTTL
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.LockAcquireRateLimitPerMinute < 0 {
		config.LockAcquireRateLimitPerMinute = 0
	}
	if config.ConsumerPrefetch <= 0 {
		config.ConsumerPrefetch = defaultConsumerPrefetch
	}
	if strings.TrimSpace(config.LockSweepSchedule) == "" {
		config.LockSweepSchedule = defaultLockSweepSchedule
	}
	if strings.TrimSpace(config.AuditSchedule) == "" {
		config.AuditSchedule = defaultAuditSchedule
	}

	return
}

// normalizeOrigins accepts both a parsed list and a single comma separated value.
func normalizeOrigins(raw []string) []string {
	var origins []string
	for _, entry := range raw {
		for _, origin := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
