/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
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

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	LedgerAPIBaseURL     string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey         string `mapstructure:"LEDGER_API_KEY"`
	JWKSURL              string `mapstructure:"JWKS_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`
	TreasuryAddress      string `mapstructure:"TREASURY_ADDRESS"`
	PlatformFeePercent   int    `mapstructure:"PLATFORM_FEE_PERCENT"`

	// Ledger call budget per escrow instruction.
	LedgerTimeoutSeconds int `mapstructure:"LEDGER_TIMEOUT_SECONDS"`

	// Escrow rate limiter caps.
	EscrowMaxOpsPerMinute  int   `mapstructure:"ESCROW_MAX_OPS_PER_MINUTE"`
	EscrowMaxAmountPerHour int64 `mapstructure:"ESCROW_MAX_AMOUNT_PER_HOUR"`
	EscrowWarnPercent      int   `mapstructure:"ESCROW_WARN_PERCENT"`

	// Auto-confirmation of completed bookings.
	ConfirmationTimeoutHours int    `mapstructure:"CONFIRMATION_TIMEOUT_HOURS"`
	AutoConfirmSchedule      string `mapstructure:"AUTO_CONFIRM_SCHEDULE"`
	FailureCheckSchedule     string `mapstructure:"FAILURE_CHECK_SCHEDULE"`
}

// LedgerTimeout returns the per-instruction ledger call budget as a duration.
func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSeconds) * time.Second
}

// ConfirmationTimeout returns the auto-confirm window as a duration.
func (c Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutHours) * time.Hour
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 10)
	viper.SetDefault("LEDGER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("ESCROW_MAX_OPS_PER_MINUTE", 10)
	viper.SetDefault("ESCROW_MAX_AMOUNT_PER_HOUR", 1_000_000)
	viper.SetDefault("ESCROW_WARN_PERCENT", 80)
	viper.SetDefault("CONFIRMATION_TIMEOUT_HOURS", 24)
	viper.SetDefault("AUTO_CONFIRM_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("FAILURE_CHECK_SCHEDULE", "0 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("TREASURY_ADDRESS")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("LEDGER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("ESCROW_MAX_OPS_PER_MINUTE")
	_ = viper.BindEnv("ESCROW_MAX_AMOUNT_PER_HOUR")
	_ = viper.BindEnv("ESCROW_WARN_PERCENT")
	_ = viper.BindEnv("CONFIRMATION_TIMEOUT_HOURS")
	_ = viper.BindEnv("AUTO_CONFIRM_SCHEDULE")
	_ = viper.BindEnv("FAILURE_CHECK_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("SETTLEMENT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}
	config.TreasuryAddress = strings.TrimSpace(config.TreasuryAddress)

	if config.PlatformFeePercent < 0 || config.PlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent out of range; using default\" fee_percent=%d", config.PlatformFeePercent)
		config.PlatformFeePercent = 10
	}
	if config.LedgerTimeoutSeconds <= 0 {
		config.LedgerTimeoutSeconds = 30
	}
	if config.EscrowMaxOpsPerMinute <= 0 {
		config.EscrowMaxOpsPerMinute = 10
	}
	if config.EscrowMaxAmountPerHour <= 0 {
		config.EscrowMaxAmountPerHour = 1_000_000
	}
	if config.EscrowWarnPercent <= 0 || config.EscrowWarnPercent > 100 {
		config.EscrowWarnPercent = 80
	}
	if config.ConfirmationTimeoutHours <= 0 {
		config.ConfirmationTimeoutHours = 24
	}
	if strings.TrimSpace(config.AutoConfirmSchedule) == "" {
		config.AutoConfirmSchedule = "*/10 * * * *"
	}
	if strings.TrimSpace(config.FailureCheckSchedule) == "" {
		config.FailureCheckSchedule = "0 * * * *"
	}

	return
}
