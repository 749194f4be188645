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
	"encoding/json"
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                    string `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string `mapstructure:"DATABASE_URL"`
	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                   string `mapstructure:"RABBITMQ_URL"`
	CustodyAPIBaseURL             string `mapstructure:"CUSTODY_API_BASE_URL"`
	CustodyAPIKey                 string `mapstructure:"CUSTODY_API_KEY"`
	InternalAPIKey                string `mapstructure:"INTERNAL_API_KEY"`
	CodeTTLMinutes                int    `mapstructure:"CODE_TTL_MINUTES"`
	MemoMaxLength                 int    `mapstructure:"MEMO_MAX_LENGTH"`
	HistoryPageSize               int    `mapstructure:"HISTORY_PAGE_SIZE"`
	RequestCodeRateLimitPerMinute int    `mapstructure:"REQUEST_CODE_RATE_LIMIT_PER_MINUTE"`
	ReconcileSchedule             string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileBatchLimit           int    `mapstructure:"RECONCILE_BATCH_LIMIT"`
	SubmitTimeoutSeconds          int    `mapstructure:"SUBMIT_TIMEOUT_SECONDS"`
	DefaultFeeLevel               string `mapstructure:"DEFAULT_FEE_LEVEL"`
	TokenTableJSON                string `mapstructure:"TOKEN_TABLE_JSON"`
}

// defaultTokenTable maps supported token/chain pairs to custody token IDs.
// Overridable wholesale via TOKEN_TABLE_JSON.
var defaultTokenTable = map[string]string{
	"USDC/ethereum": "tok_usdc_eth",
	"USDC/polygon":  "tok_usdc_pol",
	"USDT/ethereum": "tok_usdt_eth",
	"USDT/tron":     "tok_usdt_trx",
	"ETH/ethereum":  "tok_eth_eth",
	"SOL/solana":    "tok_sol_sol",
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "vaultline:rate_limit")
	viper.SetDefault("CODE_TTL_MINUTES", 5)
	viper.SetDefault("MEMO_MAX_LENGTH", 140)
	viper.SetDefault("HISTORY_PAGE_SIZE", 50)
	viper.SetDefault("REQUEST_CODE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_BATCH_LIMIT", 100)
	viper.SetDefault("SUBMIT_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DEFAULT_FEE_LEVEL", "MEDIUM")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CUSTODY_API_BASE_URL")
	_ = viper.BindEnv("CUSTODY_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRANSFER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CODE_TTL_MINUTES")
	_ = viper.BindEnv("MEMO_MAX_LENGTH")
	_ = viper.BindEnv("HISTORY_PAGE_SIZE")
	_ = viper.BindEnv("REQUEST_CODE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("RECONCILE_BATCH_LIMIT")
	_ = viper.BindEnv("SUBMIT_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DEFAULT_FEE_LEVEL")
	_ = viper.BindEnv("TOKEN_TABLE_JSON")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRANSFER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "vaultline:rate_limit"
	}

	if config.CodeTTLMinutes <= 0 {
		config.CodeTTLMinutes = 5
	}
	if config.MemoMaxLength <= 0 {
		config.MemoMaxLength = 140
	}
	if config.HistoryPageSize <= 0 {
		config.HistoryPageSize = 50
	}
	if config.RequestCodeRateLimitPerMinute < 0 {
		config.RequestCodeRateLimitPerMinute = 0
	}
	if strings.TrimSpace(config.ReconcileSchedule) == "" {
		config.ReconcileSchedule = "@every 1m"
	}
	if config.ReconcileBatchLimit <= 0 {
		config.ReconcileBatchLimit = 100
	}
	if config.SubmitTimeoutSeconds <= 0 {
		config.SubmitTimeoutSeconds = 30
	}
	if strings.TrimSpace(config.DefaultFeeLevel) == "" {
		config.DefaultFeeLevel = "MEDIUM"
	}

	return
}

// TokenTable returns the token/chain to custody token ID mapping. When
// TOKEN_TABLE_JSON is set it replaces the built-in table entirely; a parse
// failure falls back to the built-in table with a warning.
func (c Config) TokenTable() map[string]string {
	raw := strings.TrimSpace(c.TokenTableJSON)
	if raw == "" {
		return defaultTokenTable
	}
	var table map[string]string
	if err := json.Unmarshal([]byte(raw), &table); err != nil || len(table) == 0 {
		log.Printf("level=warn component=config msg=\"invalid TOKEN_TABLE_JSON; using built-in token table\" err=%v", err)
		return defaultTokenTable
	}
	return table
}
