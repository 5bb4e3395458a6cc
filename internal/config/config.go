package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/validation"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int `validate:"min=1,max=65535"`

	// Database configuration
	DBDriver         string `validate:"oneof=postgres sqlite"`
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string `validate:"required_if=DBDriver postgres"`
	PostgresPort     int
	PostgresDB       string `validate:"required_if=DBDriver postgres"`
	PostgresSSLMode  string
	SQLitePath       string `validate:"required_if=DBDriver sqlite"`

	// Payment configuration
	Payments models.PaymentConfig

	// Pricing configuration
	Pricing models.Pricing

	// Model catalog configuration
	CatalogPath    string
	CatalogURL     string `validate:"omitempty,url"`
	CatalogRefresh time.Duration

	// Inference backend configuration
	ChatCompletionsURL    string `validate:"omitempty,url"`
	ChatCompletionsAPIKey string
	ChatMaxTokens         int `validate:"min=1"`
	ChatTemperature       float64
	ChatTimeout           time.Duration

	// Workflow configuration
	WorkflowSessionTTL time.Duration `validate:"min=1m"`

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string
	AlertEmail   string `validate:"omitempty,email"`

	// Notification configuration
	TelegramBotToken string
	TelegramChatID   int64
}

// LoadConfig loads and validates the configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := ReadConfig()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ReadConfig reads the environment without validating, so callers can apply
// overrides first.
func ReadConfig() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development: getEnvAsBool("DEVELOPMENT", false),
		APIPort:     getEnvAsInt("HTTP_PORT", 8787),

		DBDriver:         getEnv("DB_DRIVER", "sqlite"),
		PostgresUser:     getEnv("DB_USER", "postgres"),
		PostgresPassword: getEnv("DB_PASSWORD", "password"),
		PostgresHost:     getEnv("DB_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("DB_PORT", 5432),
		PostgresDB:       getEnv("DB_NAME", "tributum"),
		PostgresSSLMode:  getEnv("DB_SSLMODE", "disable"),
		SQLitePath:       getEnv("SQLITE_PATH", "tributum.db"),

		Payments: models.PaymentConfig{
			Chain:            getEnv("X402_CHAIN", validation.ChainSolana),
			Network:          getEnv("X402_NETWORK", "solana-devnet"),
			Currency:         getEnv("X402_CURRENCY", "USDC"),
			Recipient:        getEnv("X402_RECIPIENT", ""),
			Mint:             getEnv("X402_MINT", "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"),
			Decimals:         int32(getEnvAsInt("X402_DECIMALS", 6)),
			RPCURL:           getEnv("X402_RPC_URL", "https://api.devnet.solana.com"),
			ExplorerBaseURL:  getEnv("X402_EXPLORER_BASE_URL", "https://explorer.solana.com/tx"),
			PaymentURL:       getEnv("X402_PAYMENT_URL", ""),
			NetworkName:      getEnv("X402_NETWORK_NAME", ""),
			FaucetURL:        getEnv("X402_FAUCET_URL", ""),
			RecipientChainID: getEnv("X402_RECIPIENT_CHAIN_ID", ""),
			EVMChainID:       int64(getEnvAsInt("X402_EVM_CHAIN_ID", 8453)),
			CoreNetworkID:    int64(getEnvAsInt("X402_CORE_NETWORK_ID", 1)),
			InvoiceTTL:       time.Duration(getEnvAsInt("X402_EXPIRES_SECONDS", 300)) * time.Second,
			EnforceMemo:      getEnvAsBool("X402_ENFORCE_MEMO", false),
		},

		CatalogPath:    getEnv("MODEL_CATALOG_PATH", ""),
		CatalogURL:     getEnv("MODEL_CATALOG_URL", ""),
		CatalogRefresh: getEnvAsDuration("MODEL_CATALOG_REFRESH", 10*time.Minute),

		ChatCompletionsURL:    getEnv("CHAT_COMPLETIONS_URL", ""),
		ChatCompletionsAPIKey: getEnv("CHAT_COMPLETIONS_API_KEY", ""),
		ChatMaxTokens:         getEnvAsInt("CHAT_MAX_TOKENS", 512),
		ChatTemperature:       getEnvAsFloat("CHAT_TEMPERATURE", 0.7),
		ChatTimeout:           getEnvAsDuration("CHAT_TIMEOUT", 60*time.Second),

		WorkflowSessionTTL: getEnvAsDuration("WORKFLOW_SESSION_TTL", 30*time.Minute),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPSender:   getEnv("SMTP_SENDER", ""),
		AlertEmail:   getEnv("ALERT_EMAIL", ""),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   int64(getEnvAsInt("TELEGRAM_CHAT_ID", 0)),
	}

	defaults := models.DefaultPricing()
	cfg.Pricing = models.Pricing{
		PricePerCall:   getEnvAsDecimal("PRICE_PER_CALL_USDC", defaults.PricePerCall),
		GasPerCall:     getEnvAsDecimal("GAS_PER_CALL_USDC", defaults.GasPerCall),
		ShareMin:       getEnvAsDecimal("SHARE_PURCHASE_MIN_USDC", defaults.ShareMin),
		ShareMax:       getEnvAsDecimal("SHARE_PURCHASE_MAX_USDC", defaults.ShareMax),
		TokenMin:       getEnvAsDecimal("TOKEN_PURCHASE_MIN_USDC", defaults.TokenMin),
		TokenMax:       getEnvAsDecimal("TOKEN_PURCHASE_MAX_USDC", defaults.TokenMax),
		TokenUnitPrice: getEnvAsDecimal("TOKEN_UNIT_PRICE_USDC", defaults.TokenUnitPrice),
		CheckinReward:  getEnvAsDecimal("CHECKIN_REWARD_USDC", defaults.CheckinReward),
	}

	return cfg
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Payments.Chain != validation.ChainLinera {
		if err := validation.ValidateAddress(c.Payments.Chain, c.Payments.Recipient); err != nil {
			return fmt.Errorf("invalid X402_RECIPIENT: %w", err)
		}
	}

	if c.Pricing.ShareMin.GreaterThan(c.Pricing.ShareMax) {
		return fmt.Errorf("SHARE_PURCHASE_MIN_USDC must not exceed SHARE_PURCHASE_MAX_USDC")
	}
	if c.Pricing.TokenMin.GreaterThan(c.Pricing.TokenMax) {
		return fmt.Errorf("TOKEN_PURCHASE_MIN_USDC must not exceed TOKEN_PURCHASE_MAX_USDC")
	}
	if !c.Pricing.TokenUnitPrice.IsPositive() {
		return fmt.Errorf("TOKEN_UNIT_PRICE_USDC must be positive")
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.AlertEmail != "" && c.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required when ALERT_EMAIL is set")
	}

	return nil
}

// PostgresDSN renders the connection string for the Postgres driver.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode)
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDecimal(name string, defaultValue decimal.Decimal) decimal.Decimal {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := decimal.NewFromString(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
