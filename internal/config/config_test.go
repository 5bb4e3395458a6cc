package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-coin/tributum/internal/models"
)

func validConfig() *Config {
	return &Config{
		APIPort:    8787,
		DBDriver:   "sqlite",
		SQLitePath: "test.db",
		Payments: models.PaymentConfig{
			Chain:      "solana",
			Network:    "solana-devnet",
			Currency:   "USDC",
			Recipient:  "11111111111111111111111111111111",
			Decimals:   6,
			RPCURL:     "https://api.devnet.solana.com",
			InvoiceTTL: 300 * time.Second,
		},
		Pricing:            models.DefaultPricing(),
		ChatMaxTokens:      512,
		WorkflowSessionTTL: 30 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.DBDriver = "mysql" }, wantErr: "DBDriver"},
		{name: "postgres needs host", mutate: func(c *Config) { c.DBDriver = "postgres"; c.PostgresDB = "x" }, wantErr: "PostgresHost"},
		{name: "missing recipient", mutate: func(c *Config) { c.Payments.Recipient = "" }, wantErr: "Recipient"},
		{name: "bad recipient", mutate: func(c *Config) { c.Payments.Recipient = "not-base58-0OIl" }, wantErr: "X402_RECIPIENT"},
		{name: "linera skips address check", mutate: func(c *Config) {
			c.Payments.Chain = "linera"
			c.Payments.Recipient = "chain-owner"
			c.Payments.RPCURL = ""
		}},
		{name: "rpc required for solana", mutate: func(c *Config) { c.Payments.RPCURL = "" }, wantErr: "RPCURL"},
		{name: "ttl too short", mutate: func(c *Config) { c.Payments.InvoiceTTL = time.Millisecond }, wantErr: "InvoiceTTL"},
		{name: "share bounds inverted", mutate: func(c *Config) { c.Pricing.ShareMin = decimal.NewFromInt(50) }, wantErr: "SHARE_PURCHASE_MIN_USDC"},
		{name: "telegram without chat", mutate: func(c *Config) { c.TelegramBotToken = "t" }, wantErr: "TELEGRAM_CHAT_ID"},
		{name: "bad catalog url", mutate: func(c *Config) { c.CatalogURL = "::" }, wantErr: "CatalogURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("X402_RECIPIENT", "11111111111111111111111111111111")
	t.Setenv("X402_EXPIRES_SECONDS", "120")
	t.Setenv("PRICE_PER_CALL_USDC", "0.001")
	t.Setenv("WORKFLOW_SESSION_TTL", "2h")
	t.Setenv("SQLITE_PATH", t.TempDir()+"/ledger.db")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, cfg.Payments.InvoiceTTL)
	assert.Equal(t, "0.001", cfg.Pricing.PricePerCall.String())
	assert.Equal(t, "0.00025", cfg.Pricing.GasPerCall.String())
	assert.Equal(t, 2*time.Hour, cfg.WorkflowSessionTTL)
	assert.Equal(t, "sqlite", cfg.DBDriver)
}
