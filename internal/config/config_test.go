package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/shopspring/decimal"
)

var allEnvVars = []string{
	"MODE", "ADDR", "LOG_LEVEL", "SIGNER_PRIVATE_KEY", "SIGNER_SECRET_NAME",
	"ENCRYPTION_KEY", "BROKER_URL", "PROVIDER_ADDRESS", "MODEL_NAME",
	"TRADING_SYMBOL", "QUOTE_URL", "LEDGER_INITIAL_AMOUNT", "FUNDING_AMOUNT",
	"LEDGER_UNIT", "DRY_RUN", "REDIS_URL", "METADATA_TTL", "DATABASE_URL",
	"OTLP_ENDPOINT", "AWS_REGION", "SNS_TOPIC_ARN", "RUNS_PER_MINUTE",
	"REQUEST_TIMEOUT", "SHUTDOWN_TIMEOUT",
}

func clearEnv() {
	for _, v := range allEnvVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Mode", cfg.Mode, ModeOnce},
		{"Addr", cfg.Addr, ":8080"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"BrokerURL", cfg.BrokerURL, ""},
		{"ModelName", cfg.ModelName, ""},
		{"TradingSymbol", cfg.TradingSymbol, "BTCUSDT"},
		{"QuoteURL", cfg.QuoteURL, "https://fapi.binance.com/fapi/v1/ticker/price"},
		{"LedgerUnit", cfg.LedgerUnit, "A0GI"},
		{"LedgerInitialAmount", cfg.LedgerInitialAmount.String(), "0.01"},
		{"FundingAmount", cfg.FundingAmount.String(), "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}

	if cfg.DryRun {
		t.Error("DryRun should default to false")
	}
	if cfg.MetadataTTL != time.Minute {
		t.Errorf("MetadataTTL = %v, want 1m", cfg.MetadataTTL)
	}
	if cfg.RunsPerMinute != 6 {
		t.Errorf("RunsPerMinute = %d, want 6", cfg.RunsPerMinute)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("MODE", "serve")
	os.Setenv("SIGNER_PRIVATE_KEY", "0xabc")
	os.Setenv("BROKER_URL", "https://broker.example.com/")
	os.Setenv("PROVIDER_ADDRESS", "0xprovider")
	os.Setenv("MODEL_NAME", "gpt-4o-mini")
	os.Setenv("TRADING_SYMBOL", "ETHUSDT")
	os.Setenv("FUNDING_AMOUNT", "0.5")
	os.Setenv("DRY_RUN", "true")
	os.Setenv("METADATA_TTL", "30")
	os.Setenv("RUNS_PER_MINUTE", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mode != ModeServe {
		t.Errorf("Mode = %q, want serve", cfg.Mode)
	}
	if cfg.BrokerURL != "https://broker.example.com" {
		t.Errorf("BrokerURL = %q, trailing slash should be trimmed", cfg.BrokerURL)
	}
	if cfg.ModelName != "gpt-4o-mini" {
		t.Errorf("ModelName = %q", cfg.ModelName)
	}
	if cfg.TradingSymbol != "ETHUSDT" {
		t.Errorf("TradingSymbol = %q", cfg.TradingSymbol)
	}
	if !cfg.FundingAmount.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("FundingAmount = %s, want 0.5", cfg.FundingAmount)
	}
	if !cfg.DryRun {
		t.Error("DryRun should be true")
	}
	if cfg.MetadataTTL != 30*time.Second {
		t.Errorf("MetadataTTL = %v, want 30s", cfg.MetadataTTL)
	}
	if cfg.RunsPerMinute != 2 {
		t.Errorf("RunsPerMinute = %d, want 2", cfg.RunsPerMinute)
	}
}

func TestLoad_InvalidDecimal(t *testing.T) {
	clearEnv()
	defer clearEnv()

	os.Setenv("FUNDING_AMOUNT", "lots")

	_, err := Load()
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func validConfig() *Config {
	return &Config{
		Mode:                ModeOnce,
		SignerPrivateKey:    "0xabc",
		BrokerURL:           "http://broker",
		ProviderAddress:     "0xprovider",
		TradingSymbol:       "BTCUSDT",
		QuoteURL:            "http://quotes",
		LedgerInitialAmount: decimal.RequireFromString("0.01"),
		FundingAmount:       decimal.RequireFromString("0.01"),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no signer", func(c *Config) { c.SignerPrivateKey = "" }, true},
		{"secret without region", func(c *Config) { c.SignerPrivateKey = ""; c.SignerSecretName = "key" }, true},
		{"secret with region", func(c *Config) { c.SignerPrivateKey = ""; c.SignerSecretName = "key"; c.AWSRegion = "us-east-1" }, false},
		{"no broker", func(c *Config) { c.BrokerURL = "" }, true},
		{"no provider", func(c *Config) { c.ProviderAddress = "" }, true},
		{"no symbol", func(c *Config) { c.TradingSymbol = "" }, true},
		{"bad mode", func(c *Config) { c.Mode = "daemon" }, true},
		{"zero amounts", func(c *Config) { c.FundingAmount = decimal.Zero; c.LedgerInitialAmount = decimal.Zero }, true},
		{"negative amount", func(c *Config) { c.FundingAmount = decimal.NewFromInt(-1) }, true},
		{"deposit only", func(c *Config) { c.LedgerInitialAmount = decimal.Zero }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		expected     string
	}{
		{"env set", "TEST_VAR", "custom", "default", "custom"},
		{"env not set", "TEST_VAR_UNSET", "", "default", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.expected {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.expected)
			}
		})
	}
}
