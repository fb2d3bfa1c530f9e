package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	ModeOnce  = "once"
	ModeServe = "serve"
)

type Config struct {
	Mode     string
	Addr     string
	LogLevel string

	// Signer credentials. SignerPrivateKey wins over SignerSecretName.
	SignerPrivateKey string
	SignerSecretName string
	EncryptionKey    string

	BrokerURL       string
	ProviderAddress string
	ModelName       string
	TradingSymbol   string
	QuoteURL        string

	LedgerInitialAmount decimal.Decimal
	FundingAmount       decimal.Decimal
	LedgerUnit          string
	DryRun              bool

	RedisURL      string
	MetadataTTL   time.Duration
	DatabaseURL   string
	OTLPEndpoint  string
	AWSRegion     string
	SNSTopicARN   string
	RunsPerMinute int

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	initial, err := getDecimalEnv("LEDGER_INITIAL_AMOUNT", "0.01")
	if err != nil {
		return nil, err
	}
	funding, err := getDecimalEnv("FUNDING_AMOUNT", "0.01")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                getEnv("MODE", ModeOnce),
		Addr:                getEnv("ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		SignerPrivateKey:    getEnv("SIGNER_PRIVATE_KEY", ""),
		SignerSecretName:    getEnv("SIGNER_SECRET_NAME", ""),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
		BrokerURL:           strings.TrimSuffix(getEnv("BROKER_URL", ""), "/"),
		ProviderAddress:     getEnv("PROVIDER_ADDRESS", ""),
		ModelName:           getEnv("MODEL_NAME", ""),
		TradingSymbol:       getEnv("TRADING_SYMBOL", "BTCUSDT"),
		QuoteURL:            getEnv("QUOTE_URL", "https://fapi.binance.com/fapi/v1/ticker/price"),
		LedgerInitialAmount: initial,
		FundingAmount:       funding,
		LedgerUnit:          getEnv("LEDGER_UNIT", "A0GI"),
		DryRun:              getEnv("DRY_RUN", "false") == "true",
		RedisURL:            getEnv("REDIS_URL", ""),
		MetadataTTL:         getDurationEnv("METADATA_TTL", time.Minute),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		OTLPEndpoint:        getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:           getEnv("AWS_REGION", ""),
		SNSTopicARN:         getEnv("SNS_TOPIC_ARN", ""),
		RunsPerMinute:       getIntEnv("RUNS_PER_MINUTE", 6),
		RequestTimeout:      getDurationEnv("REQUEST_TIMEOUT", 120*time.Second),
		ShutdownTimeout:     getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// Validate checks the fields a run cannot proceed without.
func (c *Config) Validate() error {
	var missing []string
	if c.SignerPrivateKey == "" && c.SignerSecretName == "" {
		missing = append(missing, "SIGNER_PRIVATE_KEY or SIGNER_SECRET_NAME")
	}
	if c.SignerSecretName != "" && c.SignerPrivateKey == "" && c.AWSRegion == "" {
		missing = append(missing, "AWS_REGION")
	}
	if c.BrokerURL == "" {
		missing = append(missing, "BROKER_URL")
	}
	if c.ProviderAddress == "" {
		missing = append(missing, "PROVIDER_ADDRESS")
	}
	if c.TradingSymbol == "" {
		missing = append(missing, "TRADING_SYMBOL")
	}
	if c.QuoteURL == "" {
		missing = append(missing, "QUOTE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrInvalidConfig, strings.Join(missing, ", "))
	}

	if c.Mode != ModeOnce && c.Mode != ModeServe {
		return fmt.Errorf("%w: MODE must be %q or %q", domain.ErrInvalidConfig, ModeOnce, ModeServe)
	}
	if !c.FundingAmount.IsPositive() && !c.LedgerInitialAmount.IsPositive() {
		return fmt.Errorf("%w: FUNDING_AMOUNT or LEDGER_INITIAL_AMOUNT must be positive", domain.ErrInvalidConfig)
	}
	if c.FundingAmount.IsNegative() || c.LedgerInitialAmount.IsNegative() {
		return fmt.Errorf("%w: amounts cannot be negative", domain.ErrInvalidConfig)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDecimalEnv(key, defaultValue string) (decimal.Decimal, error) {
	raw := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s=%q is not a decimal", domain.ErrInvalidConfig, key, raw)
	}
	return d, nil
}
