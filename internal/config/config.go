// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `yaml:"port"`
	Env       string `yaml:"env"` // "development", "staging", "production"
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "json" or "text"

	// Database
	DatabaseURL string `yaml:"database_url"` // optional, uses in-memory store if not set

	// Blockchain settings
	ChainID         int64    `yaml:"chain_id"`
	RPCURLs         []string `yaml:"rpc_endpoints"`
	RelayPrivateKey string   `yaml:"-"` // env only
	TokenContract   string   `yaml:"token_contract"`
	EscrowContract  string   `yaml:"escrow_contract"`
	AdminAddress    string   `yaml:"admin_address"`

	// RPC endpoint health and retries
	CircuitThreshold   int           `yaml:"circuit_breaker_threshold"`
	CircuitCooldown    time.Duration `yaml:"circuit_cooldown"`
	FailureResetWindow time.Duration `yaml:"failure_reset_window"`
	RPCMaxAttempts     int           `yaml:"rpc_max_attempts"`
	RPCBackoffBase     time.Duration `yaml:"rpc_backoff_base"`
	RPCBackoffMax      time.Duration `yaml:"rpc_backoff_max"`
	RPCAttemptTimeout  time.Duration `yaml:"rpc_attempt_timeout"`
	TxConfirmTimeout   time.Duration `yaml:"tx_confirm_timeout"`

	// Gas station, native amounts in BNB
	RelayMinBalance     string        `yaml:"relay_min_balance"`
	ApprovalGasGrant    string        `yaml:"approval_gas_grant"`
	RelayReadinessTTL   time.Duration `yaml:"relay_readiness_ttl"`
	RelayDailyGasBudget string        `yaml:"relay_daily_gas_budget"`

	// Orders
	OrderPendingTTL time.Duration `yaml:"order_pending_ttl"`

	// Events
	NATSURL    string `yaml:"nats_url"` // optional, events stay in-process if not set
	NATSStream string `yaml:"nats_stream"`

	// Security
	AdminSecret          string   `yaml:"-"` // env only
	WalletAuth           string   `yaml:"wallet_auth"` // "signature" or "header" (development only)
	CORSOrigins          []string `yaml:"cors_origins"`
	RateLimitPerMinute   int      `yaml:"rate_limit_per_minute"`
	FundingRatePerMinute int      `yaml:"funding_rate_per_minute"`

	// Tracing
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// BNB Smart Chain mainnet defaults
const (
	DefaultChainID       = 56
	DefaultRPCURL        = "https://bsc-dataseed.bnbchain.org"
	DefaultTokenContract = "0x55d398326f99059fF775485246999027B3197955" // BSC USDT (18 decimals)
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultNATSStream    = "ORDERS"
	DefaultRateLimit     = 120
	DefaultFundingRate   = 3
)

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Port:                 DefaultPort,
		Env:                  DefaultEnv,
		LogLevel:             DefaultLogLevel,
		LogFormat:            DefaultLogFormat,
		ChainID:              DefaultChainID,
		RPCURLs:              []string{DefaultRPCURL},
		TokenContract:        DefaultTokenContract,
		CircuitThreshold:     3,
		CircuitCooldown:      60 * time.Second,
		FailureResetWindow:   5 * time.Minute,
		RPCMaxAttempts:       3,
		RPCBackoffBase:       time.Second,
		RPCBackoffMax:        5 * time.Second,
		RPCAttemptTimeout:    15 * time.Second,
		TxConfirmTimeout:     60 * time.Second,
		RelayMinBalance:      "0.01",
		ApprovalGasGrant:     "0.0005",
		RelayReadinessTTL:    15 * time.Second,
		RelayDailyGasBudget:  "0.5",
		OrderPendingTTL:      24 * time.Hour,
		NATSStream:           DefaultNATSStream,
		WalletAuth:           "signature",
		RateLimitPerMinute:   DefaultRateLimit,
		FundingRatePerMinute: DefaultFundingRate,
	}
}

// Load reads configuration. Precedence: environment, then CONFIG_FILE, then
// defaults. It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.ChainID = getEnvInt64("CHAIN_ID", c.ChainID)
	c.RPCURLs = getEnvList("RPC_URLS", c.RPCURLs)
	c.RelayPrivateKey = getEnv("RELAY_PRIVATE_KEY", c.RelayPrivateKey)
	c.TokenContract = getEnv("TOKEN_CONTRACT", c.TokenContract)
	c.EscrowContract = getEnv("ESCROW_CONTRACT", c.EscrowContract)
	c.AdminAddress = getEnv("ADMIN_ADDRESS", c.AdminAddress)

	c.CircuitThreshold = int(getEnvInt64("CIRCUIT_BREAKER_THRESHOLD", int64(c.CircuitThreshold)))
	c.CircuitCooldown = getEnvDuration("CIRCUIT_COOLDOWN", c.CircuitCooldown)
	c.FailureResetWindow = getEnvDuration("FAILURE_RESET_WINDOW", c.FailureResetWindow)
	c.RPCMaxAttempts = int(getEnvInt64("RPC_MAX_ATTEMPTS", int64(c.RPCMaxAttempts)))
	c.RPCBackoffBase = getEnvDuration("RPC_BACKOFF_BASE", c.RPCBackoffBase)
	c.RPCBackoffMax = getEnvDuration("RPC_BACKOFF_MAX", c.RPCBackoffMax)
	c.RPCAttemptTimeout = getEnvDuration("RPC_ATTEMPT_TIMEOUT", c.RPCAttemptTimeout)
	c.TxConfirmTimeout = getEnvDuration("TX_CONFIRM_TIMEOUT", c.TxConfirmTimeout)

	c.RelayMinBalance = getEnv("RELAY_MIN_BALANCE", c.RelayMinBalance)
	c.ApprovalGasGrant = getEnv("APPROVAL_GAS_GRANT", c.ApprovalGasGrant)
	c.RelayReadinessTTL = getEnvDuration("RELAY_READINESS_TTL", c.RelayReadinessTTL)
	c.RelayDailyGasBudget = getEnv("RELAY_DAILY_GAS_BUDGET", c.RelayDailyGasBudget)

	c.OrderPendingTTL = getEnvDuration("ORDER_PENDING_TTL", c.OrderPendingTTL)

	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSStream = getEnv("NATS_STREAM", c.NATSStream)

	c.AdminSecret = getEnv("ADMIN_SECRET", c.AdminSecret)
	c.WalletAuth = getEnv("WALLET_AUTH", c.WalletAuth)
	c.CORSOrigins = getEnvList("CORS_ORIGINS", c.CORSOrigins)
	c.RateLimitPerMinute = int(getEnvInt64("RATE_LIMIT_PER_MINUTE", int64(c.RateLimitPerMinute)))
	c.FundingRatePerMinute = int(getEnvInt64("FUNDING_RATE_PER_MINUTE", int64(c.FundingRatePerMinute)))

	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RelayPrivateKey == "" {
		return fmt.Errorf("RELAY_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := strings.TrimPrefix(c.RelayPrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("RELAY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if len(c.RPCURLs) == 0 {
		return fmt.Errorf("RPC_URLS is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a valid address")
	}
	for name, addr := range map[string]string{"ESCROW_CONTRACT": c.EscrowContract, "ADMIN_ADDRESS": c.AdminAddress} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a valid address", name)
		}
	}
	for name, v := range map[string]string{
		"RELAY_MIN_BALANCE":      c.RelayMinBalance,
		"APPROVAL_GAS_GRANT":     c.ApprovalGasGrant,
		"RELAY_DAILY_GAS_BUDGET": c.RelayDailyGasBudget,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			return fmt.Errorf("%s must be a non-negative decimal", name)
		}
	}
	if c.CircuitThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be at least 1")
	}
	if c.WalletAuth != "signature" && c.WalletAuth != "header" {
		return fmt.Errorf("WALLET_AUTH must be \"signature\" or \"header\"")
	}

	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.WalletAuth != "signature" {
			return fmt.Errorf("WALLET_AUTH=header is not allowed in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
