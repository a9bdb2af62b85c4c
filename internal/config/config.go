package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/viper"

	"multichain-funding/internal/models"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Database   DatabaseConfig         `mapstructure:"database"`
	Settlement SettlementConfig       `mapstructure:"settlement"`
	Chains     map[string]ChainConfig `mapstructure:"chains"`
	Aggregator AggregatorConfig       `mapstructure:"aggregator"`
	History    HistoryConfig          `mapstructure:"history"`
	Quote      QuoteConfig            `mapstructure:"quote"`
	Relay      RelayConfig            `mapstructure:"relay"`
	Remote     RemoteConfig           `mapstructure:"remote"`
	Pricing    PricingConfig          `mapstructure:"pricing"`
	Log        LogConfig              `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimitRPS   int           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig holds PostgreSQL configuration for the ledger read replica
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// TokenConfig describes one token tracked on a chain
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
}

// SettlementConfig describes the chain holding the unified balance
type SettlementConfig struct {
	ChainID string        `mapstructure:"chain_id"`
	Tokens  []TokenConfig `mapstructure:"tokens"` // prices are quoted in these decimals
}

// TokenBySymbol returns the settlement token with the given symbol
func (s SettlementConfig) TokenBySymbol(symbol string) (TokenConfig, bool) {
	for _, t := range s.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// ChainConfig holds configuration for one source chain
type ChainConfig struct {
	ChainID        string           `mapstructure:"chain_id"`
	Name           string           `mapstructure:"name"`
	Type           models.ChainType `mapstructure:"type"`
	RPCEndpoint    string           `mapstructure:"rpc_endpoint"`
	RESTEndpoint   string           `mapstructure:"rest_endpoint"` // cosmos LCD
	Bech32Prefix   string           `mapstructure:"bech32_prefix"` // cosmos only
	NativeSymbol   string           `mapstructure:"native_symbol"`
	NativeDenom    string           `mapstructure:"native_denom"` // cosmos only
	NativeDecimals uint8            `mapstructure:"native_decimals"`
	RateLimitRPS   float64          `mapstructure:"rate_limit_rps"`
	RateLimitBurst int              `mapstructure:"rate_limit_burst"`
	RelayRouter    string           `mapstructure:"relay_router"`          // sponsored-call router, evm only
	RelayFeeToken  string           `mapstructure:"relay_fee_token"`       // token the relay charges in
	RelaySender    string           `mapstructure:"relay_sender"`          // relayer address the router sees as msg.sender
	RelaySimCode   string           `mapstructure:"relay_simulation_code"` // router runtime code without signature checks
	Tokens         []TokenConfig    `mapstructure:"tokens"`
}

// TokenByAddress returns the configured token with the given address
func (c ChainConfig) TokenByAddress(addr string) (TokenConfig, bool) {
	key := models.NormalizeTokenKey(addr)
	if key == models.NativeTokenAddress {
		return TokenConfig{Address: models.NativeTokenAddress, Symbol: c.NativeSymbol, Decimals: c.NativeDecimals}, true
	}
	for _, t := range c.Tokens {
		if models.NormalizeTokenKey(t.Address) == key {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// AggregatorConfig holds balance polling configuration
type AggregatorConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxRetries   uint          `mapstructure:"max_retries"`
}

// HistoryConfig holds funding ledger polling configuration
type HistoryConfig struct {
	Source       string        `mapstructure:"source"` // "http" or "postgres"
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// QuoteConfig holds fee quotation configuration
type QuoteConfig struct {
	SlippageBps uint32        `mapstructure:"slippage_bps"` // e.g., 50 = 0.5%
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// SwapPath is an ordered token route from the relay fee token to a payment token
type SwapPath struct {
	ChainID string   `mapstructure:"chain_id"`
	Tokens  []string `mapstructure:"tokens"`
}

// RelayConfig holds sponsored transaction configuration
type RelayConfig struct {
	NominalFee        string        `mapstructure:"nominal_fee"` // base-pass fee, fee token base units
	Validity          time.Duration `mapstructure:"validity"`
	GasBufferPct      uint64        `mapstructure:"gas_buffer_pct"`
	SwapSlippageBps   uint32        `mapstructure:"swap_slippage_bps"`
	SimulationTimeout time.Duration `mapstructure:"simulation_timeout"`
	MaxRebuilds       int           `mapstructure:"max_rebuilds"`
	HashWait          time.Duration `mapstructure:"hash_wait"` // how long Submit polls a task for its tx hash
	SwapPaths         []SwapPath    `mapstructure:"swap_paths"`
}

// RemoteConfig holds endpoints of the external services
type RemoteConfig struct {
	BridgeURL string        `mapstructure:"bridge_url"`
	RelayURL  string        `mapstructure:"relay_url"`
	OracleURL string        `mapstructure:"oracle_url"`
	LedgerURL string        `mapstructure:"ledger_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// PricingConfig holds oracle price conventions
type PricingConfig struct {
	PriceDecimals int32         `mapstructure:"price_decimals"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

// LogConfig holds optional file logging configuration
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

const (
	DefaultPort           = 8080
	DefaultPollInterval   = 15 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
	DefaultSlippageBps    = 50
	DefaultRelayValidity  = 5 * time.Minute
	DefaultPriceDecimals  = 30
	EnvPrefix             = "FUNDING"
	HistorySourceHTTP     = "http"
	HistorySourcePostgres = "postgres"
)

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":               DefaultPort,
		"server.read_timeout":       "15s",
		"server.write_timeout":      "15s",
		"server.rate_limit_rps":     20,
		"server.rate_limit_burst":   40,
		"database.host":             "localhost",
		"database.port":             5432,
		"database.user":             "postgres",
		"database.password":         "postgres",
		"database.dbname":           "funding_ledger",
		"database.sslmode":          "disable",
		"aggregator.poll_interval":  DefaultPollInterval,
		"aggregator.fetch_timeout":  DefaultFetchTimeout,
		"aggregator.max_retries":    3,
		"history.source":            HistorySourceHTTP,
		"history.poll_interval":     "10s",
		"history.timeout":           "8s",
		"quote.slippage_bps":        DefaultSlippageBps,
		"quote.call_timeout":        "8s",
		"relay.nominal_fee":         "1",
		"relay.validity":            DefaultRelayValidity,
		"relay.gas_buffer_pct":      20,
		"relay.swap_slippage_bps":   100,
		"relay.simulation_timeout":  "10s",
		"relay.max_rebuilds":        2,
		"relay.hash_wait":           "15s",
		"remote.timeout":            "10s",
		"remote.bridge_url":         "",
		"remote.relay_url":          "",
		"remote.oracle_url":         "",
		"remote.ledger_url":         "",
		"remote.api_key":            "",
		"pricing.price_decimals":    DefaultPriceDecimals,
		"pricing.cache_ttl":         "5s",
		"settlement.chain_id":       "",
		"log.file":                  "",
		"log.max_size_mb":           100,
		"log.max_backups":           5,
		"log.max_age_days":          14,
	}
}

// LoadConfig loads configuration from an optional YAML file and environment variables.
// Environment variables use the FUNDING_ prefix with "." replaced by "_",
// e.g. FUNDING_QUOTE_SLIPPAGE_BPS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// normalize fills chain ids from map keys and lowercases hex token addresses
func (c *Config) normalize() {
	if c.Chains == nil {
		c.Chains = make(map[string]ChainConfig)
	}
	for id, chain := range c.Chains {
		if chain.ChainID == "" {
			chain.ChainID = id
		}
		if chain.Name == "" {
			chain.Name = id
		}
		for i := range chain.Tokens {
			chain.Tokens[i].Address = models.NormalizeTokenKey(chain.Tokens[i].Address)
		}
		chain.RelayFeeToken = models.NormalizeTokenKey(chain.RelayFeeToken)
		c.Chains[id] = chain
	}
	for i := range c.Relay.SwapPaths {
		for j, tok := range c.Relay.SwapPaths[i].Tokens {
			c.Relay.SwapPaths[i].Tokens[j] = models.NormalizeTokenKey(tok)
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Settlement.ChainID == "" {
		return fmt.Errorf("settlement.chain_id is required")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one source chain must be configured")
	}

	for id, chain := range c.Chains {
		if err := validateChain(id, chain); err != nil {
			return err
		}
	}

	if c.Aggregator.PollInterval <= 0 {
		return fmt.Errorf("aggregator.poll_interval must be positive")
	}
	if c.Aggregator.FetchTimeout <= 0 {
		return fmt.Errorf("aggregator.fetch_timeout must be positive")
	}

	if c.Quote.SlippageBps >= 10000 {
		return fmt.Errorf("quote.slippage_bps must be below 10000, got %d", c.Quote.SlippageBps)
	}
	if c.Quote.CallTimeout <= 0 {
		return fmt.Errorf("quote.call_timeout must be positive")
	}

	if c.Relay.Validity <= 0 {
		return fmt.Errorf("relay.validity must be positive")
	}
	if c.Relay.SwapSlippageBps >= 10000 {
		return fmt.Errorf("relay.swap_slippage_bps must be below 10000")
	}

	switch c.History.Source {
	case HistorySourceHTTP:
		if err := validateURL("remote.ledger_url", c.Remote.LedgerURL); err != nil {
			return err
		}
	case HistorySourcePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required when history.source is postgres")
		}
	default:
		return fmt.Errorf("unknown history.source %q", c.History.Source)
	}

	for key, raw := range map[string]string{
		"remote.bridge_url": c.Remote.BridgeURL,
		"remote.relay_url":  c.Remote.RelayURL,
		"remote.oracle_url": c.Remote.OracleURL,
	} {
		if err := validateURL(key, raw); err != nil {
			return err
		}
	}

	if c.Pricing.PriceDecimals < 0 {
		return fmt.Errorf("pricing.price_decimals must not be negative")
	}

	return nil
}

func validateChain(id string, chain ChainConfig) error {
	switch chain.Type {
	case models.ChainTypeEVM, models.ChainTypeSolana:
		if chain.RPCEndpoint == "" {
			return fmt.Errorf("chain %s: rpc_endpoint is required", id)
		}
	case models.ChainTypeCosmos:
		if chain.RPCEndpoint == "" && chain.RESTEndpoint == "" {
			return fmt.Errorf("chain %s: rpc_endpoint or rest_endpoint is required", id)
		}
		if chain.Bech32Prefix == "" {
			return fmt.Errorf("chain %s: bech32_prefix is required", id)
		}
	default:
		return fmt.Errorf("chain %s: unsupported type %q", id, chain.Type)
	}

	if chain.RelayRouter != "" {
		if chain.Type != models.ChainTypeEVM {
			return fmt.Errorf("chain %s: relay_router is only supported on evm chains", id)
		}
		if !common.IsHexAddress(chain.RelayRouter) {
			return fmt.Errorf("chain %s: invalid relay_router %q", id, chain.RelayRouter)
		}
		if code, err := hexutil.Decode(chain.RelaySimCode); err != nil || len(code) == 0 {
			return fmt.Errorf("chain %s: relay_simulation_code must be non-empty 0x-prefixed hex", id)
		}
		if chain.RelaySender != "" && !common.IsHexAddress(chain.RelaySender) {
			return fmt.Errorf("chain %s: invalid relay_sender %q", id, chain.RelaySender)
		}
	}

	for _, tok := range chain.Tokens {
		if tok.Address == "" {
			return fmt.Errorf("chain %s: token %s has no address", id, tok.Symbol)
		}
	}
	return nil
}

func validateURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: unsupported scheme %q", key, parsed.Scheme)
	}
	return nil
}
