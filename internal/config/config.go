// Package config defines the top-level configuration for the flash-loan
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/flasharb/internal/units"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FLASHARB_* environment variables.
type Config struct {
	Wallet   WalletConfig   `toml:"wallet"`
	Engine   EngineConfig   `toml:"engine"`
	Lending  LendingConfig  `toml:"lending"`
	Tokens   []TokenConfig  `toml:"tokens"`
	Venues   []VenueConfig  `toml:"venues"`
	Pools    []PoolConfig   `toml:"pools"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Executor ExecutorConfig `toml:"executor"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// WalletConfig holds the operator key. The derived address is the identity
// used for API-initiated runs and, by default, the engine controller.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// EngineConfig holds the persisted engine parameters.
type EngineConfig struct {
	// Address of the engine. Empty derives the address the operator would
	// deploy it at (nonce 0).
	Address string `toml:"address"`
	// Controller defaults to the operator address when empty.
	Controller  string   `toml:"controller"`
	VenueA      string   `toml:"venue_a"`
	VenueB      string   `toml:"venue_b"`
	SlippageBps int      `toml:"slippage_bps"`
	RunDeadline duration `toml:"run_deadline"`
	LockTTL     duration `toml:"lock_ttl"`
}

// LendingConfig describes the flash-loan pool and its initial liquidity
// (token symbol -> human amount).
type LendingConfig struct {
	Address    string            `toml:"address"`
	PremiumBps int               `toml:"premium_bps"`
	Liquidity  map[string]string `toml:"liquidity"`
}

// TokenConfig describes an asset.
type TokenConfig struct {
	Symbol   string `toml:"symbol"`
	Address  string `toml:"address"`
	Decimals int    `toml:"decimals"`
}

// VenueConfig describes a constant-product router. Fee is the numerator over
// 1000 applied to swap inputs (997 = 0.3%).
type VenueConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Fee     int    `toml:"fee"`
}

// PoolConfig seeds a pool on a venue with human-unit reserves.
type PoolConfig struct {
	Venue    string `toml:"venue"`
	TokenA   string `toml:"token_a"`
	TokenB   string `toml:"token_b"`
	ReserveA string `toml:"reserve_a"`
	ReserveB string `toml:"reserve_b"`
}

// ScannerConfig holds the simulation scanner parameters.
type ScannerConfig struct {
	Enabled  bool         `toml:"enabled"`
	Interval duration     `toml:"interval"`
	Pairs    []ScanPair   `toml:"pairs"`
	Source   string       `toml:"source"`
	Trigger  TriggerRange `toml:"trigger"`
}

// ScanPair is one borrow/profit combination the scanner quotes. MinProfit is
// in units of the borrowed token.
type ScanPair struct {
	Borrow    string `toml:"borrow"`
	Profit    string `toml:"profit"`
	Amount    string `toml:"amount"`
	MinProfit string `toml:"min_profit"`
}

// TriggerRange bounds the random trades the scanner pushes through venue A
// to create price discrepancies in simulate mode. Zero Max disables it.
type TriggerRange struct {
	Min string `toml:"min"`
	Max string `toml:"max"`
}

// ExecutorConfig holds candidate admission parameters. MaxBorrow maps a
// token symbol to the largest human amount a single run may borrow. FeedURL
// is an optional ws:// or wss:// endpoint of an external scanner streaming
// candidates.
type ExecutorConfig struct {
	QueueSize int               `toml:"queue_size"`
	DedupTTL  duration          `toml:"dedup_ttl"`
	MaxBorrow map[string]string `toml:"max_borrow"`
	FeedURL   string            `toml:"feed_url"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is the per-client request rate in requests per second.
	// Zero disables limiting.
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml: mainnet WETH/DAI on Uniswap
// V2 and Sushiswap with an Aave v2 style lender.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			VenueA:      "uniswap",
			VenueB:      "sushiswap",
			SlippageBps: 50,
			RunDeadline: duration{300 * time.Second},
			LockTTL:     duration{30 * time.Second},
		},
		Lending: LendingConfig{
			Address:    "0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9",
			PremiumBps: 9,
			Liquidity:  map[string]string{"WETH": "10000", "DAI": "30000000"},
		},
		Tokens: []TokenConfig{
			{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
		},
		Venues: []VenueConfig{
			{Name: "uniswap", Address: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", Fee: 997},
			{Name: "sushiswap", Address: "0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F", Fee: 998},
		},
		Pools: []PoolConfig{
			{Venue: "uniswap", TokenA: "WETH", TokenB: "DAI", ReserveA: "5000", ReserveB: "15000000"},
			{Venue: "sushiswap", TokenA: "WETH", TokenB: "DAI", ReserveA: "3000", ReserveB: "9000000"},
		},
		Scanner: ScannerConfig{
			Enabled:  true,
			Interval: duration{5 * time.Second},
			Source:   "scanner",
			Pairs: []ScanPair{
				{Borrow: "WETH", Profit: "DAI", Amount: "10", MinProfit: "0.001"},
			},
			Trigger: TriggerRange{Min: "50", Max: "250"},
		},
		Executor: ExecutorConfig{
			QueueSize: 64,
			DedupTTL:  duration{2 * time.Minute},
			MaxBorrow: map[string]string{"WETH": "1000"},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flasharb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flasharb-receipts",
			Prefix:         "receipts",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			Events: []string{"arbitrage_completed", "arbitrage_failed", "withdrawal", "tolerance_updated"},
		},
		Mode:     "simulate",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"simulate": true,
	"serve":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Token returns the token with the given symbol (case-insensitive).
func (c *Config) Token(symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// TokenByAddress returns the token configured at addr.
func (c *Config) TokenByAddress(addr common.Address) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if common.HexToAddress(t.Address) == addr {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Venue returns the venue with the given name (case-insensitive).
func (c *Config) Venue(name string) (VenueConfig, bool) {
	for _, v := range c.Venues {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return VenueConfig{}, false
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: simulate, serve)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet
	if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
		errs = append(errs, "wallet: either private_key or encrypted_key_path must be set")
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Tokens
	symbols := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		sym := strings.ToUpper(t.Symbol)
		if sym == "" {
			errs = append(errs, fmt.Sprintf("tokens[%d]: symbol must not be empty", i))
		} else if symbols[sym] {
			errs = append(errs, fmt.Sprintf("tokens[%d]: duplicate symbol %q", i, t.Symbol))
		}
		symbols[sym] = true
		if !common.IsHexAddress(t.Address) {
			errs = append(errs, fmt.Sprintf("tokens[%d]: invalid address %q", i, t.Address))
		}
		if t.Decimals < 0 || t.Decimals > 77 {
			errs = append(errs, fmt.Sprintf("tokens[%d]: decimals must be 0-77, got %d", i, t.Decimals))
		}
	}

	// Venues
	names := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		name := strings.ToLower(v.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("venues[%d]: name must not be empty", i))
		} else if names[name] {
			errs = append(errs, fmt.Sprintf("venues[%d]: duplicate name %q", i, v.Name))
		}
		names[name] = true
		if !common.IsHexAddress(v.Address) {
			errs = append(errs, fmt.Sprintf("venues[%d]: invalid address %q", i, v.Address))
		}
		if v.Fee <= 0 || v.Fee > 1000 {
			errs = append(errs, fmt.Sprintf("venues[%d]: fee must be 1-1000, got %d", i, v.Fee))
		}
	}

	// Engine
	if c.Engine.Address != "" && !common.IsHexAddress(c.Engine.Address) {
		errs = append(errs, fmt.Sprintf("engine: invalid address %q", c.Engine.Address))
	}
	if c.Engine.Controller != "" && !common.IsHexAddress(c.Engine.Controller) {
		errs = append(errs, fmt.Sprintf("engine: invalid controller %q", c.Engine.Controller))
	}
	if !names[strings.ToLower(c.Engine.VenueA)] {
		errs = append(errs, fmt.Sprintf("engine: venue_a %q is not a configured venue", c.Engine.VenueA))
	}
	if !names[strings.ToLower(c.Engine.VenueB)] {
		errs = append(errs, fmt.Sprintf("engine: venue_b %q is not a configured venue", c.Engine.VenueB))
	}
	if strings.EqualFold(c.Engine.VenueA, c.Engine.VenueB) {
		errs = append(errs, "engine: venue_a and venue_b must differ")
	}
	if c.Engine.SlippageBps < 0 || c.Engine.SlippageBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("engine: slippage_bps must be 0-9999, got %d", c.Engine.SlippageBps))
	}
	if c.Engine.RunDeadline.Duration <= 0 {
		errs = append(errs, "engine: run_deadline must be > 0")
	}
	if c.Engine.LockTTL.Duration <= 0 {
		errs = append(errs, "engine: lock_ttl must be > 0")
	}

	// Lending
	if !common.IsHexAddress(c.Lending.Address) {
		errs = append(errs, fmt.Sprintf("lending: invalid address %q", c.Lending.Address))
	}
	if c.Lending.PremiumBps < 0 || c.Lending.PremiumBps > 10_000 {
		errs = append(errs, fmt.Sprintf("lending: premium_bps must be 0-10000, got %d", c.Lending.PremiumBps))
	}
	for sym, amount := range c.Lending.Liquidity {
		errs = append(errs, c.checkAmount("lending.liquidity."+sym, sym, amount)...)
	}

	// Pools
	for i, p := range c.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		if !names[strings.ToLower(p.Venue)] {
			errs = append(errs, fmt.Sprintf("%s: unknown venue %q", field, p.Venue))
		}
		if strings.EqualFold(p.TokenA, p.TokenB) {
			errs = append(errs, fmt.Sprintf("%s: token_a and token_b must differ", field))
		}
		errs = append(errs, c.checkAmount(field+".reserve_a", p.TokenA, p.ReserveA)...)
		errs = append(errs, c.checkAmount(field+".reserve_b", p.TokenB, p.ReserveB)...)
	}

	// Scanner
	if c.Scanner.Enabled {
		if c.Scanner.Interval.Duration <= 0 {
			errs = append(errs, "scanner: interval must be > 0 when enabled")
		}
		if len(c.Scanner.Pairs) == 0 {
			errs = append(errs, "scanner: at least one pair is required when enabled")
		}
		for i, p := range c.Scanner.Pairs {
			field := fmt.Sprintf("scanner.pairs[%d]", i)
			if _, ok := c.Token(p.Profit); !ok {
				errs = append(errs, fmt.Sprintf("%s: unknown profit token %q", field, p.Profit))
			}
			errs = append(errs, c.checkAmount(field+".amount", p.Borrow, p.Amount)...)
			if p.MinProfit != "" {
				errs = append(errs, c.checkAmount(field+".min_profit", p.Borrow, p.MinProfit)...)
			}
		}
		if c.Scanner.Trigger.Max != "" && len(c.Scanner.Pairs) > 0 {
			borrow := c.Scanner.Pairs[0].Borrow
			errs = append(errs, c.checkAmount("scanner.trigger.min", borrow, c.Scanner.Trigger.Min)...)
			errs = append(errs, c.checkAmount("scanner.trigger.max", borrow, c.Scanner.Trigger.Max)...)
		}
	}

	// Executor
	if c.Executor.QueueSize < 1 {
		errs = append(errs, "executor: queue_size must be >= 1")
	}
	if c.Executor.DedupTTL.Duration <= 0 {
		errs = append(errs, "executor: dedup_ttl must be > 0")
	}
	for sym, amount := range c.Executor.MaxBorrow {
		errs = append(errs, c.checkAmount("executor.max_borrow."+sym, sym, amount)...)
	}
	if u := c.Executor.FeedURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		errs = append(errs, fmt.Sprintf("executor: feed_url must be a ws:// or wss:// URL, got %q", u))
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if strings.EqualFold(c.Mode, "serve") && !c.Redis.Enabled && !c.Server.Enabled {
		errs = append(errs, "serve mode needs redis (candidate feed) or server (HTTP API) enabled")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
			errs = append(errs, "server: rate_burst must be at least 1 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// checkAmount validates a human amount of the token with the given symbol.
func (c *Config) checkAmount(field, symbol, amount string) []string {
	tok, ok := c.Token(symbol)
	if !ok {
		return []string{fmt.Sprintf("%s: unknown token %q", field, symbol)}
	}
	if _, err := units.ToBase(amount, int32(tok.Decimals)); err != nil {
		return []string{fmt.Sprintf("%s: %v", field, err)}
	}
	return nil
}

// Amount converts a human amount of the token with the given symbol into
// base units.
func (c *Config) Amount(symbol, amount string) (*uint256.Int, error) {
	tok, ok := c.Token(symbol)
	if !ok {
		return nil, fmt.Errorf("config: unknown token %q", symbol)
	}
	v, err := units.ToBase(amount, int32(tok.Decimals))
	if err != nil {
		return nil, fmt.Errorf("config: %s amount %q: %w", tok.Symbol, amount, err)
	}
	return v, nil
}
