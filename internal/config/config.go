// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/dexsync/internal/account"
)

// Config holds dexsync configuration.
type Config struct {
	RPCURL     string
	ChainID    int64  // 0 = ask the node
	PrivateKey string // hex signer key; empty runs the service read-only

	ListenAddr         string
	DatabasePath       string // Path to SQLite database file; empty disables history
	LogLevel           string // debug, info, warn, error
	CORSAllowedOrigins string // Comma-separated list of allowed origins, or "*" for all (default: "*")

	ReceiptPollInterval   time.Duration
	ReadRPS               int  // RPC read budget per second (0 = unlimited)
	MaxFetches            int  // Concurrent background fetches
	AllowDuplicateFetches bool // Disable in-flight fetch coalescing

	GasTipCap int64  // EIP-1559 priority fee (tip) in wei
	GasFeeCap int64  // EIP-1559 max fee per gas in wei (0 = auto from chain)
	GasLimit  uint64 // 0 = estimate per transaction
	LegacyTx  bool
}

// Defaults
const (
	DefaultRPCURL              = "http://localhost:8545"
	DefaultListenAddr          = ":13001"
	DefaultDatabasePath        = "./data/dexsync.db"
	DefaultLogLevel            = "info"
	DefaultCORSAllowedOrigins  = "*" // Allow all origins by default for dev
	DefaultReceiptPollInterval = time.Second
	DefaultMaxFetches          = 64
	DefaultGasTipCap           = 1000000000 // 1 Gwei - priority fee (tip)
	DefaultGasFeeCap           = 0          // 0 = auto-calculate from chain base fee
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// ReadOnly reports whether no signer is configured.
func (c *Config) ReadOnly() bool {
	return c.PrivateKey == ""
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	getenv := func(name string) string {
		v, _ := lookupEnv(name)
		return v
	}

	cfg := &Config{
		RPCURL:              DefaultRPCURL,
		ListenAddr:          DefaultListenAddr,
		DatabasePath:        DefaultDatabasePath,
		LogLevel:            DefaultLogLevel,
		CORSAllowedOrigins:  DefaultCORSAllowedOrigins,
		ReceiptPollInterval: DefaultReceiptPollInterval,
		MaxFetches:          DefaultMaxFetches,
		GasTipCap:           DefaultGasTipCap,
		GasFeeCap:           DefaultGasFeeCap,
	}

	// Load from environment variables first
	if v := getenv("RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := getenv("PRIVATE_KEY"); v != "" {
		cfg.PrivateKey = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	// Set but empty disables history.
	if v, ok := lookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = v
	}

	var errs []error
	envInt64 := func(name string, dst *int64) {
		if v := getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	envInt := func(name string, dst *int) {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	envBool := func(name string, dst *bool) {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	envInt64("CHAIN_ID", &cfg.ChainID)
	envInt64("GAS_TIP_CAP", &cfg.GasTipCap)
	envInt64("GAS_FEE_CAP", &cfg.GasFeeCap)
	envInt("READ_RPS", &cfg.ReadRPS)
	envInt("MAX_FETCHES", &cfg.MaxFetches)
	envBool("ALLOW_DUPLICATE_FETCHES", &cfg.AllowDuplicateFetches)
	envBool("LEGACY_TX", &cfg.LegacyTx)

	pollMs := cfg.ReceiptPollInterval.Milliseconds()
	envInt64("RECEIPT_POLL_MS", &pollMs)
	gasLimit := int64(cfg.GasLimit)
	envInt64("GAS_LIMIT", &gasLimit)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Define command-line flags
	fs := flag.NewFlagSet("dexsync", flag.ContinueOnError)
	var (
		rpcURL      = fs.String("rpc", cfg.RPCURL, "JSON-RPC URL of the node")
		chainID     = fs.Int64("chainid", cfg.ChainID, "Chain ID (0 = ask the node)")
		listenAddr  = fs.String("listen", cfg.ListenAddr, "HTTP listen address")
		dbPath      = fs.String("db", cfg.DatabasePath, "SQLite history database path (empty disables history)")
		logLevel    = fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		pollFlag    = fs.Int64("receipt-poll-ms", pollMs, "Receipt polling interval in milliseconds")
		readRPS     = fs.Int("read-rps", cfg.ReadRPS, "RPC read budget per second (0 = unlimited)")
		maxFetches  = fs.Int("max-fetches", cfg.MaxFetches, "Concurrent background fetches")
		allowDup    = fs.Bool("allow-duplicate-fetches", cfg.AllowDuplicateFetches, "Disable in-flight fetch coalescing")
		gasTipCap   = fs.Int64("gastipcap", cfg.GasTipCap, "EIP-1559 priority fee (tip) in wei")
		gasFeeCap   = fs.Int64("gasfeecap", cfg.GasFeeCap, "EIP-1559 max fee per gas in wei (0=auto)")
		gasLimitArg = fs.Int64("gaslimit", gasLimit, "Gas limit (0 = estimate)")
		legacy      = fs.Bool("legacy", cfg.LegacyTx, "Send legacy (type 0) transactions")
		cors        = fs.String("cors", cfg.CORSAllowedOrigins, "Comma-separated allowed origins, or * for all")
	)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Apply flags to config
	cfg.RPCURL = *rpcURL
	cfg.ChainID = *chainID
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *dbPath
	cfg.LogLevel = strings.ToLower(*logLevel)
	cfg.ReceiptPollInterval = time.Duration(*pollFlag) * time.Millisecond
	cfg.ReadRPS = *readRPS
	cfg.MaxFetches = *maxFetches
	cfg.AllowDuplicateFetches = *allowDup
	cfg.GasTipCap = *gasTipCap
	cfg.GasFeeCap = *gasFeeCap
	cfg.LegacyTx = *legacy
	cfg.CORSAllowedOrigins = *cors
	if *gasLimitArg < 0 {
		return nil, fmt.Errorf("gas limit cannot be negative")
	}
	cfg.GasLimit = uint64(*gasLimitArg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required")
	}
	u, err := url.Parse(c.RPCURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("RPC URL must be an http(s) URL, got %q", c.RPCURL)
	}
	if c.ChainID < 0 {
		return fmt.Errorf("chain ID cannot be negative")
	}
	if c.PrivateKey != "" {
		if _, err := account.NewAccountFromHex(c.PrivateKey); err != nil {
			return fmt.Errorf("invalid private key: %w", err)
		}
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}
	if c.ReceiptPollInterval <= 0 {
		return fmt.Errorf("receipt poll interval must be positive")
	}
	if c.ReadRPS < 0 {
		return fmt.Errorf("read RPS cannot be negative")
	}
	if c.MaxFetches <= 0 {
		return fmt.Errorf("max fetches must be positive")
	}
	if c.GasTipCap <= 0 {
		return fmt.Errorf("gas tip cap must be positive")
	}
	// GasFeeCap can be 0 (auto-calculate from chain) or positive
	if c.GasFeeCap < 0 {
		return fmt.Errorf("gas fee cap cannot be negative")
	}
	if c.GasFeeCap > 0 && c.GasFeeCap < c.GasTipCap {
		return fmt.Errorf("gas fee cap (%d) is below gas tip cap (%d)", c.GasFeeCap, c.GasTipCap)
	}
	return nil
}
