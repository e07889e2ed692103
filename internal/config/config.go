// Package config resolves relayer settings from .env, the environment and
// command-line flags. Flags win over the environment.
package config

import (
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"limit-relayer/internal/amm"
	"limit-relayer/internal/ethutil"
	"limit-relayer/internal/market"
	"limit-relayer/internal/profit"
)

const (
	DefaultInterval       = 2 * time.Minute
	DefaultCooldown       = 3 * time.Minute
	DefaultMetricsAddr    = ":9102"
	DefaultGuardStateFile = "./out/guard.json"
	DefaultPairsFile      = "./pairs.yaml"
)

// LoadDotenv loads ./.env when present.
func LoadDotenv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Config is the resolved relayer configuration.
type Config struct {
	RPCURL   string
	RPCWSURL string
	UseWSS   bool

	PrivateKey *ecdsa.PrivateKey
	ChainID    int64

	LimitOrder     common.Address
	Helper         common.Address
	Receiver       common.Address
	ProfitReceiver common.Address
	Factory        common.Address
	PairCodeHash   common.Hash
	WrappedNative  common.Address

	PairsFile    string
	Pairs        []market.Pair
	ProfitTokens []common.Address

	DatabaseURL    string
	OrderFeedURL   string
	PriceAPIURL    string
	PricePlatform  string
	NativeCoinID   string
	GasOracleURL   string
	GasOracleField string

	Interval       time.Duration
	Cooldown       time.Duration
	ConfirmTimeout time.Duration
	ExecutionGas   uint64
	Sizing         amm.SizingMode
	WantBalance    bool

	EnableTrading  bool
	MetricsAddr    string
	OutFile        string
	GuardStateFile string
}

// Signer returns the address of the configured key.
func (c Config) Signer() common.Address {
	if c.PrivateKey == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.PrivateKey.PublicKey)
}

// Mode is "live" or "dry".
func (c Config) Mode() string {
	if c.EnableTrading {
		return "live"
	}
	return "dry"
}

// Env reads a variable; os.Getenv in production.
type Env func(key string) string

func (e Env) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(e(k)); v != "" {
			return v
		}
	}
	return ""
}

type flags struct {
	rpcURL, rpcWS, privateKey, pairsFile, databaseURL, feedURL string
	priceURL, gasURL, sizing, metricsAddr, outFile, guardFile  string
	interval, cooldown, confirmTimeout                         time.Duration
	executionGas                                               uint64
	enableTrading, useWSS, wantBalance                         bool
}

// Load parses args with a fresh FlagSet named name and resolves the rest
// from env.
func Load(name string, args []string, env Env) (Config, error) {
	if env == nil {
		env = os.Getenv
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	enableDefault, err := envBool(env, false, "ENABLE_TRADING")
	if err != nil {
		return Config{}, err
	}
	wssDefault, err := envBool(env, false, "USE_WSS")
	if err != nil {
		return Config{}, err
	}
	wantBalanceDefault, err := envBool(env, true, "WANT_BALANCE")
	if err != nil {
		return Config{}, err
	}
	intervalDefault, err := envInterval(env)
	if err != nil {
		return Config{}, err
	}
	cooldownDefault, err := envDuration(env, DefaultCooldown, "COOLDOWN")
	if err != nil {
		return Config{}, err
	}
	confirmDefault, err := envDuration(env, 0, "CONFIRM_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	gasDefault := uint64(profit.DefaultExecutionGas)
	if v := env.first("EXECUTION_GAS"); v != "" {
		gasDefault, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid EXECUTION_GAS %q: %w", v, err)
		}
	}

	var f flags
	fs.StringVar(&f.rpcURL, "rpc-url", "", "HTTP JSON-RPC URL (or RPC_URL)")
	fs.StringVar(&f.rpcWS, "rpc-ws", "", "WebSocket JSON-RPC URL (or RPC_WS_URL)")
	fs.StringVar(&f.privateKey, "private-key", "", "Relayer private key hex (or PRIVATE_KEY)")
	fs.StringVar(&f.pairsFile, "pairs", "", "Watched pairs YAML (or PAIRS_FILE)")
	fs.StringVar(&f.databaseURL, "database-url", "", "Postgres URL; empty keeps orders in memory (or DATABASE_URL)")
	fs.StringVar(&f.feedURL, "order-feed", "", "Order feed websocket URL (or ORDER_FEED_URL)")
	fs.StringVar(&f.priceURL, "price-api", "", "Coingecko-compatible price API base URL (or PRICE_API_URL)")
	fs.StringVar(&f.gasURL, "gas-oracle", "", "Gas station URL; empty uses eth_gasPrice (or GAS_ORACLE_URL)")
	fs.StringVar(&f.sizing, "sizing", "", "Partial fill sizing: linear or exact (or SIZING_MODE)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Diagnostics listen address; \"off\" disables (or METRICS_ADDR)")
	fs.StringVar(&f.outFile, "out", "", "Optional JSONL journal path (or OUT_FILE)")
	fs.StringVar(&f.guardFile, "guard-state", "", "Execution guard snapshot path (or GUARD_STATE_FILE)")
	fs.DurationVar(&f.interval, "interval", intervalDefault, "Reserve polling interval")
	fs.DurationVar(&f.cooldown, "cooldown", cooldownDefault, "Resubmission cooldown per order")
	fs.DurationVar(&f.confirmTimeout, "confirm-timeout", confirmDefault, "Wait this long for receipts; 0 disables")
	fs.Uint64Var(&f.executionGas, "execution-gas", gasDefault, "Gas assumed per fill when judging profit")
	fs.BoolVar(&f.enableTrading, "enable-trading", enableDefault, "Actually send fills (default is dry-run)")
	fs.BoolVar(&f.useWSS, "use-wss", wssDefault, "Follow Sync logs over websocket instead of polling")
	fs.BoolVar(&f.wantBalance, "want-balance", wantBalanceDefault, "Cap fills by maker balances during refresh")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	c := Config{
		RPCURL:         firstNonEmpty(f.rpcURL, env.first("RPC_URL", "HTTP_JSON_RPC")),
		RPCWSURL:       firstNonEmpty(f.rpcWS, env.first("RPC_WS_URL", "WEBSOCKET_JSON_RPC")),
		UseWSS:         f.useWSS,
		PairsFile:      firstNonEmpty(f.pairsFile, env.first("PAIRS_FILE"), DefaultPairsFile),
		DatabaseURL:    firstNonEmpty(f.databaseURL, env.first("DATABASE_URL")),
		OrderFeedURL:   firstNonEmpty(f.feedURL, env.first("ORDER_FEED_URL")),
		PriceAPIURL:    firstNonEmpty(f.priceURL, env.first("PRICE_API_URL")),
		PricePlatform:  env.first("PRICE_PLATFORM"),
		NativeCoinID:   env.first("NATIVE_COIN_ID"),
		GasOracleURL:   firstNonEmpty(f.gasURL, env.first("GAS_ORACLE_URL")),
		GasOracleField: env.first("GAS_ORACLE_FIELD"),
		Interval:       f.interval,
		Cooldown:       f.cooldown,
		ConfirmTimeout: f.confirmTimeout,
		ExecutionGas:   f.executionGas,
		WantBalance:    f.wantBalance,
		EnableTrading:  f.enableTrading,
		MetricsAddr:    firstNonEmpty(f.metricsAddr, env.first("METRICS_ADDR"), DefaultMetricsAddr),
		OutFile:        firstNonEmpty(f.outFile, env.first("OUT_FILE")),
		GuardStateFile: firstNonEmpty(f.guardFile, env.first("GUARD_STATE_FILE"), DefaultGuardStateFile),
	}
	if strings.EqualFold(c.MetricsAddr, "off") {
		c.MetricsAddr = ""
	}

	c.Sizing, err = amm.ParseSizingMode(firstNonEmpty(f.sizing, env.first("SIZING_MODE")))
	if err != nil {
		return Config{}, err
	}

	if err := c.resolveChain(env, firstNonEmpty(f.privateKey, env.first("PRIVATE_KEY"))); err != nil {
		return Config{}, err
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}

	c.Pairs, err = market.LoadPairs(c.PairsFile, c.Factory, c.PairCodeHash)
	if err != nil {
		return Config{}, err
	}
	if len(c.Pairs) == 0 {
		return Config{}, fmt.Errorf("no pairs in %s", c.PairsFile)
	}
	return c, nil
}

func (c *Config) resolveChain(env Env, keyHex string) error {
	if keyHex == "" {
		return errors.New("PRIVATE_KEY missing (set --private-key or PRIVATE_KEY)")
	}
	key, err := ParsePrivateKey(keyHex)
	if err != nil {
		return err
	}
	c.PrivateKey = key

	raw := env.first("CHAIN_ID", "CHAINID")
	if raw == "" {
		return errors.New("CHAIN_ID missing")
	}
	c.ChainID, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || c.ChainID <= 0 {
		return fmt.Errorf("invalid CHAIN_ID %q", raw)
	}

	for _, a := range []struct {
		dst      *common.Address
		keys     []string
		required bool
	}{
		{&c.LimitOrder, []string{"LIMIT_ORDER_ADDRESS"}, true},
		{&c.Helper, []string{"HELPER_ADDRESS", "HELPER"}, true},
		{&c.Receiver, []string{"RECEIVER_ADDRESS"}, true},
		{&c.ProfitReceiver, []string{"PROFIT_RECEIVER_ADDRESS"}, true},
		{&c.WrappedNative, []string{"WRAPPED_NATIVE_ADDRESS", "WETH_ADDRESS"}, true},
		{&c.Factory, []string{"FACTORY_ADDRESS"}, false},
	} {
		v := env.first(a.keys...)
		if v == "" {
			if a.required {
				return fmt.Errorf("%s missing", a.keys[0])
			}
			continue
		}
		if !common.IsHexAddress(v) {
			return fmt.Errorf("invalid %s %q", a.keys[0], v)
		}
		*a.dst = common.HexToAddress(v)
	}

	if v := env.first("PAIR_CODE_HASH"); v != "" {
		b := common.FromHex(v)
		if len(b) != common.HashLength {
			return fmt.Errorf("invalid PAIR_CODE_HASH %q", v)
		}
		c.PairCodeHash = common.BytesToHash(b)
	}

	if v := env.first("PROFIT_TOKENS"); v != "" {
		c.ProfitTokens, err = ethutil.ParseAddressList(v)
		if err != nil {
			return fmt.Errorf("invalid PROFIT_TOKENS: %w", err)
		}
	} else {
		c.ProfitTokens = []common.Address{c.WrappedNative}
	}
	return nil
}

func (c *Config) validate() error {
	if c.RPCURL == "" && c.RPCWSURL == "" {
		return errors.New("RPC_URL or RPC_WS_URL required")
	}
	for _, u := range []string{c.RPCURL, c.RPCWSURL} {
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "ws") && !strings.HasPrefix(u, "http") {
			return fmt.Errorf("RPC URL must be ws(s)://... or http(s)://..., got %q", u)
		}
		if strings.Contains(u, "YOUR_KEY") {
			return errors.New("RPC URL still contains placeholder YOUR_KEY")
		}
	}
	if c.UseWSS && !strings.HasPrefix(c.RPCWSURL, "ws") {
		return errors.New("USE_WSS requires RPC_WS_URL (ws:// or wss://)")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	}
	if c.ExecutionGas == 0 {
		return errors.New("EXECUTION_GAS must be positive")
	}
	return nil
}

// RPC returns the URL used for calls and transactions; the websocket URL
// is used only when no HTTP URL is set.
func (c Config) RPC() string {
	return firstNonEmpty(c.RPCURL, c.RPCWSURL)
}

// ParsePrivateKey accepts hex with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	k := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(k)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func envBool(env Env, def bool, keys ...string) (bool, error) {
	v := env.first(keys...)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", keys[0], v, err)
	}
	return b, nil
}

func envDuration(env Env, def time.Duration, keys ...string) (time.Duration, error) {
	v := env.first(keys...)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", keys[0], v, err)
	}
	return d, nil
}

// envInterval reads INTERVAL as a duration, falling back to
// INTERVAL_MINUTES as a plain number of minutes.
func envInterval(env Env) (time.Duration, error) {
	if v := env.first("INTERVAL"); v != "" {
		return envDuration(env, DefaultInterval, "INTERVAL")
	}
	if v := env.first("INTERVAL_MINUTES"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid INTERVAL_MINUTES %q: %w", v, err)
		}
		return time.Duration(m * float64(time.Minute)), nil
	}
	return DefaultInterval, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
