package netprices

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"limit-relayer/internal/amm"
	"limit-relayer/internal/market"
	"limit-relayer/internal/profit"
)

// DefaultTTL bounds how often one token (or the gas price) is fetched.
const DefaultTTL = time.Minute

var errNoPrice = errors.New("netprices: no reference price for either token")

// GasPricer is satisfied by *ethclient.Client.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Config selects where reference prices come from.
type Config struct {
	// WrappedNative is priced at exactly 1e18.
	WrappedNative common.Address
	// Platform is the price API asset platform (e.g. "ethereum",
	// "polygon-pos").
	Platform string
	// VsCurrency quotes tokens directly in the native coin (e.g. "eth").
	// Ignored when NativeCoinID is set.
	VsCurrency string
	// NativeCoinID switches to USD mode: token USD price divided by the
	// native coin's USD price.
	NativeCoinID string
	// Stablecoins are assumed to be worth 1 USD in USD mode.
	Stablecoins []string

	GasStationURL   string
	GasStationField string
	// GasMultiplier scales the gas station quote (default 1).
	GasMultiplier decimal.Decimal
	// MaxGasGwei caps the quote when positive.
	MaxGasGwei decimal.Decimal

	TTL time.Duration
}

type cacheEntry struct {
	at    time.Time
	value *big.Int
}

// Oracle serves gas and token reference prices with a short cache.
type Oracle struct {
	client *Client
	gas    GasPricer
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewOracle(client *Client, gas GasPricer, cfg Config) *Oracle {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "eth"
	}
	if cfg.Platform == "" {
		cfg.Platform = "ethereum"
	}
	if cfg.GasStationField == "" {
		cfg.GasStationField = "standard"
	}
	if cfg.GasMultiplier.IsZero() {
		cfg.GasMultiplier = decimal.NewFromInt(1)
	}
	if cfg.Stablecoins == nil {
		cfg.Stablecoins = []string{"DAI", "USDC", "USDT"}
	}
	return &Oracle{client: client, gas: gas, cfg: cfg, now: time.Now, cache: make(map[string]cacheEntry)}
}

func (o *Oracle) cached(key string) (*big.Int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.cache[key]
	if !ok || o.now().Sub(e.at) >= o.cfg.TTL {
		return nil, false
	}
	return new(big.Int).Set(e.value), true
}

func (o *Oracle) store(key string, v *big.Int) {
	o.mu.Lock()
	o.cache[key] = cacheEntry{at: o.now(), value: new(big.Int).Set(v)}
	o.mu.Unlock()
}

// GasPrice returns the gas price in wei, from the gas station when
// configured and the node otherwise.
func (o *Oracle) GasPrice(ctx context.Context) (*big.Int, error) {
	if v, ok := o.cached("gasprice"); ok {
		return v, nil
	}

	var wei *big.Int
	if o.cfg.GasStationURL != "" && o.client != nil {
		gwei, err := o.client.GasStationGwei(ctx, o.cfg.GasStationURL, o.cfg.GasStationField)
		if err != nil {
			return nil, err
		}
		gwei = gwei.Mul(o.cfg.GasMultiplier)
		if o.cfg.MaxGasGwei.IsPositive() && gwei.GreaterThan(o.cfg.MaxGasGwei) {
			gwei = o.cfg.MaxGasGwei
		}
		wei = gwei.Shift(9).Floor().BigInt()
	} else {
		if o.gas == nil {
			return nil, fmt.Errorf("netprices: no gas price source")
		}
		v, err := o.gas.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
		wei = v
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("netprices: non-positive gas price %s", wei)
	}
	o.store("gasprice", wei)
	return new(big.Int).Set(wei), nil
}

// TokenPrice returns the native-coin value of one whole token scaled by
// 1e18, padded by a further 10^(18-decimals) so that multiplying a raw
// token amount and dividing by 1e18 yields wei.
func (o *Oracle) TokenPrice(ctx context.Context, token market.Token) (*big.Int, error) {
	if token.Address == o.cfg.WrappedNative {
		return new(big.Int).Set(amm.Scale), nil
	}
	key := strings.ToLower(token.Address.Hex())
	if v, ok := o.cached(key); ok {
		return v, nil
	}
	if o.client == nil {
		return nil, fmt.Errorf("netprices: no price api for %s", token.Symbol)
	}

	var price decimal.Decimal
	if o.cfg.NativeCoinID != "" {
		nativeUSD, err := o.client.CoinPrice(ctx, o.cfg.NativeCoinID, "usd")
		if err != nil {
			return nil, err
		}
		tokenUSD := decimal.NewFromInt(1)
		if !o.isStable(token.Symbol) {
			tokenUSD, err = o.client.ContractPrice(ctx, o.cfg.Platform, token.Address, "usd")
			if err != nil {
				return nil, err
			}
		}
		price = tokenUSD.DivRound(nativeUSD, 18)
	} else {
		var err error
		price, err = o.client.ContractPrice(ctx, o.cfg.Platform, token.Address, o.cfg.VsCurrency)
		if err != nil {
			return nil, err
		}
	}

	scaled := ScalePrice(price, token.Decimals)
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("netprices: price of %s rounds to zero", token.Symbol)
	}
	o.store(key, scaled)
	return scaled, nil
}

// ScalePrice converts a whole-token price into the relayer's fixed point:
// price * 10^(36 - decimals), truncated.
func ScalePrice(price decimal.Decimal, decimals uint8) *big.Int {
	return price.Shift(int32(36) - int32(decimals)).Floor().BigInt()
}

func (o *Oracle) isStable(symbol string) bool {
	for _, s := range o.cfg.Stablecoins {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// Prices assembles the reference prices for one observation. Only one token
// price is fetched; the other is derived from the pool price.
func (o *Oracle) Prices(ctx context.Context, obs market.Observation) (profit.ReferencePrices, error) {
	gas, err := o.GasPrice(ctx)
	if err != nil {
		return profit.ReferencePrices{}, err
	}

	var p0, p1 *big.Int
	if obs.Pair.Token0.Address == o.cfg.WrappedNative {
		p0 = new(big.Int).Set(amm.Scale)
	}
	if obs.Pair.Token1.Address == o.cfg.WrappedNative {
		p1 = new(big.Int).Set(amm.Scale)
	}
	if p0 == nil && p1 == nil {
		var err0, err1 error
		p0, err0 = o.TokenPrice(ctx, obs.Pair.Token0)
		if err0 != nil {
			p1, err1 = o.TokenPrice(ctx, obs.Pair.Token1)
			if err1 != nil {
				return profit.ReferencePrices{}, fmt.Errorf("%w on %s: %v; %v", errNoPrice, obs.Pair, err0, err1)
			}
		}
	}

	p0, p1 = DeriveMissing(obs, p0, p1)
	return profit.ReferencePrices{GasPriceWei: gas, Token0Price: p0, Token1Price: p1}, nil
}

// DeriveMissing fills in whichever of p0/p1 is nil from the other and the
// pool price.
func DeriveMissing(obs market.Observation, p0, p1 *big.Int) (*big.Int, *big.Int) {
	if p0 != nil && p1 == nil {
		p1 = new(big.Int).Mul(p0, obs.Price1())
		p1.Div(p1, amm.Scale)
	}
	if p1 != nil && p0 == nil {
		p0 = new(big.Int).Mul(p1, obs.Price0())
		p0.Div(p0, amm.Scale)
	}
	return p0, p1
}
