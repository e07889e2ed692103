package netprices

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"limit-relayer/internal/market"
)

var (
	dai  = market.Token{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI", Decimals: 18}
	usdc = market.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6}
	weth = market.Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18}
	link = market.Token{Address: common.HexToAddress("0x514910771AF9Ca656af840dff83E8264EcF986CA"), Symbol: "LINK", Decimals: 18}
)

type staticGas struct{ wei int64 }

func (s staticGas) SuggestGasPrice(context.Context) (*big.Int, error) { return big.NewInt(s.wei), nil }

func priceServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/coins/ethereum/contract/"+strings.ToLower(dai.Address.Hex()):
			_, _ = w.Write([]byte(`{"market_data":{"current_price":{"eth":0.00049954,"usd":1.0}}}`))
		case r.URL.Path == "/coins/ethereum/contract/"+strings.ToLower(usdc.Address.Hex()):
			_, _ = w.Write([]byte(`{"market_data":{"current_price":{"eth":0.0005}}}`))
		case r.URL.Path == "/coins/polygon-pos/contract/"+strings.ToLower(link.Address.Hex()):
			_, _ = w.Write([]byte(`{"market_data":{"current_price":{"usd":15}}}`))
		case r.URL.Path == "/simple/price":
			if r.URL.Query().Get("ids") != "matic-network" {
				http.Error(w, "bad id", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"matic-network":{"usd":0.5}}`))
		case r.URL.Path == "/gas":
			_, _ = w.Write([]byte(`{"result":{"FastGasPrice":"31.5"},"standard":40}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestTokenPrice_DirectQuote(t *testing.T) {
	var hits int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	o := NewOracle(c, nil, Config{WrappedNative: weth.Address})

	got, err := o.TokenPrice(context.Background(), dai)
	if err != nil {
		t.Fatalf("TokenPrice: %v", err)
	}
	if got.String() != "499540000000000" {
		t.Fatalf("dai price=%s want 499540000000000", got)
	}

	// 6 decimals are padded by another 1e12.
	got, err = o.TokenPrice(context.Background(), usdc)
	if err != nil {
		t.Fatalf("TokenPrice: %v", err)
	}
	if got.String() != "500000000000000000000000000" {
		t.Fatalf("usdc price=%s", got)
	}

	if got, _ := o.TokenPrice(context.Background(), weth); got.String() != "1000000000000000000" {
		t.Fatalf("weth price=%s want 1e18", got)
	}
}

func TestTokenPrice_Cache(t *testing.T) {
	var hits int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	o := NewOracle(c, nil, Config{})
	now := time.Unix(1_700_000_000, 0)
	o.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := o.TokenPrice(context.Background(), dai); err != nil {
			t.Fatalf("TokenPrice: %v", err)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("hits=%d want 1 (cached)", atomic.LoadInt32(&hits))
	}

	now = now.Add(DefaultTTL)
	if _, err := o.TokenPrice(context.Background(), dai); err != nil {
		t.Fatalf("TokenPrice: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("hits=%d want 2 after ttl", atomic.LoadInt32(&hits))
	}
}

func TestTokenPrice_USDMode(t *testing.T) {
	var hits int32
	srv := priceServer(t, &hits)
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	o := NewOracle(c, nil, Config{Platform: "polygon-pos", NativeCoinID: "matic-network"})

	got, err := o.TokenPrice(context.Background(), link)
	if err != nil {
		t.Fatalf("TokenPrice: %v", err)
	}
	// 15 usd / 0.5 usd = 30 native
	if got.String() != "30000000000000000000" {
		t.Fatalf("link price=%s", got)
	}

	got, err = o.TokenPrice(context.Background(), usdc)
	if err != nil {
		t.Fatalf("TokenPrice(stable): %v", err)
	}
	// 1 / 0.5 = 2 native, padded for 6 decimals
	if got.String() != "2000000000000000000000000000000" {
		t.Fatalf("usdc price=%s", got)
	}
}

func TestGasPrice(t *testing.T) {
	var hits int32
	srv := priceServer(t, &hits)
	defer srv.Close()
	c, _ := NewClient(srv.URL)

	o := NewOracle(c, staticGas{wei: 7}, Config{})
	if got, err := o.GasPrice(context.Background()); err != nil || got.Int64() != 7 {
		t.Fatalf("node gas=%v err=%v want 7", got, err)
	}

	o = NewOracle(c, nil, Config{GasStationURL: srv.URL + "/gas", GasStationField: "result.FastGasPrice"})
	if got, err := o.GasPrice(context.Background()); err != nil || got.String() != "31500000000" {
		t.Fatalf("station gas=%v err=%v want 31500000000", got, err)
	}

	o = NewOracle(c, nil, Config{
		GasStationURL: srv.URL + "/gas",
		GasMultiplier: decimal.RequireFromString("0.5"),
		MaxGasGwei:    decimal.NewFromInt(10),
	})
	if got, err := o.GasPrice(context.Background()); err != nil || got.String() != "10000000000" {
		t.Fatalf("capped gas=%v err=%v want 10 gwei", got, err)
	}
}

func TestPrices_DerivesOtherToken(t *testing.T) {
	var hits int32
	srv := priceServer(t, &hits)
	defer srv.Close()
	c, _ := NewClient(srv.URL)

	reserve0, _ := new(big.Int).SetString("102817581502091247236234371", 10)
	reserve1, _ := new(big.Int).SetString("50212189021597534681275", 10)
	obs := market.Observation{
		Pair:     market.Pair{Token0: dai, Token1: weth},
		Reserve0: reserve0,
		Reserve1: reserve1,
	}

	o := NewOracle(c, staticGas{wei: 40}, Config{WrappedNative: weth.Address})
	got, err := o.Prices(context.Background(), obs)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	if got.Token1Price.String() != "1000000000000000000" {
		t.Fatalf("token1=%s want 1e18", got.Token1Price)
	}
	if got.Token0Price.Cmp(obs.Price0()) != 0 {
		t.Fatalf("token0=%s want pool price %s", got.Token0Price, obs.Price0())
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("wrapped native pair hit the price api %d times", n)
	}

	// Neither side native: token0 fetched, token1 derived.
	obs.Pair = market.Pair{Token0: dai, Token1: link}
	got, err = o.Prices(context.Background(), obs)
	if err != nil {
		t.Fatalf("Prices: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(499540000000000), obs.Price1())
	want.Div(want, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if got.Token1Price.Cmp(want) != 0 {
		t.Fatalf("token1=%s want %s", got.Token1Price, want)
	}
}

func TestPrices_NoPrice(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c, _ := NewClient(srv.URL)

	o := NewOracle(c, staticGas{wei: 1}, Config{})
	obs := market.Observation{Pair: market.Pair{Token0: dai, Token1: link}, Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)}
	if _, err := o.Prices(context.Background(), obs); err == nil {
		t.Fatalf("expected error when no token price is available")
	}
}

func TestNewClient_RejectsScheme(t *testing.T) {
	if _, err := NewClient("ftp://example.com"); err == nil {
		t.Fatalf("expected error")
	}
}
