package netprices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const DefaultPriceURL = "https://api.coingecko.com/api/v3"

const DefaultUserAgent = "limit-relayer/1.0"

// Client talks to a Coingecko-compatible price API and, optionally, a gas
// station endpoint.
type Client struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultPriceURL
	}
	host = strings.TrimRight(host, "/")

	if err := validateURL(host); err != nil {
		return nil, fmt.Errorf("price api: %w", err)
	}

	return &Client{
		host: host,
		httpClient: &http.Client{
			Timeout: 12 * time.Second,
		},
		userAgent: DefaultUserAgent,
	}, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url parse %q: %w", raw, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("url must be http(s), got %q", raw)
	}
	return nil
}

type contractResponse struct {
	MarketData struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

// ContractPrice returns the price of the token contract on platform in the
// vs currency (e.g. "eth", "usd").
func (c *Client) ContractPrice(ctx context.Context, platform string, token common.Address, vs string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/coins/%s/contract/%s", c.host, url.PathEscape(platform), strings.ToLower(token.Hex()))
	var out contractResponse
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return decimal.Zero, err
	}
	p, ok := out.MarketData.CurrentPrice[strings.ToLower(vs)]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("price api %s: no %s price", endpoint, vs)
	}
	return p, nil
}

// CoinPrice returns the price of a coin id (e.g. "matic-network") in vs.
func (c *Client) CoinPrice(ctx context.Context, coinID, vs string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", coinID)
	q.Set("vs_currencies", strings.ToLower(vs))
	endpoint := c.host + "/simple/price?" + q.Encode()

	var out map[string]map[string]decimal.Decimal
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return decimal.Zero, err
	}
	p, ok := out[coinID][strings.ToLower(vs)]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("price api %s: no %s price for %s", endpoint, vs, coinID)
	}
	return p, nil
}

// GasStationGwei reads a gwei quote from a gas station JSON document. field
// is a dotted path such as "standard" or "result.FastGasPrice"; the leaf may
// be a number or a numeric string.
func (c *Client) GasStationGwei(ctx context.Context, endpoint, field string) (decimal.Decimal, error) {
	if err := validateURL(endpoint); err != nil {
		return decimal.Zero, fmt.Errorf("gas station: %w", err)
	}
	var doc map[string]any
	if err := c.getJSON(ctx, endpoint, &doc); err != nil {
		return decimal.Zero, err
	}

	var cur any = doc
	for _, key := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return decimal.Zero, fmt.Errorf("gas station %s: %q is not an object", endpoint, key)
		}
		cur = m[key]
	}

	var v decimal.Decimal
	var err error
	switch x := cur.(type) {
	case json.Number:
		v, err = decimal.NewFromString(x.String())
	case string:
		v, err = decimal.NewFromString(strings.TrimSpace(x))
	default:
		return decimal.Zero, fmt.Errorf("gas station %s: field %q missing or not numeric", endpoint, field)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("gas station %s: field %q: %w", endpoint, field, err)
	}
	if !v.IsPositive() {
		return decimal.Zero, fmt.Errorf("gas station %s: non-positive gas price %s", endpoint, v)
	}
	return v, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 4<<10)
		return fmt.Errorf("GET %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", endpoint, err)
	}
	return nil
}

func readBodyLimit(r io.Reader, limit int64) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(string(b))
}
