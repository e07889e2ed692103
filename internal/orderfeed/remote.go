package orderfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultUserAgent = "limit-relayer/1.0"

// RemoteClient reads the pending order book of another relayer or order
// service, used to seed an empty store.
type RemoteClient struct {
	host       string
	httpClient *http.Client
	userAgent  string
}

func NewRemoteClient(host string) (*RemoteClient, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("remote orders url required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("remote orders url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("remote orders url must be http(s), got %q", host)
	}
	return &RemoteClient{
		host:       host,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  DefaultUserAgent,
	}, nil
}

type pendingResponse struct {
	Data struct {
		Orders []json.RawMessage `json:"orders"`
	} `json:"data"`
}

// Pending POSTs {"chainId": "<id>"} to /orders/pending and returns the raw
// order objects.
func (c *RemoteClient) Pending(ctx context.Context, chainID int64) ([]json.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"chainId": strconv.FormatInt(chainID, 10)})
	if err != nil {
		return nil, err
	}
	endpoint := c.host + "/orders/pending"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := readBodyLimit(resp.Body, 8<<10)
		return nil, fmt.Errorf("remote orders %s: status=%d body=%q", endpoint, resp.StatusCode, body)
	}

	var out pendingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote orders decode: %w", err)
	}
	if out.Data.Orders == nil {
		return nil, fmt.Errorf("remote orders: response has no data.orders array")
	}
	return out.Data.Orders, nil
}

func readBodyLimit(r io.Reader, limit int64) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(b)
}
