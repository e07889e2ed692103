package orderfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteClient_Pending(t *testing.T) {
	end := uint64(fixedNow.Unix()) + 3600
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/pending" {
			t.Errorf("request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["chainId"] != "137" {
			t.Errorf("body=%v err=%v", body, err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"orders":[` + orderJSON(usdc, dai, end, 137) + `]}}`))
	}))
	defer srv.Close()

	c, err := NewRemoteClient(srv.URL + "/")
	if err != nil {
		t.Fatalf("NewRemoteClient: %v", err)
	}
	raws, err := c.Pending(context.Background(), 137)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(raws) != 1 {
		t.Fatalf("got %d orders", len(raws))
	}
	o, err := newBuilder().BuildOrder(raws[0])
	if err != nil {
		t.Fatalf("BuildOrder: %v", err)
	}
	if o.PairAddress != usdcDai.Address {
		t.Fatalf("pair=%s", o.PairAddress.Hex())
	}
}

func TestRemoteClient_Errors(t *testing.T) {
	if _, err := NewRemoteClient(""); err == nil {
		t.Fatalf("empty url accepted")
	}
	if _, err := NewRemoteClient("ftp://x"); err == nil {
		t.Fatalf("ftp url accepted")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	c, _ := NewRemoteClient(srv.URL)
	if _, err := c.Pending(context.Background(), 1); err == nil {
		t.Fatalf("502 accepted")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer empty.Close()
	c, _ = NewRemoteClient(empty.URL)
	if _, err := c.Pending(context.Background(), 1); err == nil {
		t.Fatalf("missing orders array accepted")
	}
}
