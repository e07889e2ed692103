package main

import (
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"limit-relayer/internal/observability"
	"limit-relayer/internal/relayer"
)

// poolView is what the diagnostics endpoints read from the relayer.
type poolView interface {
	LastPrices(pair common.Address) (relayer.PoolSnapshot, bool)
	Snapshots() []relayer.PoolSnapshot
}

type priceResponse struct {
	Pair        string    `json:"pair"`
	Address     string    `json:"address"`
	Block       uint64    `json:"block"`
	ObservedAt  time.Time `json:"observedAt"`
	Reserve0    string    `json:"reserve0"`
	Reserve1    string    `json:"reserve1"`
	Price0      string    `json:"price0"`
	Price1      string    `json:"price1"`
	GasPriceWei string    `json:"gasPriceWei"`
	Token0Price string    `json:"token0Price"`
	Token1Price string    `json:"token1Price"`
}

type healthResponse struct {
	Status    string   `json:"status"`
	Mode      string   `json:"mode"`
	Pools     int      `json:"pools"`
	LastBlock uint64   `json:"lastBlock"`
	Pairs     []string `json:"pairs"`
}

func newRouter(v poolView, g prometheus.Gatherer, mode string) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", observability.Handler(g)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		snaps := v.Snapshots()
		resp := healthResponse{Status: "ok", Mode: mode, Pools: len(snaps), Pairs: []string{}}
		for _, s := range snaps {
			if s.Observation.Block > resp.LastBlock {
				resp.LastBlock = s.Observation.Block
			}
			resp.Pairs = append(resp.Pairs, s.Observation.Pair.String())
		}
		sort.Strings(resp.Pairs)
		writeJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)
	r.HandleFunc("/prices/{pair}", func(w http.ResponseWriter, req *http.Request) {
		raw := mux.Vars(req)["pair"]
		if !common.IsHexAddress(raw) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pair must be a hex address"})
			return
		}
		s, ok := v.LastPrices(common.HexToAddress(raw))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "pair not observed yet"})
			return
		}
		obs := s.Observation
		writeJSON(w, http.StatusOK, priceResponse{
			Pair:        obs.Pair.String(),
			Address:     obs.Pair.Address.Hex(),
			Block:       obs.Block,
			ObservedAt:  obs.At,
			Reserve0:    str(obs.Reserve0),
			Reserve1:    str(obs.Reserve1),
			Price0:      str(obs.Price0()),
			Price1:      str(obs.Price1()),
			GasPriceWei: str(s.Prices.GasPriceWei),
			Token0Price: str(s.Prices.Token0Price),
			Token1Price: str(s.Prices.Token1Price),
		})
	}).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func str(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
