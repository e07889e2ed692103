package main

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
)

func TestGroupByPair(t *testing.T) {
	a, b, c := common.HexToAddress("0xa"), common.HexToAddress("0xb"), common.HexToAddress("0xc")
	pairs := []market.Pair{
		{Token0: market.Token{Address: a}, Token1: market.Token{Address: b}, Address: common.HexToAddress("0x1")},
		{Token0: market.Token{Address: b}, Token1: market.Token{Address: c}, Address: common.HexToAddress("0x2")},
	}
	order := func(pair, tokenIn common.Address) *limitorder.LimitOrder {
		return &limitorder.LimitOrder{PairAddress: pair, Order: limitorder.Order{TokenIn: tokenIn}}
	}
	orders := []*limitorder.LimitOrder{
		order(pairs[0].Address, a),
		order(pairs[0].Address, b),
		order(pairs[1].Address, c),
		order(pairs[1].Address, c),
		order(common.HexToAddress("0x9"), a), // unwatched pair
		order(pairs[0].Address, c),           // token not in pair
	}

	groups := groupByPair(pairs, orders)
	if len(groups) != 2 {
		t.Fatalf("groups=%d", len(groups))
	}
	shape := [][2]int{{len(groups[0][0]), len(groups[0][1])}, {len(groups[1][0]), len(groups[1][1])}}
	want := [][2]int{{1, 1}, {0, 2}}
	if shape[0] != want[0] || shape[1] != want[1] {
		t.Fatalf("shape=%v want %v", shape, want)
	}
}
