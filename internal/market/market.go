package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/amm"
)

type Token struct {
	Address  common.Address `yaml:"address" json:"address"`
	Symbol   string         `yaml:"symbol" json:"symbol"`
	Decimals uint8          `yaml:"decimals" json:"decimals"`
}

// Pair is a watched constant-product pool. Token0 sorts below Token1.
type Pair struct {
	Token0  Token          `json:"token0"`
	Token1  Token          `json:"token1"`
	Address common.Address `json:"pairAddress"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.Token0.Symbol, p.Token1.Symbol)
}

// Has reports whether token is one side of the pair.
func (p Pair) Has(token common.Address) bool {
	return token == p.Token0.Address || token == p.Token1.Address
}

// Side selects which token the evaluated orders sell into the pool.
type Side int

const (
	SellToken0 Side = iota
	SellToken1
)

// Sides lists both sides in evaluation order.
var Sides = [2]Side{SellToken0, SellToken1}

func (s Side) String() string {
	if s == SellToken1 {
		return "sell1"
	}
	return "sell0"
}

// SellingA maps the side onto amm.PoolState, where A is token0.
func (s Side) SellingA() bool { return s == SellToken0 }

// TokenIn is the token orders on this side sell.
func (s Side) TokenIn(p Pair) Token {
	if s == SellToken0 {
		return p.Token0
	}
	return p.Token1
}

// TokenOut is the token orders on this side buy.
func (s Side) TokenOut(p Pair) Token {
	if s == SellToken0 {
		return p.Token1
	}
	return p.Token0
}

// SideFor returns the side on which an order selling tokenIn belongs.
func SideFor(p Pair, tokenIn common.Address) (Side, bool) {
	switch tokenIn {
	case p.Token0.Address:
		return SellToken0, true
	case p.Token1.Address:
		return SellToken1, true
	default:
		return SellToken0, false
	}
}

// Observation is one reserve reading of a pair.
type Observation struct {
	Pair     Pair
	Reserve0 *big.Int
	Reserve1 *big.Int
	Block    uint64
	At       time.Time
}

// Pool converts the observation into an immutable pool state.
func (o Observation) Pool() amm.PoolState {
	return amm.NewPoolState(o.Reserve0, o.Reserve1)
}

// Price0 is the price of token0 in token1 (reserve1*1e18/reserve0).
func (o Observation) Price0() *big.Int { return amm.Price(o.Reserve0, o.Reserve1) }

// Price1 is the price of token1 in token0 (reserve0*1e18/reserve1).
func (o Observation) Price1() *big.Int { return amm.Price(o.Reserve1, o.Reserve0) }

// Price is the pool price of the token sold on side s.
func (o Observation) Price(s Side) *big.Int {
	if s == SellToken0 {
		return o.Price0()
	}
	return o.Price1()
}
