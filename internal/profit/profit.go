package profit

import (
	"bytes"
	"errors"
	"log"
	"math/big"
	"sort"

	"limit-relayer/internal/amm"
	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
)

// DefaultExecutionGas is the gas a fillOrder transaction is assumed to use
// when judging profitability.
const DefaultExecutionGas = 380_000

var gweiDiv = big.NewInt(1_000_000_000)

// ReferencePrices are the external prices one evaluation is judged against.
// Token prices are native-token wei per token unit scaled by 1e18, already
// padded for tokens with fewer than 18 decimals.
type ReferencePrices struct {
	GasPriceWei *big.Int
	Token0Price *big.Int
	Token1Price *big.Int
}

// TokenOutPrice returns the reference price of the token orders on side s
// receive.
func (r ReferencePrices) TokenOutPrice(s market.Side) *big.Int {
	if s == market.SellToken0 {
		return r.Token1Price
	}
	return r.Token0Price
}

// ExecutableOrder is a candidate that passed the profitability filter, sized
// against the pool state left by every order accepted before it.
type ExecutableOrder struct {
	Order       *limitorder.LimitOrder
	Side        market.Side
	InAmount    *big.Int
	OutAmount   *big.Int
	OutDiff     *big.Int
	Profit      *big.Int
	ProfitGwei  *big.Int
	MinAmountIn *big.Int
	Partial     bool
	NewPrice    *big.Int
	// Pool is the simulated state after this fill.
	Pool amm.PoolState
}

// Evaluator decides which orders one pool observation can fill profitably.
type Evaluator struct {
	ExecutionGas uint64
	Sizing       amm.SizingMode
}

// NewEvaluator returns an evaluator with the default gas estimate.
func NewEvaluator(sizing amm.SizingMode) *Evaluator {
	return &Evaluator{ExecutionGas: DefaultExecutionGas, Sizing: sizing}
}

// SortOrders returns a copy of orders sorted by ascending limit price; ties
// are broken by digest so the order is deterministic.
func SortOrders(orders []*limitorder.LimitOrder) []*limitorder.LimitOrder {
	out := append([]*limitorder.LimitOrder(nil), orders...)
	sort.SliceStable(out, func(i, j int) bool {
		if c := priceOf(out[i]).Cmp(priceOf(out[j])); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].Digest.Bytes(), out[j].Digest.Bytes()) < 0
	})
	return out
}

func priceOf(o *limitorder.LimitOrder) *big.Int {
	if o.Price != nil {
		return o.Price
	}
	return o.Order.Price()
}

// Effects sizes order against pool and computes what filling it would earn.
// ok is false when the order cannot be filled at all or would not cover the
// maker's minimum rate.
func (e *Evaluator) Effects(order *limitorder.LimitOrder, side market.Side, pool amm.PoolState, prices ReferencePrices) (ExecutableOrder, bool, error) {
	sellingA := side.SellingA()
	limit := priceOf(order)
	current := pool.Price(sellingA)

	fill, err := amm.MaxBoundedSell(limit, current, sellingA, order.Requested(), pool, e.Sizing)
	if err != nil {
		return ExecutableOrder{}, false, err
	}
	if fill.Zero() {
		return ExecutableOrder{}, false, nil
	}
	if fill.Corrected {
		log.Printf("[warn] evaluator: linear sizing overshot limit for %s, used exact bound in=%s", order.Digest.Hex(), fill.In)
	}

	minOut := new(big.Int).Mul(fill.In, order.Order.MinRate())
	minOut.Div(minOut, amm.Scale)
	outDiff := new(big.Int).Sub(fill.Out, minOut)
	if outDiff.Sign() < 0 {
		return ExecutableOrder{}, false, nil
	}

	profit := new(big.Int)
	if p := prices.TokenOutPrice(side); p != nil {
		profit.Mul(outDiff, p)
		profit.Div(profit, amm.Scale)
	}

	reserveIn, reserveOut := pool.Reserves(sellingA)
	minIn, err := amm.QuoteInput(minOut, reserveIn, reserveOut)
	if err != nil || minIn.Cmp(fill.In) > 0 {
		minIn = new(big.Int).Set(fill.In)
	}

	return ExecutableOrder{
		Order:       order,
		Side:        side,
		InAmount:    fill.In,
		OutAmount:   fill.Out,
		OutDiff:     outDiff,
		Profit:      profit,
		ProfitGwei:  new(big.Int).Div(profit, gweiDiv),
		MinAmountIn: minIn,
		Partial:     fill.Partial,
		NewPrice:    fill.NewPrice,
		Pool:        fill.Pool,
	}, true, nil
}

// GasCost is gasPrice * ExecutionGas in wei.
func (e *Evaluator) GasCost(gasPriceWei *big.Int) *big.Int {
	gas := e.ExecutionGas
	if gas == 0 {
		gas = DefaultExecutionGas
	}
	cost := new(big.Int).SetUint64(gas)
	if gasPriceWei == nil {
		return cost.SetInt64(0)
	}
	return cost.Mul(cost, gasPriceWei)
}

// Evaluate folds the sorted candidates over the observed pool: every accepted
// order's post-trade reserves become the starting state of the next order.
// Orders that break a pool invariant are dropped and logged; the rest of the
// batch continues.
func (e *Evaluator) Evaluate(obs market.Observation, side market.Side, candidates []*limitorder.LimitOrder, prices ReferencePrices) []ExecutableOrder {
	if len(candidates) == 0 {
		return nil
	}
	gasCost := e.GasCost(prices.GasPriceWei)
	state := obs.Pool()

	var out []ExecutableOrder
	for _, order := range SortOrders(candidates) {
		eo, ok, err := e.Effects(order, side, state, prices)
		if err != nil {
			if errors.Is(err, amm.ErrInvariant) {
				log.Printf("[error] evaluator: drop order %s on %s: %v", order.Digest.Hex(), obs.Pair, err)
			} else {
				log.Printf("[warn] evaluator: order %s on %s: %v", order.Digest.Hex(), obs.Pair, err)
			}
			continue
		}
		if !ok || eo.Profit.Cmp(gasCost) <= 0 {
			continue
		}
		state = eo.Pool
		out = append(out, eo)
	}
	return out
}
