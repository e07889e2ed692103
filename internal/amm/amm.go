package amm

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrInvariant reports reserves or trade sizes that no constant-product pool
// can hold (non-positive reserves, an output that drains the pool).
var ErrInvariant = errors.New("amm: pool invariant violated")

const (
	feeNumerator   = 997
	feeDenominator = 1000
)

var (
	// Scale is the fixed-point multiplier used for every price (1e18).
	Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	bigFeeNum = big.NewInt(feeNumerator)
	bigFeeDen = big.NewInt(feeDenominator)
	bigOne    = big.NewInt(1)
	bigTwo    = big.NewInt(2)
)

// SizingMode selects how a partial fill is sized when the whole remaining
// amount would push the pool past the limit price.
type SizingMode int

const (
	// SizingLinear uses the midpoint of current and limit price as the
	// average execution price.
	SizingLinear SizingMode = iota
	// SizingExact solves the constant-product curve for the input that lands
	// the pool on the limit price.
	SizingExact
)

func (m SizingMode) String() string {
	switch m {
	case SizingExact:
		return "exact"
	default:
		return "linear"
	}
}

// ParseSizingMode accepts "linear" (or "") and "exact".
func ParseSizingMode(s string) (SizingMode, error) {
	switch s {
	case "", "linear":
		return SizingLinear, nil
	case "exact":
		return SizingExact, nil
	default:
		return SizingLinear, fmt.Errorf("unknown sizing mode %q (want linear|exact)", s)
	}
}

// QuoteOutput returns the output of selling amountIn into a pool holding
// reserveIn/reserveOut, after the 0.3% fee, rounded down.
func QuoteOutput(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, bigFeeNum)
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, bigFeeDen)
	den.Add(den, inWithFee)
	return num.Div(num, den)
}

// QuoteInput returns the smallest input that buys amountOut from the pool.
func QuoteInput(amountOut, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInvariant
	}
	if amountOut.Sign() <= 0 {
		return new(big.Int), nil
	}
	if amountOut.Cmp(reserveOut) >= 0 {
		return nil, fmt.Errorf("%w: output %s exceeds reserve %s", ErrInvariant, amountOut, reserveOut)
	}
	num := new(big.Int).Mul(reserveIn, amountOut)
	num.Mul(num, bigFeeDen)
	den := new(big.Int).Sub(reserveOut, amountOut)
	den.Mul(den, bigFeeNum)
	num.Div(num, den)
	return num.Add(num, bigOne), nil
}

// Price returns reserveOut*Scale/reserveIn, the amount of the out token one
// unit of the in token buys at the margin.
func Price(reserveIn, reserveOut *big.Int) *big.Int {
	if reserveIn.Sign() <= 0 {
		return new(big.Int)
	}
	p := new(big.Int).Mul(reserveOut, Scale)
	return p.Div(p, reserveIn)
}

// PoolState is an immutable snapshot of a pair's reserves. Methods never
// modify the receiver.
type PoolState struct {
	ReserveA *big.Int
	ReserveB *big.Int
}

// NewPoolState copies the reserves into a fresh state.
func NewPoolState(reserveA, reserveB *big.Int) PoolState {
	return PoolState{
		ReserveA: new(big.Int).Set(reserveA),
		ReserveB: new(big.Int).Set(reserveB),
	}
}

// Reserves returns (reserveIn, reserveOut) for a trade selling A when
// sellingA is true, selling B otherwise.
func (p PoolState) Reserves(sellingA bool) (*big.Int, *big.Int) {
	if sellingA {
		return p.ReserveA, p.ReserveB
	}
	return p.ReserveB, p.ReserveA
}

// Price is the marginal price of the sold token in units of the bought one.
func (p PoolState) Price(sellingA bool) *big.Int {
	in, out := p.Reserves(sellingA)
	return Price(in, out)
}

func (p PoolState) validate() error {
	if p.ReserveA == nil || p.ReserveB == nil || p.ReserveA.Sign() <= 0 || p.ReserveB.Sign() <= 0 {
		return fmt.Errorf("%w: reserves must be positive", ErrInvariant)
	}
	return nil
}

// after returns the state following a swap of in for out.
func (p PoolState) after(sellingA bool, in, out *big.Int) PoolState {
	ri, ro := p.Reserves(sellingA)
	newIn := new(big.Int).Add(ri, in)
	newOut := new(big.Int).Sub(ro, out)
	if sellingA {
		return PoolState{ReserveA: newIn, ReserveB: newOut}
	}
	return PoolState{ReserveA: newOut, ReserveB: newIn}
}

func (p PoolState) String() string {
	return fmt.Sprintf("{A:%s B:%s}", p.ReserveA, p.ReserveB)
}

// Fill describes a bounded trade against a pool.
type Fill struct {
	In       *big.Int
	Out      *big.Int
	Pool     PoolState
	NewPrice *big.Int
	Partial  bool
	// Corrected is set when the linear estimate overshot the limit and the
	// size was recomputed on the exact curve.
	Corrected bool
}

// Zero reports whether nothing can be traded.
func (f Fill) Zero() bool {
	return f.In == nil || f.In.Sign() == 0
}

// MaxBoundedSell sizes the largest trade, at most requestedIn, that leaves
// the pool price at or above limitPrice. currentPrice is the pool's price for
// the sold token. A zero Fill means the order cannot trade at all.
func MaxBoundedSell(limitPrice, currentPrice *big.Int, sellingA bool, requestedIn *big.Int, pool PoolState, mode SizingMode) (Fill, error) {
	if err := pool.validate(); err != nil {
		return Fill{}, err
	}
	noFill := Fill{In: new(big.Int), Out: new(big.Int), Pool: pool, NewPrice: new(big.Int).Set(currentPrice)}
	if currentPrice.Cmp(limitPrice) < 0 || requestedIn.Sign() <= 0 {
		return noFill, nil
	}

	full, err := fillFor(pool, sellingA, requestedIn)
	if err != nil {
		return Fill{}, err
	}
	if full.NewPrice.Cmp(limitPrice) >= 0 {
		return full, nil
	}

	var in *big.Int
	corrected := false
	switch mode {
	case SizingExact:
		in = exactBound(limitPrice, sellingA, requestedIn, pool)
	default:
		in = linearBound(limitPrice, currentPrice, sellingA, requestedIn, pool)
		probe, err := fillFor(pool, sellingA, in)
		if err != nil {
			return Fill{}, err
		}
		tolerance := new(big.Int).Sub(limitPrice, bigOne)
		if in.Sign() > 0 && probe.NewPrice.Cmp(tolerance) < 0 {
			in = exactBound(limitPrice, sellingA, requestedIn, pool)
			corrected = true
		}
	}
	if in.Sign() == 0 {
		return noFill, nil
	}

	fill, err := fillFor(pool, sellingA, in)
	if err != nil {
		return Fill{}, err
	}
	fill.Partial = true
	fill.Corrected = corrected
	return fill, nil
}

func fillFor(pool PoolState, sellingA bool, in *big.Int) (Fill, error) {
	ri, ro := pool.Reserves(sellingA)
	out := QuoteOutput(in, ri, ro)
	if out.Cmp(ro) >= 0 {
		return Fill{}, fmt.Errorf("%w: output %s drains reserve %s", ErrInvariant, out, ro)
	}
	next := pool.after(sellingA, in, out)
	return Fill{
		In:       new(big.Int).Set(in),
		Out:      out,
		Pool:     next,
		NewPrice: next.Price(sellingA),
	}, nil
}

// linearBound treats the trade as executing at the midpoint of the current
// and limit price:
//
//	in = (reserveOut - reserveIn*limit/Scale) * Scale / (mid + limit)
func linearBound(limit, current *big.Int, sellingA bool, requestedIn *big.Int, pool PoolState) *big.Int {
	ri, ro := pool.Reserves(sellingA)

	mid := new(big.Int).Add(limit, current)
	mid.Div(mid, bigTwo)

	num := new(big.Int).Mul(ri, limit)
	num.Div(num, Scale)
	num.Sub(ro, num)
	if num.Sign() <= 0 {
		return new(big.Int)
	}
	num.Mul(num, Scale)
	den := mid.Add(mid, limit)
	if den.Sign() <= 0 {
		return new(big.Int)
	}
	in := num.Div(num, den)
	if in.Cmp(requestedIn) > 0 {
		in.Set(requestedIn)
	}
	return in
}

// exactBound solves (x+a)^2 = x*y*Scale/limit on the fee-less curve and then
// steps down until the fee-inclusive post-trade price holds the limit.
func exactBound(limit *big.Int, sellingA bool, requestedIn *big.Int, pool PoolState) *big.Int {
	if limit.Sign() <= 0 {
		return new(big.Int).Set(requestedIn)
	}
	x, y := pool.Reserves(sellingA)

	k := new(big.Int).Mul(x, y)
	k.Mul(k, Scale)
	k.Div(k, limit)
	a := k.Sqrt(k)
	a.Sub(a, x)
	if a.Sign() <= 0 {
		return new(big.Int)
	}
	if a.Cmp(requestedIn) > 0 {
		a.Set(requestedIn)
	}

	step := big.NewInt(1)
	for i := 0; i < 256 && a.Sign() > 0; i++ {
		f, err := fillFor(pool, sellingA, a)
		if err == nil && f.NewPrice.Cmp(limit) >= 0 {
			return a
		}
		a.Sub(a, step)
		step.Mul(step, bigTwo)
	}
	if a.Sign() < 0 {
		a.SetInt64(0)
	}
	return a
}
