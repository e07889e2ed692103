package amm

import (
	"math/big"
	"math/rand"
	"testing"
)

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad int " + s)
	}
	return v
}

var (
	daiReserve  = bi("102817581502091247236234371")
	wethReserve = bi("50212189021597534681275")
)

func TestQuoteOutput(t *testing.T) {
	in := bi("100000000000000000")
	ri := bi("1000000000000000000000")
	ro := bi("50000000000")

	out := QuoteOutput(in, ri, ro)
	if out.String() != "4984503" {
		t.Fatalf("out=%s want 4984503", out)
	}
	newIn := new(big.Int).Add(ri, in)
	newOut := new(big.Int).Sub(ro, out)
	if got := Price(newIn, newOut).String(); got != "49990016" {
		t.Fatalf("new price=%s want 49990016", got)
	}
}

func TestQuoteOutput_MonotoneAndBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ri := bi("1000000000000000000000000")
	ro := bi("500000000000000000000")
	prev := new(big.Int)
	for i := 0; i < 200; i++ {
		in := new(big.Int).Rand(rng, bi("100000000000000000000000000"))
		in.Add(in, prev)
		out := QuoteOutput(in, ri, ro)
		if out.Cmp(ro) >= 0 {
			t.Fatalf("out=%s >= reserveOut=%s", out, ro)
		}
		if out.Cmp(QuoteOutput(prev, ri, ro)) < 0 {
			t.Fatalf("quote decreased for larger input %s", in)
		}
		prev = in
	}
}

func TestQuoteInput_RoundTrip(t *testing.T) {
	out := bi("2000000000000000000")
	in, err := QuoteInput(out, daiReserve, wethReserve)
	if err != nil {
		t.Fatalf("QuoteInput: %v", err)
	}
	if got := QuoteOutput(in, daiReserve, wethReserve); got.Cmp(out) < 0 {
		t.Fatalf("QuoteOutput(QuoteInput(out))=%s < %s", got, out)
	}
	less := new(big.Int).Sub(in, big.NewInt(2))
	if got := QuoteOutput(less, daiReserve, wethReserve); got.Cmp(out) >= 0 {
		t.Fatalf("input %s is not minimal", in)
	}

	if _, err := QuoteInput(wethReserve, daiReserve, wethReserve); err == nil {
		t.Fatalf("expected error when output drains the reserve")
	}
}

func TestMaxBoundedSell_CapsAtLimit(t *testing.T) {
	pool := NewPoolState(daiReserve, wethReserve)
	req := bi("10000000000000000000000")
	current := Price(daiReserve, wethReserve)
	limit := Price(new(big.Int).Add(daiReserve, req), wethReserve)

	fill, err := MaxBoundedSell(limit, current, true, req, pool, SizingLinear)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if !fill.Partial {
		t.Fatalf("expected partial fill")
	}
	if fill.In.String() != "4999878428512704256313" {
		t.Fatalf("in=%s want 4999878428512704256313", fill.In)
	}
	if fill.NewPrice.Cmp(limit) < 0 {
		t.Fatalf("new price %s below limit %s", fill.NewPrice, limit)
	}
	if pool.ReserveA.Cmp(daiReserve) != 0 {
		t.Fatalf("input pool was modified")
	}
}

func TestMaxBoundedSell_FullFillSellingB(t *testing.T) {
	pool := NewPoolState(daiReserve, wethReserve)
	req := bi("10000000000000000000")
	current := Price(wethReserve, daiReserve)
	limit := Price(new(big.Int).Add(wethReserve, new(big.Int).Mul(req, big.NewInt(4))), daiReserve)

	fill, err := MaxBoundedSell(limit, current, false, req, pool, SizingLinear)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if fill.Partial || fill.In.Cmp(req) != 0 {
		t.Fatalf("in=%s partial=%v want full %s", fill.In, fill.Partial, req)
	}
	if fill.NewPrice.Cmp(limit) <= 0 {
		t.Fatalf("new price %s not above limit %s", fill.NewPrice, limit)
	}
	if fill.Pool.ReserveB.Cmp(new(big.Int).Add(wethReserve, req)) != 0 {
		t.Fatalf("reserveB=%s want %s", fill.Pool.ReserveB, new(big.Int).Add(wethReserve, req))
	}
}

func TestMaxBoundedSell_RespectsReducedRequest(t *testing.T) {
	pool := NewPoolState(daiReserve, wethReserve)
	amountIn := bi("10000000000000000000")
	remaining := new(big.Int).Div(amountIn, big.NewInt(2))
	current := Price(wethReserve, daiReserve)
	limit := Price(new(big.Int).Add(wethReserve, new(big.Int).Mul(amountIn, big.NewInt(100))), daiReserve)

	fill, err := MaxBoundedSell(limit, current, false, remaining, pool, SizingLinear)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if fill.In.Cmp(remaining) != 0 {
		t.Fatalf("in=%s want %s", fill.In, remaining)
	}
	minOut := new(big.Int).Mul(fill.In, limit)
	minOut.Div(minOut, Scale)
	if fill.Out.Cmp(minOut) < 0 {
		t.Fatalf("out=%s below in*limit=%s", fill.Out, minOut)
	}
}

func TestMaxBoundedSell_NoFillWhenPriceBelowLimit(t *testing.T) {
	pool := NewPoolState(daiReserve, wethReserve)
	current := Price(daiReserve, wethReserve)
	limit := new(big.Int).Add(current, big.NewInt(1))

	fill, err := MaxBoundedSell(limit, current, true, bi("1000"), pool, SizingLinear)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if !fill.Zero() {
		t.Fatalf("in=%s want 0", fill.In)
	}
}

func TestMaxBoundedSell_LinearOvershootShrinks(t *testing.T) {
	// A shallow pool where integer rounding pushes the linear estimate past
	// the limit (its post-trade price would be 3610192).
	ri, ro := bi("22220174334120"), big.NewInt(92)
	pool := NewPoolState(ri, ro)
	current := Price(ri, ro)
	limit := big.NewInt(3615906)

	fill, err := MaxBoundedSell(limit, current, true, ri, pool, SizingLinear)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if !fill.Corrected || !fill.Partial {
		t.Fatalf("corrected=%v partial=%v want both", fill.Corrected, fill.Partial)
	}
	if fill.In.String() != "1556936308749" {
		t.Fatalf("in=%s want 1556936308749", fill.In)
	}
	if fill.NewPrice.Cmp(limit) < 0 {
		t.Fatalf("new price %s below limit %s", fill.NewPrice, limit)
	}
}

func TestMaxBoundedSell_InvalidReserves(t *testing.T) {
	pool := PoolState{ReserveA: big.NewInt(0), ReserveB: big.NewInt(10)}
	_, err := MaxBoundedSell(big.NewInt(1), big.NewInt(2), true, big.NewInt(1), pool, SizingLinear)
	if err == nil {
		t.Fatalf("expected ErrInvariant")
	}
}

func TestMaxBoundedSell_ExactMode(t *testing.T) {
	pool := NewPoolState(daiReserve, wethReserve)
	req := bi("10000000000000000000000")
	current := Price(daiReserve, wethReserve)
	limit := Price(new(big.Int).Add(daiReserve, req), wethReserve)

	fill, err := MaxBoundedSell(limit, current, true, req, pool, SizingExact)
	if err != nil {
		t.Fatalf("MaxBoundedSell: %v", err)
	}
	if fill.In.String() != "4999878431468487308098" {
		t.Fatalf("in=%s want 4999878431468487308098", fill.In)
	}
	if fill.NewPrice.Cmp(limit) < 0 {
		t.Fatalf("new price %s below limit %s", fill.NewPrice, limit)
	}
}

func TestMaxBoundedSell_NeverCrossesLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		x := new(big.Int).Rand(rng, bi("1000000000000000000000000000"))
		x.Add(x, bi("1000000000000"))
		y := new(big.Int).Rand(rng, bi("1000000000000000000000000000"))
		y.Add(y, bi("1000000000000"))
		pool := NewPoolState(x, y)
		sellingA := rng.Intn(2) == 0
		current := pool.Price(sellingA)
		if current.Sign() == 0 {
			continue
		}

		// limit somewhere in (0.5, 1.0] of the current price
		limit := new(big.Int).Mul(current, big.NewInt(int64(500+rng.Intn(501))))
		limit.Div(limit, big.NewInt(1000))
		ri, _ := pool.Reserves(sellingA)
		req := new(big.Int).Rand(rng, ri)
		req.Add(req, big.NewInt(1))

		for _, mode := range []SizingMode{SizingLinear, SizingExact} {
			fill, err := MaxBoundedSell(limit, current, sellingA, req, pool, mode)
			if err != nil {
				t.Fatalf("case %d (%s): %v", i, mode, err)
			}
			if fill.In.Cmp(req) > 0 {
				t.Fatalf("case %d (%s): in=%s exceeds request %s", i, mode, fill.In, req)
			}
			if fill.Zero() {
				continue
			}
			floor := new(big.Int).Sub(limit, big.NewInt(1))
			if fill.NewPrice.Cmp(floor) < 0 {
				t.Fatalf("case %d (%s): new price %s crosses limit %s", i, mode, fill.NewPrice, limit)
			}
		}
	}
}

func TestParseSizingMode(t *testing.T) {
	for in, want := range map[string]SizingMode{"": SizingLinear, "linear": SizingLinear, "exact": SizingExact} {
		got, err := ParseSizingMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseSizingMode(%q)=%v,%v want %v", in, got, err, want)
		}
	}
	if _, err := ParseSizingMode("quadratic"); err == nil {
		t.Fatalf("expected error")
	}
}
