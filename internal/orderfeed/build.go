package orderfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/ethutil"
	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/market"
)

// TagLimitOrderV2 marks feed messages that carry a signed order.
const TagLimitOrderV2 = "LIMIT_ORDER_V2"

var (
	// ErrIgnored is returned for messages that carry no order.
	ErrIgnored = errors.New("orderfeed: not a limit order message")
	// ErrRejected wraps every reason an order message is refused.
	ErrRejected = errors.New("orderfeed: order rejected")
)

type envelope struct {
	Tag        string          `json:"tag"`
	LimitOrder json.RawMessage `json:"limitOrder"`
}

type pairKey struct{ a, b common.Address }

// Builder turns feed messages into stored-order candidates on the watched
// pairs.
type Builder struct {
	ChainID           int64
	VerifyingContract common.Address
	Now               func() time.Time

	pairs map[pairKey]market.Pair
}

func NewBuilder(chainID int64, verifyingContract common.Address, pairs []market.Pair) *Builder {
	m := make(map[pairKey]market.Pair, len(pairs))
	for _, p := range pairs {
		a, b := ethutil.SortTokens(p.Token0.Address, p.Token1.Address)
		m[pairKey{a, b}] = p
	}
	return &Builder{ChainID: chainID, VerifyingContract: verifyingContract, Now: time.Now, pairs: m}
}

// Pair finds the watched pair trading tokenIn against tokenOut.
func (b *Builder) Pair(tokenIn, tokenOut common.Address) (market.Pair, bool) {
	x, y := ethutil.SortTokens(tokenIn, tokenOut)
	p, ok := b.pairs[pairKey{x, y}]
	return p, ok
}

// Build decodes one feed message. Messages with another tag return
// ErrIgnored; malformed or invalid orders return an error wrapping
// ErrRejected.
func (b *Builder) Build(raw []byte) (*limitorder.LimitOrder, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrRejected, err)
	}
	if env.Tag != TagLimitOrderV2 || len(env.LimitOrder) == 0 {
		return nil, ErrIgnored
	}
	return b.BuildOrder(env.LimitOrder)
}

// BuildOrder decodes and validates a bare order object.
func (b *Builder) BuildOrder(raw []byte) (*limitorder.LimitOrder, error) {
	var o limitorder.Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("%w: decode order: %v", ErrRejected, err)
	}
	now := b.Now()
	if err := o.Validate(b.ChainID, now); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	p, ok := b.Pair(o.TokenIn, o.TokenOut)
	if !ok {
		return nil, fmt.Errorf("%w: pair %s/%s not watched", ErrRejected, o.TokenIn.Hex(), o.TokenOut.Hex())
	}
	if side, ok := market.SideFor(p, o.TokenIn); ok {
		in, out := side.TokenIn(p), side.TokenOut(p)
		if o.TokenInDecimals == 0 {
			o.TokenInDecimals = in.Decimals
		}
		if o.TokenOutDecimals == 0 {
			o.TokenOutDecimals = out.Decimals
		}
		if o.TokenInSymbol == "" {
			o.TokenInSymbol = in.Symbol
		}
		if o.TokenOutSymbol == "" {
			o.TokenOutSymbol = out.Symbol
		}
	}

	lo, err := limitorder.New(o, b.VerifyingContract, p.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	lo.CreatedAt = now
	return lo, nil
}
