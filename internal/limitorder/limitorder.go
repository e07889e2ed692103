package limitorder

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LimitOrder is a stored order together with the bookkeeping the relayer
// keeps about it.
type LimitOrder struct {
	Digest       common.Hash
	Order        Order
	Price        *big.Int
	PairAddress  common.Address
	FilledAmount *big.Int
	// UserBalance is the maker's tokenIn balance from the last status
	// refresh; nil when it was not requested.
	UserBalance *big.Int
	Valid       bool
	CreatedAt   time.Time
}

// New computes the digest and price of o and returns a valid, unfilled order
// on pair.
func New(o Order, verifyingContract, pair common.Address) (*LimitOrder, error) {
	digest, err := o.Digest(verifyingContract)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &LimitOrder{
		Digest:       digest,
		Order:        o,
		Price:        o.Price(),
		PairAddress:  pair,
		FilledAmount: new(big.Int),
		Valid:        true,
	}, nil
}

// Remaining is amountIn - filledAmount, floored at zero.
func (l *LimitOrder) Remaining() *big.Int {
	r := new(big.Int).Set(orZero(l.Order.AmountIn))
	if l.FilledAmount != nil {
		r.Sub(r, l.FilledAmount)
	}
	if r.Sign() < 0 {
		r.SetInt64(0)
	}
	return r
}

// Requested is the most the relayer may sell on the maker's behalf: the
// remaining amount, capped by the known balance.
func (l *LimitOrder) Requested() *big.Int {
	r := l.Remaining()
	if l.UserBalance != nil && l.UserBalance.Cmp(r) < 0 {
		r.Set(l.UserBalance)
	}
	return r
}

// Clone returns a deep copy.
func (l *LimitOrder) Clone() *LimitOrder {
	if l == nil {
		return nil
	}
	c := *l
	c.Order.AmountIn = cloneBig(l.Order.AmountIn)
	c.Order.AmountOut = cloneBig(l.Order.AmountOut)
	c.Order.StopPrice = cloneBig(l.Order.StopPrice)
	c.Order.OracleData = append([]byte(nil), l.Order.OracleData...)
	c.Price = cloneBig(l.Price)
	c.FilledAmount = cloneBig(l.FilledAmount)
	c.UserBalance = cloneBig(l.UserBalance)
	return &c
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Status is the result of an on-chain status check.
type Status int

const (
	StatusPending Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusInvalid:
		return "INVALID"
	default:
		return "PENDING"
	}
}

// ExecutedStatusPending marks an execution whose transaction has not been
// confirmed yet.
const ExecutedStatusPending = -1

// ExecutedOrder records a submitted fill.
type ExecutedOrder struct {
	Order       Order       `json:"order"`
	Digest      common.Hash `json:"digest"`
	TxHash      common.Hash `json:"txHash"`
	FillAmount  *big.Int    `json:"fillAmount"`
	Status      int         `json:"status"`
	Nonce       uint64      `json:"nonce"`
	SubmittedAt time.Time   `json:"submittedAt"`
}
