package submit

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"limit-relayer/internal/profit"
)

// FillRequest is everything needed to fill one order through the receiver
// contract.
type FillRequest struct {
	Executable profit.ExecutableOrder
	// AmountExternal is the minimum the receiver must get back from the
	// pool swap: tokenIn when KeepTokenIn, tokenOut otherwise.
	AmountExternal *big.Int
	KeepTokenIn    bool
	GasPrice       *big.Int
}

// Result is the outcome of one submission attempt.
type Result struct {
	// Executed is false when the transaction was not sent because gas
	// estimation failed, i.e. the fill would revert.
	Executed bool
	DryRun   bool
	TxHash   common.Hash
	Nonce    uint64
	GasLimit uint64
	Tx       *types.Transaction
}

// Submitter sends fill transactions. A returned error means a transport
// failure; a revert shows up as Result.Executed == false.
type Submitter interface {
	FillOrder(ctx context.Context, req FillRequest) (Result, error)
}

// ProfitPolicy orders the tokens the relayer prefers to keep profit in,
// most preferred first.
type ProfitPolicy struct {
	Tokens []common.Address
}

func (p ProfitPolicy) rank(token common.Address) int {
	for i, t := range p.Tokens {
		if t == token {
			return len(p.Tokens) - i
		}
	}
	return 0
}

// KeepTokenIn reports whether profit should stay in tokenIn rather than be
// swapped into tokenOut.
func (p ProfitPolicy) KeepTokenIn(tokenIn, tokenOut common.Address) bool {
	return p.rank(tokenIn) > p.rank(tokenOut)
}

var (
	big10 = big.NewInt(10)
)

// AmountExternal leaves a tenth of the captured surplus as slippage room.
// When profit is kept in tokenIn only minAmountIn plus a tenth of the spare
// input has to come back from the swap; otherwise the full output minus a
// tenth of outDiff.
func AmountExternal(eo profit.ExecutableOrder, keepTokenIn bool) *big.Int {
	if keepTokenIn {
		diff := new(big.Int).Sub(eo.InAmount, eo.MinAmountIn)
		diff.Div(diff, big10)
		return diff.Add(diff, eo.MinAmountIn)
	}
	slip := new(big.Int).Div(eo.OutDiff, big10)
	return slip.Sub(eo.OutAmount, slip)
}

// NewFillRequest applies the profit policy to an executable order.
func NewFillRequest(eo profit.ExecutableOrder, policy ProfitPolicy, gasPrice *big.Int) FillRequest {
	keep := policy.KeepTokenIn(eo.Order.Order.TokenIn, eo.Order.Order.TokenOut)
	return FillRequest{
		Executable:     eo,
		AmountExternal: AmountExternal(eo, keep),
		KeepTokenIn:    keep,
		GasPrice:       gasPrice,
	}
}
