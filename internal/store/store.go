// Package store defines the persistence the relayer needs for limit orders,
// submitted executions and the daily received-order counter.
package store

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"limit-relayer/internal/limitorder"
)

// OrderStore holds signed limit orders and their refresh state.
type OrderStore interface {
	// SaveLimitOrder stores a new order as valid and bumps the received
	// counter for its day. Returns ErrDuplicateKey if the digest exists.
	SaveLimitOrder(ctx context.Context, o *limitorder.LimitOrder) error

	// LimitOrder retrieves one order. Returns ErrNotFound if not exists.
	LimitOrder(ctx context.Context, digest common.Hash) (*limitorder.LimitOrder, error)

	// Candidates returns the valid, active orders on pair selling tokenIn
	// whose limit price is strictly below poolPrice, cheapest first.
	Candidates(ctx context.Context, pair, tokenIn common.Address, poolPrice *big.Int, now time.Time) ([]*limitorder.LimitOrder, error)

	// Invalidate marks the given orders invalid. Unknown digests are ignored.
	Invalidate(ctx context.Context, digests []common.Hash) error

	// UpdateFilled records the on-chain filled amount and, when non-nil, the
	// maker balance. Returns ErrNotFound if the digest is unknown.
	UpdateFilled(ctx context.Context, digest common.Hash, filled, balance *big.Int) error
}

// ExecutionStore holds submitted fills.
type ExecutionStore interface {
	// PersistExecution adds a submitted fill. Returns ErrDuplicateKey if the
	// tx hash exists.
	PersistExecution(ctx context.Context, e limitorder.ExecutedOrder) error

	// UpdateExecutionStatus sets the receipt status of a submitted fill.
	UpdateExecutionStatus(ctx context.Context, txHash common.Hash, status int) error

	// Executions lists the fills submitted for digest, oldest first.
	Executions(ctx context.Context, digest common.Hash) ([]limitorder.ExecutedOrder, error)
}

// CounterStore exposes the daily received-order counter.
type CounterStore interface {
	// OrdersReceived returns how many new orders were saved on the UTC day
	// containing day.
	OrdersReceived(ctx context.Context, day time.Time) (int64, error)
}

// Store is everything the relayer persists.
type Store interface {
	OrderStore
	ExecutionStore
	CounterStore
}

// Day truncates t to the start of its UTC day, the counter key.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ValidateOrder checks the fields every store relies on.
func ValidateOrder(o *limitorder.LimitOrder) error {
	if o == nil || o.Digest == (common.Hash{}) || o.Price == nil || o.Order.AmountIn == nil || o.Order.AmountOut == nil {
		return ErrInvalidInput
	}
	return nil
}

// ValidateExecution checks the fields every store relies on.
func ValidateExecution(e limitorder.ExecutedOrder) error {
	if e.TxHash == (common.Hash{}) || e.Digest == (common.Hash{}) || e.FillAmount == nil {
		return ErrInvalidInput
	}
	return nil
}
