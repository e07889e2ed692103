package postgres

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limit-relayer/internal/limitorder"
	"limit-relayer/internal/store"
)

var (
	pair  = common.HexToAddress("0xC3D03e4F041Fd4cD388c549Ee2A29a9E5075882f")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	weth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

func bi(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)
	return v
}

func order(n int64, price *big.Int) *limitorder.LimitOrder {
	return &limitorder.LimitOrder{
		Digest: common.BigToHash(big.NewInt(n)),
		Order: limitorder.Order{
			Maker:            common.BigToAddress(big.NewInt(100 + n)),
			TokenIn:          dai,
			TokenOut:         weth,
			TokenInDecimals:  18,
			TokenOutDecimals: 18,
			AmountIn:         bi("5000000000000000000000"),
			AmountOut:        bi("2000000000000000000"),
			StartTime:        uint64(start.Unix()) - 60,
			EndTime:          uint64(start.Unix()) + 3600,
			OracleData:       []byte{},
			V:                27,
			R:                common.HexToHash("0x01"),
			S:                common.HexToHash("0x02"),
			ChainID:          1,
		},
		Price:        price,
		PairAddress:  pair,
		FilledAmount: new(big.Int),
		CreatedAt:    start,
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := New(pool)
	ctx := context.Background()

	o := order(1, bi("401203610832497"))
	require.NoError(t, s.SaveLimitOrder(ctx, o))

	got, err := s.LimitOrder(ctx, o.Digest)
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.Equal(t, o.Price.String(), got.Price.String())
	assert.Equal(t, o.Order.AmountIn.String(), got.Order.AmountIn.String())
	assert.Equal(t, o.Order.Maker, got.Order.Maker)
	assert.Equal(t, o.Order.EndTime, got.Order.EndTime)
	assert.Nil(t, got.UserBalance)

	err = s.SaveLimitOrder(ctx, o)
	require.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.LimitOrder(ctx, common.HexToHash("0x99"))
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.OrdersReceived(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStore_CandidatesAndRefresh(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := New(pool)
	ctx := context.Background()

	// Prices above the int64 range exercise the NUMERIC column.
	low := order(2, bi("400000000000000000000000"))
	lower := order(3, bi("300000000000000000000000"))
	above := order(4, bi("900000000000000000000000"))
	expired := order(5, big.NewInt(1))
	expired.Order.EndTime = uint64(start.Unix())
	gone := order(6, big.NewInt(1))

	for _, o := range []*limitorder.LimitOrder{low, lower, above, expired, gone} {
		require.NoError(t, s.SaveLimitOrder(ctx, o))
	}
	require.NoError(t, s.Invalidate(ctx, []common.Hash{gone.Digest}))

	poolPrice := bi("500000000000000000000000")
	got, err := s.Candidates(ctx, pair, dai, poolPrice, start)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, lower.Digest, got[0].Digest)
	assert.Equal(t, low.Digest, got[1].Digest)

	require.NoError(t, s.UpdateFilled(ctx, low.Digest, bi("1000000000000000000"), bi("42")))
	refreshed, err := s.LimitOrder(ctx, low.Digest)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", refreshed.FilledAmount.String())
	assert.Equal(t, "42", refreshed.UserBalance.String())

	// A nil balance keeps the stored one.
	require.NoError(t, s.UpdateFilled(ctx, low.Digest, bi("2"), nil))
	refreshed, err = s.LimitOrder(ctx, low.Digest)
	require.NoError(t, err)
	assert.Equal(t, "42", refreshed.UserBalance.String())

	require.ErrorIs(t, s.UpdateFilled(ctx, common.HexToHash("0x99"), big.NewInt(1), nil), store.ErrNotFound)

	n, err := s.OrdersReceived(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestStore_PriceWiderThanUint256(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := New(pool)
	ctx := context.Background()

	// One wei in for the whole uint256 range out: the scaled price has 80 digits.
	maxUint := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	o := order(7, nil)
	o.Order.AmountIn = big.NewInt(1)
	o.Order.AmountOut = maxUint
	o.Price = o.Order.Price()
	require.Greater(t, len(o.Price.String()), 78)

	require.NoError(t, s.SaveLimitOrder(ctx, o))
	got, err := s.LimitOrder(ctx, o.Digest)
	require.NoError(t, err)
	assert.Equal(t, o.Price.String(), got.Price.String())

	cands, err := s.Candidates(ctx, pair, dai, new(big.Int).Add(o.Price, big.NewInt(1)), start)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, o.Digest, cands[0].Digest)
}

func TestStore_Executions(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	s := New(pool)
	ctx := context.Background()

	o := order(7, big.NewInt(10))
	e := limitorder.ExecutedOrder{
		Order:       o.Order,
		Digest:      o.Digest,
		TxHash:      common.HexToHash("0xaaaa"),
		FillAmount:  bi("5000000000000000000000"),
		Status:      limitorder.ExecutedStatusPending,
		Nonce:       11,
		SubmittedAt: start,
	}
	require.NoError(t, s.PersistExecution(ctx, e))
	require.ErrorIs(t, s.PersistExecution(ctx, e), store.ErrDuplicateKey)

	require.NoError(t, s.UpdateExecutionStatus(ctx, e.TxHash, 1))
	require.ErrorIs(t, s.UpdateExecutionStatus(ctx, common.HexToHash("0xbbbb"), 1), store.ErrNotFound)

	got, err := s.Executions(ctx, o.Digest)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Status)
	assert.Equal(t, uint64(11), got[0].Nonce)
	assert.Equal(t, e.FillAmount.String(), got[0].FillAmount.String())
	assert.Equal(t, o.Order.TokenOut, got[0].Order.TokenOut)
}
